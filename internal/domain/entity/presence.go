package entity

// ClientType 客户端类型
type ClientType string

const (
	ClientTypeWindows ClientType = "windows"
	ClientTypeMac     ClientType = "mac"
	ClientTypeIOS     ClientType = "ios"
	ClientTypeAndroid ClientType = "android"
	ClientTypeWeb     ClientType = "web"
)

// UserStatus 用户在线状态，由路由连接集合是否为空推导，不单独存储
type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
)

// UserClientInfo 用户与客户端连接的关联记录
// RouteConns 以连接句柄（netID）为键，值是该连接的客户端类型，
// 一个句柄同一时刻至多归属一个用户
type UserClientInfo struct {
	UserID     uint64
	RouteConns map[uint64]ClientType
}

// NewUserClientInfo 创建空的关联记录
func NewUserClientInfo(userID uint64) *UserClientInfo {
	return &UserClientInfo{
		UserID:     userID,
		RouteConns: make(map[uint64]ClientType),
	}
}

// FindRouteConn 判断句柄是否已登记
func (u *UserClientInfo) FindRouteConn(netID uint64) bool {
	_, ok := u.RouteConns[netID]
	return ok
}

// AddRouteConn 登记句柄与客户端类型；句柄已存在时只刷新类型
func (u *UserClientInfo) AddRouteConn(netID uint64, clientType ClientType) {
	u.RouteConns[netID] = clientType
}

// RemoveRouteConn 摘除句柄
func (u *UserClientInfo) RemoveRouteConn(netID uint64) {
	delete(u.RouteConns, netID)
}

// ClientTypes 当前在线的客户端类型集合（由连接表推导）
func (u *UserClientInfo) ClientTypes() map[ClientType]struct{} {
	types := make(map[ClientType]struct{}, len(u.RouteConns))
	for _, ct := range u.RouteConns {
		types[ct] = struct{}{}
	}
	return types
}

// Status 在线状态：有任意路由连接即在线
func (u *UserClientInfo) Status() UserStatus {
	if len(u.RouteConns) > 0 {
		return UserStatusOnline
	}
	return UserStatusOffline
}

// Clone 深拷贝，供注册表对外返回快照
func (u *UserClientInfo) Clone() *UserClientInfo {
	c := NewUserClientInfo(u.UserID)
	for netID, ct := range u.RouteConns {
		c.RouteConns[netID] = ct
	}
	return c
}

// UserStat 批量状态查询的单条结果
type UserStat struct {
	UserID uint64     `json:"user_id"`
	Status UserStatus `json:"status"`
}
