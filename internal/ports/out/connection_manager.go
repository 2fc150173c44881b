package out

// ConnectionManager 本节点的客户端连接管理
type ConnectionManager interface {
	// Send 向指定句柄的连接推送数据；连接不存在为静默空操作
	Send(netID uint64, data []byte) error

	// SendToUser 向该用户在本节点的全部连接推送数据，返回送达的连接数
	SendToUser(userID uint64, data []byte) int

	// Has 句柄对应的连接是否在本节点
	Has(netID uint64) bool

	// Kick 关闭指定句柄的连接
	Kick(netID uint64) error
}
