package registry

import (
	"sync"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
)

const presenceShardCount = 32

// presenceShard 一个分片：独立的锁加独立的映射
type presenceShard struct {
	mu    sync.RWMutex
	users map[uint64]*entity.UserClientInfo
}

// PresenceRegistry 用户在线注册表
// 按 userID 分片，同一用户的上下线事件在分片锁内串行执行，
// 不同用户互不阻塞；对外只返回记录的拷贝
type PresenceRegistry struct {
	shards [presenceShardCount]presenceShard
}

// NewPresenceRegistry 创建在线注册表
func NewPresenceRegistry() *PresenceRegistry {
	r := &PresenceRegistry{}
	for i := range r.shards {
		r.shards[i].users = make(map[uint64]*entity.UserClientInfo)
	}
	return r
}

func (r *PresenceRegistry) shard(userID uint64) *presenceShard {
	return &r.shards[userID%presenceShardCount]
}

// Get 查询用户记录快照，不存在时返回 nil
func (r *PresenceRegistry) Get(userID uint64) *entity.UserClientInfo {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.users[userID]
	if !ok {
		return nil
	}
	return info.Clone()
}

// UpsertOnConnect 连接上线
// 记录不存在则新建；句柄未登记则补登记；句柄已登记（同句柄重连）只刷新客户端类型
func (r *PresenceRegistry) UpsertOnConnect(userID uint64, clientType entity.ClientType, netID uint64) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.users[userID]
	if !ok {
		info = entity.NewUserClientInfo(userID)
		s.users[userID] = info
	}
	info.AddRouteConn(netID, clientType)
}

// RemoveOnDisconnect 连接下线
// 句柄未登记时为幂等空操作；路由连接清空后整条记录淘汰
// 返回值表示本次是否真的摘除了句柄
func (r *PresenceRegistry) RemoveOnDisconnect(userID uint64, clientType entity.ClientType, netID uint64) bool {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.users[userID]
	if !ok || !info.FindRouteConn(netID) {
		return false
	}

	info.RemoveRouteConn(netID)
	if len(info.RouteConns) == 0 {
		delete(s.users, userID)
	}
	return true
}

// PurgeHandles 批量摘除句柄（节点下线清理用），返回受影响的用户ID
// 逐分片扫描，分片间允许并发写入
func (r *PresenceRegistry) PurgeHandles(netIDs []uint64) []uint64 {
	if len(netIDs) == 0 {
		return nil
	}
	dead := make(map[uint64]struct{}, len(netIDs))
	for _, id := range netIDs {
		dead[id] = struct{}{}
	}

	var affected []uint64
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, info := range s.users {
			touched := false
			for netID := range info.RouteConns {
				if _, ok := dead[netID]; ok {
					info.RemoveRouteConn(netID)
					touched = true
				}
			}
			if touched {
				affected = append(affected, userID)
				if len(info.RouteConns) == 0 {
					delete(s.users, userID)
				}
			}
		}
		s.mu.Unlock()
	}
	return affected
}
