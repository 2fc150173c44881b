package registry

import "sync"

const nodeConnShardCount = 32

type nodeConnShard struct {
	mu    sync.RWMutex
	conns map[uint64]string // netID -> nodeID
}

// NodeConnIndex 连接句柄到所属节点的索引
// 与在线注册表的上下线事件成对维护，消息路由靠它做定点投递，
// 避免只有一两个节点持有目标连接时仍向全集群广播
type NodeConnIndex struct {
	shards [nodeConnShardCount]nodeConnShard
}

// NewNodeConnIndex 创建索引
func NewNodeConnIndex() *NodeConnIndex {
	ix := &NodeConnIndex{}
	for i := range ix.shards {
		ix.shards[i].conns = make(map[uint64]string)
	}
	return ix
}

func (ix *NodeConnIndex) shard(netID uint64) *nodeConnShard {
	return &ix.shards[netID%nodeConnShardCount]
}

// Bind 登记句柄归属节点
func (ix *NodeConnIndex) Bind(nodeID string, netID uint64) {
	s := ix.shard(netID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[netID] = nodeID
}

// Unbind 注销句柄；当前归属不是该节点时不动
func (ix *NodeConnIndex) Unbind(nodeID string, netID uint64) {
	s := ix.shard(netID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.conns[netID]; ok && owner == nodeID {
		delete(s.conns, netID)
	}
}

// Resolve 查询句柄归属节点
func (ix *NodeConnIndex) Resolve(netID uint64) (string, bool) {
	s := ix.shard(netID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodeID, ok := s.conns[netID]
	return nodeID, ok
}

// ResolveMany 解析一批句柄归属的节点集合（去重）
func (ix *NodeConnIndex) ResolveMany(netIDs []uint64) []string {
	seen := make(map[string]struct{})
	var nodes []string
	for _, netID := range netIDs {
		if nodeID, ok := ix.Resolve(netID); ok {
			if _, dup := seen[nodeID]; !dup {
				seen[nodeID] = struct{}{}
				nodes = append(nodes, nodeID)
			}
		}
	}
	return nodes
}

// ConnectionsOf 列出某节点持有的全部句柄
func (ix *NodeConnIndex) ConnectionsOf(nodeID string) []uint64 {
	var netIDs []uint64
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for netID, owner := range s.conns {
			if owner == nodeID {
				netIDs = append(netIDs, netID)
			}
		}
		s.mu.RUnlock()
	}
	return netIDs
}

// PurgeNode 摘除某节点的全部句柄（成员离开清理用），返回被摘除的句柄
func (ix *NodeConnIndex) PurgeNode(nodeID string) []uint64 {
	var netIDs []uint64
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		for netID, owner := range s.conns {
			if owner == nodeID {
				delete(s.conns, netID)
				netIDs = append(netIDs, netID)
			}
		}
		s.mu.Unlock()
	}
	return netIDs
}
