package application

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
)

// ClusterBridge 集群事件桥接
// 入站广播与投递任务转给本地连接处理，成员变更驱动注册表清理
type ClusterBridge struct {
	presence  *registry.PresenceRegistry
	nodeConns *registry.NodeConnIndex
	connMgr   out.ConnectionManager
	logger    *zap.Logger
}

// NewClusterBridge 创建集群事件桥接
func NewClusterBridge(
	presence *registry.PresenceRegistry,
	nodeConns *registry.NodeConnIndex,
	connMgr out.ConnectionManager,
	logger *zap.Logger,
) *ClusterBridge {
	return &ClusterBridge{
		presence:  presence,
		nodeConns: nodeConns,
		connMgr:   connMgr,
		logger:    logger,
	}
}

// OnClusterMessage 收到集群广播
// 指定了目标连接或目标用户时做本地过滤，目标不在本节点则忽略；
// 未指定目标的按服务器通知下发给本地全部连接所属用户不可知，跳过
func (b *ClusterBridge) OnClusterMessage(ctx context.Context, msg *entity.ClusterMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal cluster message failed", zap.Error(err))
		return
	}

	switch {
	case msg.ToNetID != 0:
		if b.connMgr.Has(msg.ToNetID) {
			if err := b.connMgr.Send(msg.ToNetID, data); err != nil {
				b.logger.Warn("deliver broadcast to connection failed",
					zap.Uint64("net_id", msg.ToNetID), zap.Error(err))
			}
		}
	case msg.ToUserID != 0:
		b.connMgr.SendToUser(msg.ToUserID, data)
	default:
		b.logger.Debug("broadcast without target ignored",
			zap.Uint16("service_id", msg.Header.ServiceID),
			zap.Uint16("command_id", msg.Header.CommandID))
	}
}

// OnNodeTask 收到发给本节点的定点投递任务
func (b *ClusterBridge) OnNodeTask(ctx context.Context, task *out.DeliveryTask) {
	data, err := json.Marshal(&task.Message)
	if err != nil {
		b.logger.Error("marshal delivery task failed", zap.Error(err))
		return
	}

	if task.ToNetID != 0 {
		if err := b.connMgr.Send(task.ToNetID, data); err != nil {
			b.logger.Warn("deliver task to connection failed",
				zap.Uint64("net_id", task.ToNetID), zap.Error(err))
		}
		return
	}

	delivered := b.connMgr.SendToUser(task.UserID, data)
	b.logger.Debug("delivery task fanned out locally",
		zap.Uint64("user_id", task.UserID), zap.Int("delivered", delivered))
}

// OnMemberJoined 集群成员加入
func (b *ClusterBridge) OnMemberJoined(ctx context.Context, nodeID string) {
	b.logger.Info("cluster member joined", zap.String("node_id", nodeID))
}

// OnMemberLeft 集群成员离开
// 清理该节点名下的句柄索引并修正受影响用户的在线记录，
// 否则路由会继续向已消失的节点提交任务
func (b *ClusterBridge) OnMemberLeft(ctx context.Context, nodeID string) {
	netIDs := b.nodeConns.PurgeNode(nodeID)
	affected := b.presence.PurgeHandles(netIDs)

	b.logger.Info("cluster member left, stale routes purged",
		zap.String("node_id", nodeID),
		zap.Int("conn_cnt", len(netIDs)),
		zap.Int("user_cnt", len(affected)))
}
