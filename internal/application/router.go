package application

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/in"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
)

// RouterUseCaseImpl 消息路由用例实现
// 广播走集群主题，定点投递只提交给持有目标连接的节点；
// 目标用户离线、句柄失效都按稳态静默丢弃，不算错误
type RouterUseCaseImpl struct {
	presence  *registry.PresenceRegistry
	nodeConns *registry.NodeConnIndex
	fabric    out.ClusterFabric
	logger    *zap.Logger
}

// NewRouterUseCase 创建消息路由用例
func NewRouterUseCase(
	presence *registry.PresenceRegistry,
	nodeConns *registry.NodeConnIndex,
	fabric out.ClusterFabric,
	logger *zap.Logger,
) in.RouterUseCase {
	return &RouterUseCaseImpl{
		presence:  presence,
		nodeConns: nodeConns,
		fabric:    fabric,
		logger:    logger,
	}
}

// Send 集群广播，各节点收到后做本地过滤
// retry 为原接口保留，当前不影响行为
func (uc *RouterUseCaseImpl) Send(ctx context.Context, header entity.Header, payload json.RawMessage, retry bool) error {
	msg := &entity.ClusterMessage{Header: header, Payload: payload}
	return uc.fabric.Publish(ctx, msg)
}

// SendToUser 投递给用户的全部连接
// 按连接所在节点集合扇出，每个节点恰好提交一个任务
func (uc *RouterUseCaseImpl) SendToUser(ctx context.Context, userID uint64, msg *entity.ClusterMessage) error {
	info := uc.presence.Get(userID)
	if info == nil {
		// 用户离线，静默丢弃
		uc.logger.Debug("send to offline user dropped", zap.Uint64("user_id", userID))
		return nil
	}

	netIDs := make([]uint64, 0, len(info.RouteConns))
	for netID := range info.RouteConns {
		netIDs = append(netIDs, netID)
	}

	nodeIDs := uc.nodeConns.ResolveMany(netIDs)
	if len(nodeIDs) == 0 {
		return nil
	}

	task := &out.DeliveryTask{UserID: userID, Message: *msg}
	return uc.fabric.SubmitToNodes(ctx, nodeIDs, task)
}

// SendToUserConn 投递给用户的指定连接
// 句柄已失效说明连接不复存在，静默丢弃
func (uc *RouterUseCaseImpl) SendToUserConn(ctx context.Context, userID, toNetID uint64, msg *entity.ClusterMessage) error {
	nodeID, ok := uc.nodeConns.Resolve(toNetID)
	if !ok {
		uc.logger.Debug("send to stale connection dropped",
			zap.Uint64("user_id", userID), zap.Uint64("net_id", toNetID))
		return nil
	}

	task := &out.DeliveryTask{UserID: userID, ToNetID: toNetID, Message: *msg}
	return uc.fabric.SubmitToNode(ctx, nodeID, task)
}
