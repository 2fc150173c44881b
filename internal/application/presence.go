package application

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/in"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
)

// PresenceUseCaseImpl 在线状态用例实现
type PresenceUseCaseImpl struct {
	presence  *registry.PresenceRegistry
	nodeConns *registry.NodeConnIndex
	fabric    out.ClusterFabric
	events    out.EventPublisher
	router    in.RouterUseCase
	logger    *zap.Logger
}

// NewPresenceUseCase 创建在线状态用例
// events 可为 nil（不发布上下线事件）
func NewPresenceUseCase(
	presence *registry.PresenceRegistry,
	nodeConns *registry.NodeConnIndex,
	fabric out.ClusterFabric,
	events out.EventPublisher,
	router in.RouterUseCase,
	logger *zap.Logger,
) in.PresenceUseCase {
	return &PresenceUseCaseImpl{
		presence:  presence,
		nodeConns: nodeConns,
		fabric:    fabric,
		events:    events,
		router:    router,
		logger:    logger,
	}
}

// ConnectionStatusChanged 连接上下线入口
// 先维护句柄与节点的关联，再按规则更新用户记录：
// 已登记句柄收到下线则摘除，收到上线只刷新客户端类型；
// 未登记句柄收到上线则补登记，收到下线为幂等空操作
func (uc *PresenceUseCaseImpl) ConnectionStatusChanged(ctx context.Context, userID uint64, conn in.ConnectionContext, status entity.UserStatus) error {
	nodeID := uc.fabric.LocalNodeID()

	before := uc.presence.Get(userID)

	if status == entity.UserStatusOnline {
		uc.nodeConns.Bind(nodeID, conn.NetID)
		uc.presence.UpsertOnConnect(userID, conn.ClientType, conn.NetID)
	} else {
		uc.nodeConns.Unbind(nodeID, conn.NetID)
		uc.presence.RemoveOnDisconnect(userID, conn.ClientType, conn.NetID)
	}

	after := uc.presence.Get(userID)
	uc.publishTransition(userID, conn.ClientType, nodeID, before, after)

	uc.logger.Debug("connection status changed",
		zap.Uint64("user_id", userID),
		zap.Uint64("net_id", conn.NetID),
		zap.String("status", string(status)))
	return nil
}

// publishTransition 在线状态真正翻转时发布事件，发布失败只记日志
func (uc *PresenceUseCaseImpl) publishTransition(userID uint64, clientType entity.ClientType, nodeID string, before, after *entity.UserClientInfo) {
	if uc.events == nil {
		return
	}

	wasOnline := before != nil && before.Status() == entity.UserStatusOnline
	isOnline := after != nil && after.Status() == entity.UserStatusOnline
	if wasOnline == isOnline {
		return
	}

	status := entity.UserStatusOffline
	if isOnline {
		status = entity.UserStatusOnline
	}

	go func() {
		event := &out.PresenceEvent{
			UserID:     userID,
			Status:     status,
			ClientType: clientType,
			NodeID:     nodeID,
			Timestamp:  time.Now(),
		}
		if err := uc.events.PublishPresenceChange(context.Background(), event); err != nil {
			uc.logger.Warn("publish presence change failed",
				zap.Uint64("user_id", userID), zap.Error(err))
		}
	}()
}

// QueryUserStatus 批量查询用户在线状态
func (uc *PresenceUseCaseImpl) QueryUserStatus(ctx context.Context, fromUserID uint64, userIDs []uint64) ([]entity.UserStat, error) {
	uc.logger.Debug("query user status",
		zap.Uint64("from_user_id", fromUserID), zap.Int("user_cnt", len(userIDs)))

	stats := make([]entity.UserStat, 0, len(userIDs))
	for _, userID := range userIDs {
		stat := entity.UserStat{UserID: userID, Status: entity.UserStatusOffline}
		if info := uc.presence.Get(userID); info != nil {
			stat.Status = info.Status()
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// KickOutSameClientType 踢掉该用户同类型客户端的既有连接
// 向每个旧连接发送踢下线通知，由客户端主动断开
func (uc *PresenceUseCaseImpl) KickOutSameClientType(ctx context.Context, userID uint64, clientType entity.ClientType, reason uint32) ([]entity.UserStat, error) {
	info := uc.presence.Get(userID)
	if info == nil {
		return nil, nil
	}

	payload, err := json.Marshal(entity.KickUserNotify{
		UserID:     userID,
		ClientType: clientType,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}

	header := entity.Header{
		ServiceID: entity.ServiceIDLogin,
		CommandID: entity.CmdIDLoginKickUser,
	}

	var stats []entity.UserStat
	for netID, ct := range info.RouteConns {
		if ct != clientType {
			continue
		}
		msg := &entity.ClusterMessage{Header: header, ToUserID: userID, ToNetID: netID, Payload: payload}
		if err := uc.router.SendToUserConn(ctx, userID, netID, msg); err != nil {
			uc.logger.Warn("kick out send failed",
				zap.Uint64("user_id", userID), zap.Uint64("net_id", netID), zap.Error(err))
			continue
		}
		stats = append(stats, entity.UserStat{UserID: userID, Status: info.Status()})
	}
	return stats, nil
}

// RegisterNode 节点启动时注册自身信息
func (uc *PresenceUseCaseImpl) RegisterNode(ctx context.Context, info entity.ServerNodeInfo) error {
	uc.logger.Info("register message server node",
		zap.String("ip", info.IP), zap.Int("port", info.Port))
	return uc.fabric.RegisterNode(ctx, info)
}
