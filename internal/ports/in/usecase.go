package in

import (
	"context"
	"encoding/json"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
)

// ConnectionContext 连接层在事件发生时能提供的连接属性
type ConnectionContext struct {
	ClientType entity.ClientType
	NetID      uint64
}

// PresenceUseCase 在线状态用例接口
type PresenceUseCase interface {
	// ConnectionStatusChanged 连接上下线入口，按用户串行生效
	ConnectionStatusChanged(ctx context.Context, userID uint64, conn ConnectionContext, status entity.UserStatus) error

	// QueryUserStatus 批量查询用户在线状态
	QueryUserStatus(ctx context.Context, fromUserID uint64, userIDs []uint64) ([]entity.UserStat, error)

	// KickOutSameClientType 踢掉同类型客户端的既有连接，限制多端同时登录
	KickOutSameClientType(ctx context.Context, userID uint64, clientType entity.ClientType, reason uint32) ([]entity.UserStat, error)

	// RegisterNode 节点启动时注册自身信息
	RegisterNode(ctx context.Context, info entity.ServerNodeInfo) error
}

// RouterUseCase 消息路由用例接口
type RouterUseCase interface {
	// Send 集群广播；retry 为原接口保留，当前不影响行为
	Send(ctx context.Context, header entity.Header, payload json.RawMessage, retry bool) error

	// SendToUser 投递给用户的全部连接，按其连接所在节点扇出
	SendToUser(ctx context.Context, userID uint64, msg *entity.ClusterMessage) error

	// SendToUserConn 投递给用户的指定连接
	SendToUserConn(ctx context.Context, userID, toNetID uint64, msg *entity.ClusterMessage) error
}

// SignalingUseCase 音视频呼叫信令用例接口
type SignalingUseCase interface {
	// InitiateCall 发起呼叫
	InitiateCall(ctx context.Context, fromID, toID, netID uint64) error

	// AcceptCall 应答呼叫
	AcceptCall(ctx context.Context, fromID, toID, netID uint64) error

	// Hangup 挂断，向对端发送取消通知
	Hangup(ctx context.Context, fromID, toID, callID uint64) error
}
