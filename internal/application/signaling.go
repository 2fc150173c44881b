package application

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/call"
	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/in"
)

// SignalingUseCaseImpl 音视频呼叫信令用例实现
// 准入由占位注册表裁决，挂断成功后经消息路由通知对端
type SignalingUseCaseImpl struct {
	calls  *call.Registry
	router in.RouterUseCase
	logger *zap.Logger
}

// NewSignalingUseCase 创建信令用例
func NewSignalingUseCase(calls *call.Registry, router in.RouterUseCase, logger *zap.Logger) in.SignalingUseCase {
	return &SignalingUseCaseImpl{
		calls:  calls,
		router: router,
		logger: logger,
	}
}

// InitiateCall 发起呼叫
// 主叫方已占主叫位返回 ErrSelfBusy，被叫方忙返回 ErrPeerBusy，
// 忙音提示由调用方翻译后回发请求端
func (uc *SignalingUseCaseImpl) InitiateCall(ctx context.Context, fromID, toID, netID uint64) error {
	if err := uc.calls.Initiate(fromID, toID, netID); err != nil {
		uc.logger.Info("initiate call rejected",
			zap.Uint64("from_id", fromID), zap.Uint64("to_id", toID), zap.Error(err))
		return err
	}
	return nil
}

// AcceptCall 应答呼叫
// 被叫位已被占用（其他端先应答）返回 ErrAlreadyAnswered
func (uc *SignalingUseCaseImpl) AcceptCall(ctx context.Context, fromID, toID, netID uint64) error {
	if err := uc.calls.Accept(fromID, toID, netID); err != nil {
		uc.logger.Info("accept call rejected",
			zap.Uint64("from_id", fromID), zap.Uint64("to_id", toID), zap.Error(err))
		return err
	}
	return nil
}

// Hangup 挂断
// 释放本方占位，把取消通知投递到对端占位里记录的连接；
// 对端占位缺失时跳过通知，不报错
func (uc *SignalingUseCaseImpl) Hangup(ctx context.Context, fromID, toID, callID uint64) error {
	peerNetID, ok := uc.calls.Hangup(fromID, toID)
	if !ok {
		uc.logger.Warn("hangup without peer slot, notify skipped",
			zap.Uint64("from_id", fromID), zap.Uint64("to_id", toID))
		return nil
	}

	payload, err := json.Marshal(entity.AVCallCancel{
		FromID: fromID,
		ToID:   toID,
		CallID: callID,
	})
	if err != nil {
		return err
	}

	msg := &entity.ClusterMessage{
		Header: entity.Header{
			ServiceID: entity.ServiceIDAVCall,
			CommandID: entity.CmdIDAVCallCancelReq,
		},
		ToUserID: toID,
		ToNetID:  peerNetID,
		Payload:  payload,
	}
	return uc.router.SendToUserConn(ctx, toID, peerNetID, msg)
}
