package out

import (
	"context"
	"time"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
)

// PresenceEvent 用户上下线事件
type PresenceEvent struct {
	UserID     uint64            `json:"user_id"`
	Status     entity.UserStatus `json:"status"`
	ClientType entity.ClientType `json:"client_type"`
	NodeID     string            `json:"node_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EventPublisher 上下线事件发布器
type EventPublisher interface {
	PublishPresenceChange(ctx context.Context, event *PresenceEvent) error
	Close() error
}
