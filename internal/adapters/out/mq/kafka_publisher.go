package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
)

const (
	// Kafka Topic 定义
	TopicPresenceChanged = "im.presence.changed"
)

// KafkaEventPublisher Kafka事件发布器
type KafkaEventPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaEventPublisher 创建Kafka事件发布器
func NewKafkaEventPublisher(brokers []string) (out.EventPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second
	// 同一用户的事件发到同一分区，保持上下线顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaEventPublisher{producer: producer}, nil
}

func (p *KafkaEventPublisher) PublishPresenceChange(ctx context.Context, event *out.PresenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal presence event failed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: TopicPresenceChanged,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", event.UserID)), // 按用户分区
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("presence_changed")},
			{Key: []byte("timestamp"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	_, _, err = p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish presence event failed: %w", err)
	}

	return nil
}

func (p *KafkaEventPublisher) Close() error {
	return p.producer.Close()
}
