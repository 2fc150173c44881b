package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
)

const (
	// 集群广播频道
	clusterTopicChannel = "im:cluster:router"
	// 节点任务频道前缀，每个节点订阅自己的
	nodeChannelPrefix = "im:cluster:node:"
	// 节点注册Key前缀
	nodeKeyPrefix = "im:cluster:nodes:"
	// 节点信息过期时间（心跳间隔的3倍）
	nodeTTL = 30 * time.Second
	// 心跳间隔
	heartbeatInterval = 10 * time.Second
	// 成员变化轮询间隔
	membershipPollInterval = 5 * time.Second
)

// Fabric 基于Redis的集群协同设施实现
// 广播与定点任务走 Pub/Sub，成员管理走带TTL的节点Key加心跳续期，
// 成员加入/离开靠周期性对比成员集合产生回调
type Fabric struct {
	client *redis.Client
	nodeID string
	logger *zap.Logger

	mu       sync.Mutex
	info     entity.ServerNodeInfo
	listener out.ClusterListener
	pubsub   *redis.PubSub
	stop     chan struct{}
	started  bool
}

// NewFabric 创建集群设施，节点ID随进程生成
func NewFabric(client *redis.Client, logger *zap.Logger) *Fabric {
	return &Fabric{
		client: client,
		nodeID: uuid.NewString(),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// LocalNodeID 本节点ID
func (f *Fabric) LocalNodeID() string {
	return f.nodeID
}

func nodeKey(nodeID string) string {
	return nodeKeyPrefix + nodeID
}

func nodeChannel(nodeID string) string {
	return nodeChannelPrefix + nodeID
}

// RegisterNode 写入本节点信息并开始心跳续期
func (f *Fabric) RegisterNode(ctx context.Context, info entity.ServerNodeInfo) error {
	info.NodeID = f.nodeID

	f.mu.Lock()
	f.info = info
	f.mu.Unlock()

	if err := f.writeNodeInfo(ctx); err != nil {
		return fmt.Errorf("register node failed: %w", err)
	}

	go f.heartbeatLoop()
	return nil
}

func (f *Fabric) writeNodeInfo(ctx context.Context) error {
	f.mu.Lock()
	info := f.info
	f.mu.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return f.client.Set(ctx, nodeKey(f.nodeID), data, nodeTTL).Err()
}

func (f *Fabric) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if err := f.writeNodeInfo(context.Background()); err != nil {
				f.logger.Warn("node heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Publish 向集群广播主题发布消息
func (f *Fabric) Publish(ctx context.Context, msg *entity.ClusterMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cluster message failed: %w", err)
	}
	return f.client.Publish(ctx, clusterTopicChannel, data).Err()
}

// SubmitToNode 向指定节点提交投递任务
// 目标节点的注册Key已经不在则视为脱离集群，返回 ErrNodeNotMember
func (f *Fabric) SubmitToNode(ctx context.Context, nodeID string, task *out.DeliveryTask) error {
	exists, err := f.client.Exists(ctx, nodeKey(nodeID)).Result()
	if err != nil {
		return fmt.Errorf("check member failed: %w", err)
	}
	if exists == 0 {
		return out.ErrNodeNotMember
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal delivery task failed: %w", err)
	}
	return f.client.Publish(ctx, nodeChannel(nodeID), data).Err()
}

// SubmitToNodes 向一批节点各提交一份任务，全部尝试后合并错误
func (f *Fabric) SubmitToNodes(ctx context.Context, nodeIDs []string, task *out.DeliveryTask) error {
	var errs []error
	for _, nodeID := range nodeIDs {
		if err := f.SubmitToNode(ctx, nodeID, task); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", nodeID, err))
		}
	}
	return errors.Join(errs...)
}

// Members 扫描节点注册Key得到当前成员
func (f *Fabric) Members(ctx context.Context) ([]entity.ServerNodeInfo, error) {
	var (
		members []entity.ServerNodeInfo
		cursor  uint64
	)
	for {
		keys, next, err := f.client.Scan(ctx, cursor, nodeKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan members failed: %w", err)
		}
		for _, key := range keys {
			data, err := f.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue // 心跳刚过期
				}
				return nil, err
			}
			var info entity.ServerNodeInfo
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				f.logger.Warn("bad node info entry skipped", zap.String("key", key))
				continue
			}
			members = append(members, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return members, nil
}

// Start 订阅广播主题与本节点任务频道，并启动成员变化监视
func (f *Fabric) Start(ctx context.Context, listener out.ClusterListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return errors.New("fabric already started")
	}
	f.started = true
	f.listener = listener
	f.pubsub = f.client.Subscribe(ctx, clusterTopicChannel, nodeChannel(f.nodeID))

	go f.receiveLoop()
	go f.membershipLoop()
	return nil
}

func (f *Fabric) receiveLoop() {
	ch := f.pubsub.Channel()
	for msg := range ch {
		switch {
		case msg.Channel == clusterTopicChannel:
			var cm entity.ClusterMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				f.logger.Warn("bad cluster message dropped", zap.Error(err))
				continue
			}
			f.listener.OnClusterMessage(context.Background(), &cm)

		case strings.HasPrefix(msg.Channel, nodeChannelPrefix):
			var task out.DeliveryTask
			if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
				f.logger.Warn("bad delivery task dropped", zap.Error(err))
				continue
			}
			f.listener.OnNodeTask(context.Background(), &task)
		}
	}
}

// membershipLoop 周期性对比成员集合，差分出加入与离开
func (f *Fabric) membershipLoop() {
	known := map[string]struct{}{f.nodeID: {}}
	ticker := time.NewTicker(membershipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			members, err := f.Members(context.Background())
			if err != nil {
				f.logger.Warn("poll members failed", zap.Error(err))
				continue
			}

			current := make(map[string]struct{}, len(members))
			for _, m := range members {
				current[m.NodeID] = struct{}{}
			}
			// 自己的Key可能恰好在续期间隙过期，不当作离开处理
			current[f.nodeID] = struct{}{}

			for nodeID := range current {
				if _, ok := known[nodeID]; !ok {
					f.listener.OnMemberJoined(context.Background(), nodeID)
				}
			}
			for nodeID := range known {
				if _, ok := current[nodeID]; !ok {
					f.listener.OnMemberLeft(context.Background(), nodeID)
				}
			}
			known = current
		}
	}
}

// Close 停止心跳与订阅并注销节点Key
func (f *Fabric) Close() error {
	close(f.stop)

	f.mu.Lock()
	pubsub := f.pubsub
	f.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return err
		}
	}
	return f.client.Del(context.Background(), nodeKey(f.nodeID)).Err()
}
