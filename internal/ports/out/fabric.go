package out

import (
	"context"
	"errors"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
)

// ErrNodeNotMember 目标节点已不在集群成员列表中
var ErrNodeNotMember = errors.New("target node is not a cluster member")

// DeliveryTask 提交给目标节点执行的定点投递任务
// ToNetID 为 0 表示投递给该用户在目标节点上的全部连接
type DeliveryTask struct {
	UserID  uint64                `json:"user_id"`
	ToNetID uint64                `json:"to_net_id,omitempty"`
	Message entity.ClusterMessage `json:"message"`
}

// ClusterListener 集群事件回调，由桥接层实现
type ClusterListener interface {
	// OnClusterMessage 收到集群广播
	OnClusterMessage(ctx context.Context, msg *entity.ClusterMessage)
	// OnNodeTask 收到发给本节点的定点投递任务
	OnNodeTask(ctx context.Context, task *DeliveryTask)
	// OnMemberJoined 集群成员加入
	OnMemberJoined(ctx context.Context, nodeID string)
	// OnMemberLeft 集群成员离开
	OnMemberLeft(ctx context.Context, nodeID string)
}

// ClusterFabric 集群协同设施：成员管理、广播、远程任务提交
// 投递任务是即发即忘的，提交成功后远端执行失败对发送方不可见
type ClusterFabric interface {
	// LocalNodeID 本节点ID
	LocalNodeID() string

	// Publish 向集群广播主题发布消息
	Publish(ctx context.Context, msg *entity.ClusterMessage) error

	// SubmitToNode 向指定节点提交投递任务
	SubmitToNode(ctx context.Context, nodeID string, task *DeliveryTask) error

	// SubmitToNodes 向一批节点各提交一份投递任务
	SubmitToNodes(ctx context.Context, nodeIDs []string, task *DeliveryTask) error

	// Members 当前集群成员
	Members(ctx context.Context) ([]entity.ServerNodeInfo, error)

	// RegisterNode 注册本节点信息，启动时调用一次
	RegisterNode(ctx context.Context, info entity.ServerNodeInfo) error

	// Start 开始订阅集群主题与本节点任务通道，事件回调给 listener
	Start(ctx context.Context, listener ClusterListener) error

	// Close 停止订阅与心跳
	Close() error
}
