package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
)

func newBridgeFixture(t *testing.T) (*ClusterBridge, *registry.PresenceRegistry, *registry.NodeConnIndex, *fakeConnManager) {
	t.Helper()
	presence := registry.NewPresenceRegistry()
	nodeConns := registry.NewNodeConnIndex()
	connMgr := newFakeConnManager()
	bridge := NewClusterBridge(presence, nodeConns, connMgr, zap.NewNop())
	return bridge, presence, nodeConns, connMgr
}

func TestBridgeOnClusterMessage_ConnFilter(t *testing.T) {
	bridge, _, _, connMgr := newBridgeFixture(t)
	connMgr.addConn(101, 1)

	// 目标连接在本节点，投递
	bridge.OnClusterMessage(context.Background(), &entity.ClusterMessage{ToUserID: 1, ToNetID: 101})
	assert.Len(t, connMgr.sent[101], 1)

	// 目标连接不在本节点，忽略
	bridge.OnClusterMessage(context.Background(), &entity.ClusterMessage{ToUserID: 2, ToNetID: 999})
	assert.Empty(t, connMgr.sent[999])
}

func TestBridgeOnClusterMessage_UserFanout(t *testing.T) {
	bridge, _, _, connMgr := newBridgeFixture(t)
	connMgr.addConn(101, 1)
	connMgr.addConn(102, 1)
	connMgr.addConn(201, 2)

	bridge.OnClusterMessage(context.Background(), &entity.ClusterMessage{ToUserID: 1})

	assert.Len(t, connMgr.sent[101], 1)
	assert.Len(t, connMgr.sent[102], 1)
	assert.Empty(t, connMgr.sent[201])
}

func TestBridgeOnNodeTask_Delivery(t *testing.T) {
	bridge, _, _, connMgr := newBridgeFixture(t)
	connMgr.addConn(101, 1)
	connMgr.addConn(102, 1)

	// 指定连接只投一条
	bridge.OnNodeTask(context.Background(), &out.DeliveryTask{UserID: 1, ToNetID: 102})
	assert.Empty(t, connMgr.sent[101])
	assert.Len(t, connMgr.sent[102], 1)

	// 未指定连接按用户扇出
	bridge.OnNodeTask(context.Background(), &out.DeliveryTask{UserID: 1})
	assert.Len(t, connMgr.sent[101], 1)
	assert.Len(t, connMgr.sent[102], 2)
}

func TestBridgeOnMemberLeft_PurgesStaleRoutes(t *testing.T) {
	bridge, presence, nodeConns, _ := newBridgeFixture(t)

	// 用户 1 在本节点与 node-b 各有一条连接，用户 2 只在 node-b
	presence.UpsertOnConnect(1, entity.ClientTypeWindows, 101)
	presence.UpsertOnConnect(1, entity.ClientTypeIOS, 201)
	presence.UpsertOnConnect(2, entity.ClientTypeWeb, 202)
	nodeConns.Bind("node-a", 101)
	nodeConns.Bind("node-b", 201)
	nodeConns.Bind("node-b", 202)

	bridge.OnMemberLeft(context.Background(), "node-b")

	// node-b 的句柄全部失效
	_, ok := nodeConns.Resolve(201)
	assert.False(t, ok)
	_, ok = nodeConns.Resolve(202)
	assert.False(t, ok)
	_, ok = nodeConns.Resolve(101)
	assert.True(t, ok)

	// 用户 1 剩一条连接仍在线，用户 2 被整体摘除
	info := presence.Get(1)
	require.NotNil(t, info)
	assert.Equal(t, entity.UserStatusOnline, info.Status())
	assert.Len(t, info.RouteConns, 1)
	assert.Nil(t, presence.Get(2))
}

func TestBridgeOnMemberLeft_UnknownNodeIsNoop(t *testing.T) {
	bridge, presence, nodeConns, _ := newBridgeFixture(t)

	presence.UpsertOnConnect(1, entity.ClientTypeWindows, 101)
	nodeConns.Bind("node-a", 101)

	bridge.OnMemberLeft(context.Background(), "node-z")

	_, ok := nodeConns.Resolve(101)
	assert.True(t, ok)
	require.NotNil(t, presence.Get(1))
}
