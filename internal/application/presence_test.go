package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/in"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
)

type presenceFixture struct {
	uc        in.PresenceUseCase
	presence  *registry.PresenceRegistry
	nodeConns *registry.NodeConnIndex
	fabric    *fakeFabric
	events    *fakeEvents
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()
	presence := registry.NewPresenceRegistry()
	nodeConns := registry.NewNodeConnIndex()
	fabric := newFakeFabric("node-a")
	events := &fakeEvents{}
	logger := zap.NewNop()
	router := NewRouterUseCase(presence, nodeConns, fabric, logger)
	uc := NewPresenceUseCase(presence, nodeConns, fabric, events, router, logger)
	return &presenceFixture{uc: uc, presence: presence, nodeConns: nodeConns, fabric: fabric, events: events}
}

func (f *presenceFixture) eventCount() int {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	return len(f.events.events)
}

func TestPresence_ConnectDisconnectRoundtrip(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	conn := in.ConnectionContext{ClientType: entity.ClientTypeWindows, NetID: 101}
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, conn, entity.UserStatusOnline))

	stats, err := f.uc.QueryUserStatus(ctx, 9, []uint64{1, 2})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, entity.UserStatusOnline, stats[0].Status)
	assert.Equal(t, entity.UserStatusOffline, stats[1].Status)

	// 连接同时登记到节点索引
	nodeID, ok := f.nodeConns.Resolve(101)
	require.True(t, ok)
	assert.Equal(t, "node-a", nodeID)

	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, conn, entity.UserStatusOffline))

	stats, err = f.uc.QueryUserStatus(ctx, 9, []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, entity.UserStatusOffline, stats[0].Status)

	_, ok = f.nodeConns.Resolve(101)
	assert.False(t, ok)
}

func TestPresence_EventsOnlyOnTransition(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	c1 := in.ConnectionContext{ClientType: entity.ClientTypeWindows, NetID: 101}
	c2 := in.ConnectionContext{ClientType: entity.ClientTypeIOS, NetID: 102}

	// 第一条连接触发上线事件，第二条不触发
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, c1, entity.UserStatusOnline))
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, c2, entity.UserStatusOnline))

	require.Eventually(t, func() bool { return f.eventCount() == 1 }, time.Second, 10*time.Millisecond)

	// 摘掉一条仍在线，不触发；最后一条摘掉触发下线事件
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, c1, entity.UserStatusOffline))
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1, c2, entity.UserStatusOffline))

	require.Eventually(t, func() bool { return f.eventCount() == 2 }, time.Second, 10*time.Millisecond)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Equal(t, entity.UserStatusOnline, f.events.events[0].Status)
	assert.Equal(t, entity.UserStatusOffline, f.events.events[1].Status)
	assert.Equal(t, "node-a", f.events.events[0].NodeID)
}

func TestPresence_OfflineForUnknownUserIsNoop(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	conn := in.ConnectionContext{ClientType: entity.ClientTypeWeb, NetID: 777}
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 5, conn, entity.UserStatusOffline))

	stats, err := f.uc.QueryUserStatus(ctx, 9, []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, entity.UserStatusOffline, stats[0].Status)
	assert.Zero(t, f.eventCount())
}

func TestPresence_KickOutSameClientType(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	// 同类型旧连接 101、异类型连接 102
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1,
		in.ConnectionContext{ClientType: entity.ClientTypeWindows, NetID: 101}, entity.UserStatusOnline))
	require.NoError(t, f.uc.ConnectionStatusChanged(ctx, 1,
		in.ConnectionContext{ClientType: entity.ClientTypeIOS, NetID: 102}, entity.UserStatusOnline))

	stats, err := f.uc.KickOutSameClientType(ctx, 1, entity.ClientTypeWindows, 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	// 只有同类型连接收到踢下线通知
	require.Len(t, f.fabric.submissions["node-a"], 1)
	task := f.fabric.submissions["node-a"][0]
	assert.Equal(t, uint64(101), task.ToNetID)
	assert.Equal(t, entity.ServiceIDLogin, task.Message.Header.ServiceID)
	assert.Equal(t, entity.CmdIDLoginKickUser, task.Message.Header.CommandID)

	var notify entity.KickUserNotify
	require.NoError(t, json.Unmarshal(task.Message.Payload, &notify))
	assert.Equal(t, uint64(1), notify.UserID)
	assert.Equal(t, entity.ClientTypeWindows, notify.ClientType)
}

func TestPresence_KickOutUnknownUser(t *testing.T) {
	f := newPresenceFixture(t)

	stats, err := f.uc.KickOutSameClientType(context.Background(), 99, entity.ClientTypeMac, 1)
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Zero(t, f.fabric.totalSubmissions())
}

func TestPresence_RegisterNodeDelegates(t *testing.T) {
	f := newPresenceFixture(t)

	info := entity.ServerNodeInfo{NodeID: "node-a", IP: "10.0.0.1", Port: 8900}
	require.NoError(t, f.uc.RegisterNode(context.Background(), info))

	require.Len(t, f.fabric.registered, 1)
	assert.Equal(t, info, f.fabric.registered[0])
}
