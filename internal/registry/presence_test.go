package registry

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
)

func TestPresence_UpsertAndGet(t *testing.T) {
	r := NewPresenceRegistry()

	assert.Nil(t, r.Get(1))

	r.UpsertOnConnect(1, entity.ClientTypeIOS, 100)

	info := r.Get(1)
	require.NotNil(t, info)
	assert.Equal(t, entity.UserStatusOnline, info.Status())
	assert.True(t, info.FindRouteConn(100))
	_, hasIOS := info.ClientTypes()[entity.ClientTypeIOS]
	assert.True(t, hasIOS)
}

func TestPresence_ReconnectSameHandleRefreshesClientType(t *testing.T) {
	r := NewPresenceRegistry()

	r.UpsertOnConnect(1, entity.ClientTypeIOS, 100)
	r.UpsertOnConnect(1, entity.ClientTypeAndroid, 100)

	info := r.Get(1)
	require.NotNil(t, info)
	assert.Len(t, info.RouteConns, 1)
	assert.Equal(t, entity.ClientTypeAndroid, info.RouteConns[100])
}

func TestPresence_RemoveEvictsWhenEmpty(t *testing.T) {
	r := NewPresenceRegistry()

	r.UpsertOnConnect(1, entity.ClientTypeIOS, 100)
	r.UpsertOnConnect(1, entity.ClientTypeWindows, 101)

	removed := r.RemoveOnDisconnect(1, entity.ClientTypeIOS, 100)
	assert.True(t, removed)
	info := r.Get(1)
	require.NotNil(t, info)
	assert.Equal(t, entity.UserStatusOnline, info.Status())

	removed = r.RemoveOnDisconnect(1, entity.ClientTypeWindows, 101)
	assert.True(t, removed)
	assert.Nil(t, r.Get(1))
}

func TestPresence_OfflineForUntrackedHandleIsNoop(t *testing.T) {
	r := NewPresenceRegistry()

	// 从未登记过的句柄
	assert.False(t, r.RemoveOnDisconnect(1, entity.ClientTypeIOS, 999))

	// 已摘除的句柄再摘一次
	r.UpsertOnConnect(1, entity.ClientTypeIOS, 100)
	require.True(t, r.RemoveOnDisconnect(1, entity.ClientTypeIOS, 100))
	assert.False(t, r.RemoveOnDisconnect(1, entity.ClientTypeIOS, 100))
}

// 回放性质：任意上下线序列结束后，连接集合等于"上线晚于下线"的句柄集合，
// 同一用户的并发事件交错不会丢失摘除、不会重复添加
func TestPresence_ConcurrentReplaySingleUser(t *testing.T) {
	r := NewPresenceRegistry()

	const handles = 16
	const rounds = 200

	var wg sync.WaitGroup
	for h := 0; h < handles; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			netID := uint64(1000 + h)
			rng := rand.New(rand.NewSource(int64(h)))
			for i := 0; i < rounds; i++ {
				if rng.Intn(2) == 0 {
					r.UpsertOnConnect(1, entity.ClientTypeWeb, netID)
				} else {
					r.RemoveOnDisconnect(1, entity.ClientTypeWeb, netID)
				}
			}
			// 收尾：偶数句柄保持在线，奇数句柄下线
			if h%2 == 0 {
				r.UpsertOnConnect(1, entity.ClientTypeWeb, netID)
			} else {
				r.RemoveOnDisconnect(1, entity.ClientTypeWeb, netID)
			}
		}(h)
	}
	wg.Wait()

	info := r.Get(1)
	require.NotNil(t, info)
	assert.Len(t, info.RouteConns, handles/2)
	for h := 0; h < handles; h += 2 {
		assert.True(t, info.FindRouteConn(uint64(1000+h)))
	}
}

func TestPresence_PurgeHandles(t *testing.T) {
	r := NewPresenceRegistry()

	r.UpsertOnConnect(1, entity.ClientTypeIOS, 100)
	r.UpsertOnConnect(1, entity.ClientTypeWeb, 101)
	r.UpsertOnConnect(2, entity.ClientTypeIOS, 200)
	r.UpsertOnConnect(3, entity.ClientTypeMac, 300)

	affected := r.PurgeHandles([]uint64{100, 200})
	assert.ElementsMatch(t, []uint64{1, 2}, affected)

	// 用户1还剩一条连接，用户2被整体淘汰
	info := r.Get(1)
	require.NotNil(t, info)
	assert.False(t, info.FindRouteConn(100))
	assert.True(t, info.FindRouteConn(101))
	assert.Nil(t, r.Get(2))
	require.NotNil(t, r.Get(3))
}
