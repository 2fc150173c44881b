package call

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiate_OccupiesCallerSlot(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Initiate(1, 2, 100))

	slot, ok := r.Caller(1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), slot.PeerNetID)

	_, ok = r.Called(1)
	assert.False(t, ok)
}

func TestInitiate_SelfBusy(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Initiate(1, 2, 100))
	err := r.Initiate(1, 3, 101)
	assert.ErrorIs(t, err, ErrSelfBusy)
}

// 历史行为：发起呼叫检查的是被叫方的主叫位
func TestInitiate_LegacyCallerSlotBusyRule(t *testing.T) {
	r := NewRegistry()

	// B 先作为主叫方呼叫了别人
	require.NoError(t, r.Initiate(2, 9, 200))

	err := r.Initiate(1, 2, 100)
	assert.ErrorIs(t, err, ErrPeerBusy)

	// B 只占了被叫位时，历史规则不拦截
	r2 := NewRegistry()
	require.NoError(t, r2.Accept(9, 2, 200))
	assert.NoError(t, r2.Initiate(1, 2, 100))
}

// 备选行为：发起呼叫检查被叫方的被叫位
func TestInitiate_CalledSlotBusyRule(t *testing.T) {
	r := NewRegistry(WithCalledSlotBusyCheck())

	require.NoError(t, r.Accept(9, 2, 200))

	err := r.Initiate(1, 2, 100)
	assert.ErrorIs(t, err, ErrPeerBusy)

	// 该规则下 B 占主叫位不拦截
	r2 := NewRegistry(WithCalledSlotBusyCheck())
	require.NoError(t, r2.Initiate(2, 9, 200))
	assert.NoError(t, r2.Initiate(1, 2, 100))
}

func TestAccept_AlreadyAnswered(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Accept(1, 2, 100))
	err := r.Accept(3, 2, 101)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestHangup_CallerSide(t *testing.T) {
	r := NewRegistry()

	// A 呼叫 B，B 应答
	require.NoError(t, r.Initiate(1, 2, 100))
	require.NoError(t, r.Accept(1, 2, 200))

	// A 挂断：从 B 的被叫位取路由ID，释放 A 的主叫位
	peerNetID, ok := r.Hangup(1, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(200), peerNetID)

	_, stillCaller := r.Caller(1)
	assert.False(t, stillCaller)
}

func TestHangup_CalleeSide(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Initiate(1, 2, 100))
	require.NoError(t, r.Accept(1, 2, 200))

	// B 挂断：从 A 的主叫位取路由ID，释放 B 的被叫位
	peerNetID, ok := r.Hangup(2, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), peerNetID)

	_, stillCalled := r.Called(2)
	assert.False(t, stillCalled)
}

func TestHangup_MissingPeerSlot(t *testing.T) {
	r := NewRegistry()

	// 对端占位不存在时仍然释放本方占位，不崩溃
	require.NoError(t, r.Accept(1, 2, 200))
	_, ok := r.Hangup(2, 1)
	assert.False(t, ok)

	_, stillCalled := r.Called(2)
	assert.False(t, stillCalled)
}

func TestHangup_DoubleHangupIsNoop(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Initiate(1, 2, 100))
	require.NoError(t, r.Accept(1, 2, 200))

	_, ok := r.Hangup(1, 2)
	require.True(t, ok)

	// 第二次挂断：A 已无主叫位，按被叫侧处理且对端也无占位
	_, ok = r.Hangup(1, 2)
	assert.False(t, ok)
}

// 并发信令下占位不泄漏：同一用户并发发起，只有一个成功
func TestInitiate_ConcurrentSameCaller(t *testing.T) {
	r := NewRegistry()

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Initiate(1, uint64(i+2), uint64(1000+i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrSelfBusy)
		}
	}
	assert.Equal(t, 1, succeeded)
}
