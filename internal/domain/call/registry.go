package call

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSelfBusy        = errors.New("caller is already in a call")
	ErrPeerBusy        = errors.New("peer is already in a call")
	ErrAlreadyAnswered = errors.New("call already answered on another client")
)

// Slot 占位信息：记录到达对端通话腿的网络路由ID
type Slot struct {
	PeerNetID uint64
	StartedAt time.Time
}

// Registry 通话占位注册表
// 每个用户有相互独立的主叫位与被叫位，任一占位即视为忙，
// 同一用户的并发信令请求靠注册表锁串行化，占位不会泄漏或重复释放
type Registry struct {
	mu sync.Mutex
	// userID -> 占位
	callers map[uint64]Slot
	called  map[uint64]Slot

	// 发起呼叫时检查被叫方的哪个占位
	// 历史行为检查的是被叫方的主叫位，是否应改查被叫位待产品确认
	calledSlotBusyCheck bool
}

// Option 注册表可选配置
type Option func(*Registry)

// WithCalledSlotBusyCheck 发起呼叫时改查被叫方的被叫位
func WithCalledSlotBusyCheck() Option {
	return func(r *Registry) {
		r.calledSlotBusyCheck = true
	}
}

// NewRegistry 创建通话占位注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		callers: make(map[uint64]Slot),
		called:  make(map[uint64]Slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initiate 发起呼叫：主叫方占用主叫位
func (r *Registry) Initiate(fromID, toID, netID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callers[fromID]; ok {
		return ErrSelfBusy
	}

	if r.calledSlotBusyCheck {
		if _, ok := r.called[toID]; ok {
			return ErrPeerBusy
		}
	} else {
		if _, ok := r.callers[toID]; ok {
			return ErrPeerBusy
		}
	}

	r.callers[fromID] = Slot{PeerNetID: netID, StartedAt: time.Now()}
	return nil
}

// Accept 应答呼叫：被叫方占用被叫位
// 被叫位已被占用说明该用户的其他端已经应答
func (r *Registry) Accept(fromID, toID, netID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.called[toID]; ok {
		return ErrAlreadyAnswered
	}

	r.called[toID] = Slot{PeerNetID: netID, StartedAt: time.Now()}
	return nil
}

// Caller 读取主叫位
func (r *Registry) Caller(userID uint64) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.callers[userID]
	return s, ok
}

// Called 读取被叫位
func (r *Registry) Called(userID uint64) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.called[userID]
	return s, ok
}

// Hangup 挂断：释放 fromID 的占位并返回对端的路由ID
// fromID 没有主叫位时按被叫侧处理：从 toID 的主叫位取路由ID、释放 fromID 的被叫位；
// 否则按主叫侧处理：从 toID 的被叫位取路由ID、释放 fromID 的主叫位。
// 对端占位不存在时仍然释放本方占位，返回 ok=false，调用方跳过通知
func (r *Registry) Hangup(fromID, toID uint64) (peerNetID uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, caller := r.callers[fromID]; !caller {
		peer, found := r.callers[toID]
		delete(r.called, fromID)
		return peer.PeerNetID, found
	}

	peer, found := r.called[toID]
	delete(r.callers, fromID)
	return peer.PeerNetID, found
}
