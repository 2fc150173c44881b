package application

import (
	"context"
	"sync"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
)

// fakeFabric 记录所有广播与任务提交，供断言用
type fakeFabric struct {
	mu          sync.Mutex
	nodeID      string
	published   []*entity.ClusterMessage
	submissions map[string][]*out.DeliveryTask // nodeID -> tasks
	registered  []entity.ServerNodeInfo
	submitErr   error
}

func newFakeFabric(nodeID string) *fakeFabric {
	return &fakeFabric{
		nodeID:      nodeID,
		submissions: make(map[string][]*out.DeliveryTask),
	}
}

func (f *fakeFabric) LocalNodeID() string { return f.nodeID }

func (f *fakeFabric) Publish(ctx context.Context, msg *entity.ClusterMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeFabric) SubmitToNode(ctx context.Context, nodeID string, task *out.DeliveryTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submissions[nodeID] = append(f.submissions[nodeID], task)
	return nil
}

func (f *fakeFabric) SubmitToNodes(ctx context.Context, nodeIDs []string, task *out.DeliveryTask) error {
	for _, nodeID := range nodeIDs {
		if err := f.SubmitToNode(ctx, nodeID, task); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeFabric) Members(ctx context.Context) ([]entity.ServerNodeInfo, error) {
	return nil, nil
}

func (f *fakeFabric) RegisterNode(ctx context.Context, info entity.ServerNodeInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, info)
	return nil
}

func (f *fakeFabric) Start(ctx context.Context, listener out.ClusterListener) error { return nil }

func (f *fakeFabric) Close() error { return nil }

func (f *fakeFabric) totalSubmissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tasks := range f.submissions {
		n += len(tasks)
	}
	return n
}

// fakeConnManager 记录本地投递
type fakeConnManager struct {
	mu     sync.Mutex
	local  map[uint64]uint64 // netID -> userID
	sent   map[uint64][][]byte
	kicked []uint64
}

func newFakeConnManager() *fakeConnManager {
	return &fakeConnManager{
		local: make(map[uint64]uint64),
		sent:  make(map[uint64][][]byte),
	}
}

func (m *fakeConnManager) addConn(netID, userID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[netID] = userID
}

func (m *fakeConnManager) Send(netID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.local[netID]; !ok {
		return nil
	}
	m.sent[netID] = append(m.sent[netID], data)
	return nil
}

func (m *fakeConnManager) SendToUser(userID uint64, data []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivered := 0
	for netID, uid := range m.local {
		if uid == userID {
			m.sent[netID] = append(m.sent[netID], data)
			delivered++
		}
	}
	return delivered
}

func (m *fakeConnManager) Has(netID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.local[netID]
	return ok
}

func (m *fakeConnManager) Kick(netID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked = append(m.kicked, netID)
	return nil
}

// fakeEvents 记录发布的上下线事件
type fakeEvents struct {
	mu     sync.Mutex
	events []*out.PresenceEvent
}

func (p *fakeEvents) PublishPresenceChange(ctx context.Context, event *out.PresenceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeEvents) Close() error { return nil }
