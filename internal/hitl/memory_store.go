package hitl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存待审批记录。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Pending
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Pending)}
}

// InsertPending 实现 Store 接口。
func (m *MemoryStore) InsertPending(_ context.Context, p *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.records[p.ID] = &clone
	return nil
}

// GetPending 实现 Store 接口。
func (m *MemoryStore) GetPending(_ context.Context, id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

// ListPending 实现 Store 接口。
func (m *MemoryStore) ListPending(_ context.Context, agentID string, status Status) ([]*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0)
	for _, p := range m.records {
		if p.AgentID != agentID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionPending 实现 Store 接口。
func (m *MemoryStore) TransitionPending(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

// ExpirePending 实现 Store 接口。
func (m *MemoryStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.records {
		if p.Status == StatusAwaiting && p.Stale(now) {
			p.Status = StatusExpired
			n++
		}
	}
	return n, nil
}
