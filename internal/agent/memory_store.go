package agent

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/policy"
)

// MemoryStore 以内存方式保存智能体，主要用于测试与单机模式。
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	versions map[string][]PolicyVersion
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		versions: make(map[string][]PolicyVersion),
	}
}

func cloneAgent(a *Agent) *Agent {
	out := *a
	out.Policy = a.Policy.Clone()
	if a.USDPolicy != nil {
		p := *a.USDPolicy
		out.USDPolicy = &p
	}
	if a.LastActivityAt != nil {
		t := *a.LastActivityAt
		out.LastActivityAt = &t
	}
	if a.MinOperationalUSD != nil {
		v := *a.MinOperationalUSD
		out.MinOperationalUSD = &v
	}
	return &out
}

// CreateAgent 实现 Store 接口。
func (m *MemoryStore) CreateAgent(_ context.Context, a *Agent, first PolicyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = cloneAgent(a)
	first.Policy = first.Policy.Clone()
	m.versions[a.ID] = []PolicyVersion{first}
	return nil
}

// GetAgent 实现 Store 接口。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// ListAgents 实现 Store 接口。
func (m *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) mutate(id string, at time.Time, fn func(a *Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	a.UpdatedAt = at
	return nil
}

// UpdateStatus 实现 Store 接口。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, at time.Time) error {
	return m.mutate(id, at, func(a *Agent) { a.Status = status })
}

// UpdateExecutionMode 实现 Store 接口。
func (m *MemoryStore) UpdateExecutionMode(_ context.Context, id string, mode ExecutionMode, at time.Time) error {
	return m.mutate(id, at, func(a *Agent) { a.ExecutionMode = mode })
}

// UpdatePolicy 实现 Store 接口。
func (m *MemoryStore) UpdatePolicy(_ context.Context, id string, p policy.Policy, version *PolicyVersion, at time.Time) error {
	return m.mutate(id, at, func(a *Agent) {
		a.Policy = p.Clone()
		if version != nil {
			v := *version
			v.Policy = v.Policy.Clone()
			m.versions[id] = append(m.versions[id], v)
		}
	})
}

// UpdateUSDPolicy 实现 Store 接口。
func (m *MemoryStore) UpdateUSDPolicy(_ context.Context, id string, p *policy.USDPolicy, at time.Time) error {
	return m.mutate(id, at, func(a *Agent) {
		if p == nil {
			a.USDPolicy = nil
			return
		}
		clone := *p
		a.USDPolicy = &clone
	})
}

// AdjustReputation 实现 Store 接口。
func (m *MemoryStore) AdjustReputation(_ context.Context, id string, delta, lo, hi float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.Reputation = math.Min(hi, math.Max(lo, a.Reputation+delta))
	return a.Reputation, nil
}

// TouchActivity 实现 Store 接口。
func (m *MemoryStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	return m.mutate(id, at, func(a *Agent) {
		t := at
		a.LastActivityAt = &t
	})
}

// ListPolicyVersions 实现 Store 接口。
func (m *MemoryStore) ListPolicyVersions(_ context.Context, id string) ([]PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.versions[id]
	out := make([]PolicyVersion, len(versions))
	copy(out, versions)
	return out, nil
}
