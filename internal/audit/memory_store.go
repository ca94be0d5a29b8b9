package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存审计记录，主要用于测试与单机模式。
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]struct{}
	artifacts []*Artifact
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]struct{})}
}

// InsertArtifact 实现 Store 接口。
func (m *MemoryStore) InsertArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; ok {
		return ErrDuplicate
	}
	clone := *a
	m.byID[a.ID] = struct{}{}
	m.artifacts = append(m.artifacts, &clone)
	return nil
}

// ListArtifacts 实现 Store 接口。
func (m *MemoryStore) ListArtifacts(_ context.Context, agentID string, limit int) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type indexed struct {
		seq int
		a   *Artifact
	}
	var matched []indexed
	for i, a := range m.artifacts {
		if a.AgentID == agentID {
			matched = append(matched, indexed{seq: i, a: a})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].a.Timestamp.Equal(matched[j].a.Timestamp) {
			return matched[i].a.Timestamp.After(matched[j].a.Timestamp)
		}
		return matched[i].seq > matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Artifact, 0, len(matched))
	for _, item := range matched {
		clone := *item.a
		out = append(out, &clone)
	}
	return out, nil
}
