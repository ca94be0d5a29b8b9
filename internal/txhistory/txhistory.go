// Package txhistory 记录每一次执行尝试的结果，包括被拒绝的尝试。
package txhistory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status 是执行尝试的最终结论。
type Status string

const (
	StatusConfirmed          Status = "confirmed"
	StatusFailed             Status = "failed"
	StatusRejectedPolicy     Status = "rejected_policy"
	StatusRejectedSimulation Status = "rejected_simulation"
	StatusAwaitingApproval   Status = "awaiting_approval"
)

// Rejected 判断是否为策略或模拟拒绝。
func (s Status) Rejected() bool {
	return strings.HasPrefix(string(s), "rejected")
}

// Record 是一条交易历史。
type Record struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	IntentType string    `json:"intentType"`
	Reasoning  string    `json:"reasoning"`
	Signature  string    `json:"signature,omitempty"`
	Slot       *uint64   `json:"slot,omitempty"`
	AmountSOL  float64   `json:"amountSOL"`
	USDValue   *float64  `json:"usdValue,omitempty"`
	Mint       string    `json:"mint"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store 抽象了交易历史的持久化。
type Store interface {
	InsertTransaction(ctx context.Context, r *Record) error
	// ListTransactions 按创建时间倒序返回，limit<=0 表示不限。
	ListTransactions(ctx context.Context, agentID string, limit int) ([]*Record, error)
}

// MemoryStore 以内存方式保存交易历史。
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertTransaction 实现 Store 接口。
func (m *MemoryStore) InsertTransaction(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.records = append(m.records, &clone)
	return nil
}

// ListTransactions 实现 Store 接口。
func (m *MemoryStore) ListTransactions(_ context.Context, agentID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0)
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].AgentID == agentID {
			clone := *m.records[i]
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
