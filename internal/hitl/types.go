package hitl

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
)

// DefaultTTL 是待审批记录的存活时间。
const DefaultTTL = 24 * time.Hour

// Status 表示待审批记录的状态。
type Status string

const (
	StatusAwaiting Status = "awaiting_approval"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Valid 判断状态是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusAwaiting, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// ErrNotFound 由存储在记录不存在时返回。
var ErrNotFound = stdErrors.New("pending transaction not found")

// Pending 是一条等待人工审批的交易。
type Pending struct {
	ID         string             `json:"id"`
	AgentID    string             `json:"agentId"`
	Intent     intent.Envelope    `json:"intent"`
	IntentHash string             `json:"intentHash"`
	PolicyHash string             `json:"policyHash"`
	Reasoning  string             `json:"reasoning"`
	USDValue   float64            `json:"usdValue"`
	Simulation *simulation.Report `json:"simulation"`
	Status     Status             `json:"status"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Stale 判断记录在 now 时刻是否已过期。
func (p *Pending) Stale(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Store 抽象了待审批记录的持久化。
type Store interface {
	InsertPending(ctx context.Context, p *Pending) error
	GetPending(ctx context.Context, id string) (*Pending, error)
	// ListPending 按创建时间倒序返回记录，status 为空时不过滤。
	ListPending(ctx context.Context, agentID string, status Status) ([]*Pending, error)
	// TransitionPending 仅当当前状态为 from 时改为 to，返回是否生效。
	TransitionPending(ctx context.Context, id string, from, to Status) (bool, error)
	// ExpirePending 将 now 之前到期且仍在等待的记录标记为 expired。
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}
