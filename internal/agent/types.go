package agent

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/policy"
)

const (
	// DefaultReputation 是新智能体的初始信誉分。
	DefaultReputation = 5.0
	// MinReputation 与 MaxReputation 界定信誉分范围。
	MinReputation = 0.0
	MaxReputation = 10.0
	// DefaultMinOperationalUSD 是未配置时的最低运营余额。
	DefaultMinOperationalUSD = 5.0
)

// Status 是智能体的生命周期状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusSuspended Status = "suspended"
)

// Valid 判断状态是否合法。
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusPaused || s == StatusSuspended
}

// ExecutionMode 决定通过检查的意图是直接提交还是进入人工审批。
type ExecutionMode string

const (
	ModeAutonomous ExecutionMode = "autonomous"
	ModeSupervised ExecutionMode = "supervised"
)

// Valid 判断执行模式是否合法。
func (m ExecutionMode) Valid() bool {
	return m == ModeAutonomous || m == ModeSupervised
}

// ErrNotFound 由存储在智能体不存在时返回。
var ErrNotFound = stdErrors.New("agent not found")

// Agent 是一个托管钱包的智能体。
type Agent struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	PublicKey         string            `json:"publicKey"`
	EncryptedKey      string            `json:"-"`
	APIKeyHash        string            `json:"-"`
	Policy            policy.Policy     `json:"policy"`
	USDPolicy         *policy.USDPolicy `json:"usdPolicy,omitempty"`
	Status            Status            `json:"status"`
	ExecutionMode     ExecutionMode     `json:"executionMode"`
	Reputation        float64           `json:"reputationScore"`
	LastActivityAt    *time.Time        `json:"lastActivityAt,omitempty"`
	WebhookURL        string            `json:"webhookUrl,omitempty"`
	MinOperationalUSD *float64          `json:"minOperationalUSD,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// OperationalFloorUSD 返回低余额告警阈值。
func (a *Agent) OperationalFloorUSD() float64 {
	if a.MinOperationalUSD != nil {
		return *a.MinOperationalUSD
	}
	return DefaultMinOperationalUSD
}

// PolicyVersion 是策略历史中的一个版本，写入后不再修改。
type PolicyVersion struct {
	AgentID   string        `json:"agentId"`
	Version   int           `json:"version"`
	Hash      string        `json:"hash"`
	Policy    policy.Policy `json:"policy"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Store 抽象了智能体的持久化。
type Store interface {
	// CreateAgent 原子地写入智能体与第一个策略版本。
	CreateAgent(ctx context.Context, a *Agent, first PolicyVersion) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
	UpdateExecutionMode(ctx context.Context, id string, mode ExecutionMode, at time.Time) error
	// UpdatePolicy 更新生效策略；version 非空时同时追加一个版本。
	UpdatePolicy(ctx context.Context, id string, p policy.Policy, version *PolicyVersion, at time.Time) error
	UpdateUSDPolicy(ctx context.Context, id string, p *policy.USDPolicy, at time.Time) error
	// AdjustReputation 原子地加上 delta 并截断到 [lo, hi]，返回新值。
	AdjustReputation(ctx context.Context, id string, delta, lo, hi float64) (float64, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	// ListPolicyVersions 按版本号升序返回。
	ListPolicyVersions(ctx context.Context, id string) ([]PolicyVersion, error)
}
