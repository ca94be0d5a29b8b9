// Package audit 保存每一次执行尝试的不可变决策记录。
package audit

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

const (
	// DefaultReadLimit 是 Read 未指定条数时的默认值。
	DefaultReadLimit = 50
	// ExportLimit 是一次导出的最大条数。
	ExportLimit = 10000
)

// ApprovalState 描述产出记录时的审批结论。
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalPending  ApprovalState = "pending"
)

// Valid 判断审批状态是否合法。
func (s ApprovalState) Valid() bool {
	switch s {
	case ApprovalAuto, ApprovalApproved, ApprovalRejected, ApprovalPending:
		return true
	}
	return false
}

// ErrDuplicate 由存储在记录 ID 已存在时返回。
var ErrDuplicate = stdErrors.New("audit artifact already exists")

// USDRiskCheck 记录 USD 策略检查的输入与结论。
type USDRiskCheck struct {
	USDValue     float64  `json:"usdValue"`
	PortfolioUSD float64  `json:"portfolioUSD"`
	Passed       bool     `json:"passed"`
	Violations   []string `json:"violations"`
}

// Artifact 是一条审计记录，写入后不再修改。
type Artifact struct {
	ID               string             `json:"id"`
	AgentID          string             `json:"agentId"`
	Intent           intent.Envelope    `json:"intent"`
	IntentHash       string             `json:"intentHash"`
	PolicyHash       string             `json:"policyHash"`
	USDRiskCheck     *USDRiskCheck      `json:"usdRiskCheck"`
	Simulation       *simulation.Report `json:"simulationResult"`
	ApprovalState    ApprovalState      `json:"approvalState"`
	FinalTxSignature string             `json:"finalTxSignature,omitempty"`
	PendingID        string             `json:"pendingId,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}

// Store 是审计记录的持久化接口，只提供插入与查询。
type Store interface {
	InsertArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, agentID string, limit int) ([]*Artifact, error)
}

// Trail 负责写入与读取审计记录。
type Trail struct {
	store Store
	clock clock.Clock
}

// NewTrail 创建审计链。
func NewTrail(store Store, c clock.Clock) *Trail {
	return &Trail{store: store, clock: clock.OrReal(c)}
}

// Write 补全 ID 与时间戳后插入记录；重复 ID 返回 CONFLICT。
func (t *Trail) Write(ctx context.Context, a *Artifact) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "audit artifact is required")
	}
	if a.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "audit artifact requires an agent id")
	}
	if !a.ApprovalState.Valid() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "invalid approval state %q", a.ApprovalState)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = t.clock.Now().UTC()
	}
	if err := t.store.InsertArtifact(ctx, a); err != nil {
		if stdErrors.Is(err, ErrDuplicate) {
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("audit artifact %s already written", a.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write audit artifact")
	}
	attrs := []any{
		slog.String("artifact_id", a.ID),
		slog.String("agent_id", a.AgentID),
		slog.String("intent_type", a.Intent.Type),
		slog.String("intent_hash", a.IntentHash),
		slog.String("policy_hash", a.PolicyHash),
		slog.String("approval_state", string(a.ApprovalState)),
	}
	if a.FinalTxSignature != "" {
		attrs = append(attrs, slog.String("signature", a.FinalTxSignature))
	}
	if a.PendingID != "" {
		attrs = append(attrs, slog.String("pending_id", a.PendingID))
	}
	logger.Audit().Info("audit artifact written", attrs...)
	return nil
}

// Read 按时间倒序返回最近的记录。
func (t *Trail) Read(ctx context.Context, agentID string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > ExportLimit {
		limit = ExportLimit
	}
	list, err := t.store.ListArtifacts(ctx, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read audit trail")
	}
	if list == nil {
		list = []*Artifact{}
	}
	return list, nil
}

// Export 以缩进 JSON 导出完整历史，供离线合规审查。
func (t *Trail) Export(ctx context.Context, agentID string) ([]byte, error) {
	list, err := t.Read(ctx, agentID, ExportLimit)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "encode audit export")
	}
	return out, nil
}
