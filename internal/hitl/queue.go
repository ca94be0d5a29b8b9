package hitl

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/notify"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// StoreParams 是入队所需的信息。
type StoreParams struct {
	AgentID    string
	Intent     intent.Envelope
	IntentHash string
	PolicyHash string
	Reasoning  string
	USDValue   float64
	Simulation *simulation.Report
	WebhookURL string
}

// Queue 管理待审批记录的生命周期。
type Queue struct {
	store    Store
	clock    clock.Clock
	ttl      time.Duration
	notifier notify.Notifier
	trail    *audit.Trail
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Queue)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithTTL 覆盖默认的 24 小时存活时间。
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithNotifier 设置 pending_approval 事件的投递器。
func WithNotifier(n notify.Notifier) Option {
	return func(q *Queue) {
		q.notifier = n
	}
}

// WithAuditTrail 设置批准或拒绝时写入第二条审计记录的审计链。
func WithAuditTrail(t *audit.Trail) Option {
	return func(q *Queue) {
		q.trail = t
	}
}

// NewQueue 创建审批队列。
func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		clock: clock.Real(),
		ttl:   DefaultTTL,
		log:   logger.Named("hitl"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Store 创建待审批记录并尽力发送 pending_approval 通知。
func (q *Queue) Store(ctx context.Context, params StoreParams) (*Pending, error) {
	if params.AgentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pending transaction requires an agent id")
	}
	now := q.clock.Now().UTC()
	p := &Pending{
		ID:         uuid.NewString(),
		AgentID:    params.AgentID,
		Intent:     params.Intent,
		IntentHash: params.IntentHash,
		PolicyHash: params.PolicyHash,
		Reasoning:  params.Reasoning,
		USDValue:   params.USDValue,
		Simulation: params.Simulation,
		Status:     StatusAwaiting,
		ExpiresAt:  now.Add(q.ttl),
		CreatedAt:  now,
	}
	if err := q.store.InsertPending(ctx, p); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "store pending transaction")
	}
	q.log.Info("pending transaction stored",
		slog.String("pending_id", p.ID),
		slog.String("agent_id", p.AgentID),
		slog.String("intent_type", p.Intent.Type),
		slog.Time("expires_at", p.ExpiresAt))

	if params.WebhookURL != "" {
		q.Announce(ctx, p, params.WebhookURL)
	}
	return p, nil
}

// Announce 向 url 发送 pending_approval 通知。
func (q *Queue) Announce(ctx context.Context, p *Pending, url string) {
	if q.notifier == nil || p == nil || url == "" {
		return
	}
	q.notifier.Notify(ctx, url, notify.Event{
		Event:      notify.EventPendingApproval,
		AgentID:    p.AgentID,
		OccurredAt: p.CreatedAt,
		Data: map[string]any{
			"pendingId":  p.ID,
			"intent":     p.Intent,
			"intentHash": p.IntentHash,
			"usdValue":   p.USDValue,
			"expiresAt":  p.ExpiresAt,
		},
	})
}

// Approve 批准记录。审批本身不会触发提交，由运营人员另行处理。
func (q *Queue) Approve(ctx context.Context, id, agentID string) (*Pending, error) {
	return q.resolve(ctx, id, agentID, StatusApproved)
}

// Reject 拒绝记录。
func (q *Queue) Reject(ctx context.Context, id, agentID string) (*Pending, error) {
	return q.resolve(ctx, id, agentID, StatusRejected)
}

func (q *Queue) resolve(ctx context.Context, id, agentID string, to Status) (*Pending, error) {
	p, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.AgentID != agentID {
		return nil, xerrors.New(xerrors.CodeForbidden, "pending transaction belongs to another agent")
	}
	if p.Status != StatusAwaiting {
		return nil, xerrors.Newf(xerrors.CodeConflict, "pending transaction %s is already %s", id, p.Status)
	}

	now := q.clock.Now()
	if p.Stale(now) {
		if _, err := q.store.TransitionPending(ctx, id, StatusAwaiting, StatusExpired); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire pending transaction")
		}
		q.log.Info("pending transaction expired on access",
			slog.String("pending_id", id),
			slog.String("agent_id", agentID))
		return nil, xerrors.Newf(xerrors.CodeExpired, "pending transaction %s expired at %s", id, p.ExpiresAt.Format(time.RFC3339))
	}

	ok, err := q.store.TransitionPending(ctx, id, StatusAwaiting, to)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update pending transaction")
	}
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeConflict, "pending transaction %s is no longer awaiting approval", id)
	}
	p.Status = to
	q.log.Info("pending transaction resolved",
		slog.String("pending_id", id),
		slog.String("agent_id", agentID),
		slog.String("status", string(to)))

	q.writeResolution(ctx, p)
	return p, nil
}

func (q *Queue) writeResolution(ctx context.Context, p *Pending) {
	if q.trail == nil {
		return
	}
	state := audit.ApprovalApproved
	if p.Status == StatusRejected {
		state = audit.ApprovalRejected
	}
	err := q.trail.Write(ctx, &audit.Artifact{
		AgentID:       p.AgentID,
		Intent:        p.Intent,
		IntentHash:    p.IntentHash,
		PolicyHash:    p.PolicyHash,
		Simulation:    p.Simulation,
		ApprovalState: state,
		PendingID:     p.ID,
	})
	if err != nil {
		q.log.Error("write resolution audit artifact failed",
			slog.Any("error", err),
			slog.String("pending_id", p.ID),
			slog.String("agent_id", p.AgentID))
	}
}

// Get 返回单条记录。
func (q *Queue) Get(ctx context.Context, id string) (*Pending, error) {
	p, err := q.store.GetPending(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			return nil, xerrors.Newf(xerrors.CodeNotFound, "pending transaction %s not found", id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load pending transaction")
	}
	return p, nil
}

// List 返回智能体的待审批记录，status 为空时返回全部。
func (q *Queue) List(ctx context.Context, agentID string, status Status) ([]*Pending, error) {
	if status != "" && !status.Valid() {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown pending status %q", status))
	}
	list, err := q.store.ListPending(ctx, agentID, status)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list pending transactions")
	}
	if list == nil {
		list = []*Pending{}
	}
	return list, nil
}

// ExpireStale 将所有已过期的等待记录标记为 expired，重复调用是幂等的。
func (q *Queue) ExpireStale(ctx context.Context) (int64, error) {
	n, err := q.store.ExpirePending(ctx, q.clock.Now())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire stale pending transactions")
	}
	return n, nil
}
