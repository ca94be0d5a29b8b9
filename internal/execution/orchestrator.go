package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
	"github.com/Coding-With-Josh/aegis/internal/notify"
	"github.com/Coding-With-Josh/aegis/internal/observability/metrics"
	"github.com/Coding-With-Josh/aegis/internal/oracle"
	"github.com/Coding-With-Josh/aegis/internal/policy"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/internal/spend"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// 执行结果对信誉分的影响。
const (
	PolicyRejectionDelta     = -0.5
	SimulationRejectionDelta = -0.2
	SuccessDelta             = 0.1
)

// DefaultSubmitTimeout 是提交交易的默认超时。
const DefaultSubmitTimeout = 60 * time.Second

const tracerName = "github.com/Coding-With-Josh/aegis/internal/execution"

// Request 是一次执行请求。
type Request struct {
	Intent    intent.Envelope `json:"intent"`
	Reasoning string          `json:"reasoning"`
}

// Receipt 是提交成功后的执行回执。
type Receipt struct {
	Signature    string                      `json:"signature"`
	Slot         uint64                      `json:"slot"`
	GasUsed      uint64                      `json:"gasUsed"`
	TokenChanges []simulation.TokenChange    `json:"tokenChanges"`
	PostBalances []simulation.AccountBalance `json:"postBalances"`
}

// Outcome 描述一次执行尝试的结论。被拒绝或提交失败时仍会返回 Outcome，同时返回带类型的错误。
type Outcome struct {
	Status        txhistory.Status   `json:"status"`
	TransactionID string             `json:"transactionId"`
	IntentHash    string             `json:"intentHash"`
	PolicyHash    string             `json:"policyHash"`
	USDValue      float64            `json:"usdValue"`
	Receipt       *Receipt           `json:"receipt,omitempty"`
	PendingID     string             `json:"pendingId,omitempty"`
	ExpiresAt     *time.Time         `json:"expiresAt,omitempty"`
	Violations    []policy.Violation `json:"violations,omitempty"`
	Simulation    *simulation.Report `json:"simulation,omitempty"`
}

// Dependencies 是编排器的协作者，Notifier 与 Alerter 可以为空。
type Dependencies struct {
	Agents       *agent.Service
	Intents      *intent.Registry
	Spend        *spend.Tracker
	Oracle       *oracle.Aggregator
	Ledger       ledger.Adapter
	Simulator    *simulation.Analyzer
	Approvals    *hitl.Queue
	Audit        *audit.Trail
	Transactions txhistory.Store
	Notifier     notify.Notifier
	Alerter      notify.Alerter
}

func (d Dependencies) validate() error {
	missing := ""
	switch {
	case d.Agents == nil:
		missing = "agents"
	case d.Intents == nil:
		missing = "intents"
	case d.Spend == nil:
		missing = "spend"
	case d.Oracle == nil:
		missing = "oracle"
	case d.Ledger == nil:
		missing = "ledger"
	case d.Simulator == nil:
		missing = "simulator"
	case d.Approvals == nil:
		missing = "approvals"
	case d.Audit == nil:
		missing = "audit"
	case d.Transactions == nil:
		missing = "transactions"
	}
	if missing != "" {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "execution orchestrator requires %s", missing)
	}
	return nil
}

// Orchestrator 串联执行流水线，同一智能体的请求串行处理。
type Orchestrator struct {
	deps          Dependencies
	clock         clock.Clock
	submitTimeout time.Duration
	locks         *keyedMutex
	tracer        trace.Tracer
	log           *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSubmitTimeout 设置提交超时。
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.submitTimeout = d
		}
	}
}

// WithTracer 替换默认的 otel tracer。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// New 创建编排器。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		deps:          deps,
		clock:         clock.Real(),
		submitTimeout: DefaultSubmitTimeout,
		locks:         newKeyedMutex(),
		tracer:        otel.Tracer(tracerName),
		log:           logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// attempt 收集一次尝试在各阶段产生的数据。
type attempt struct {
	agent      *agent.Agent
	req        Request
	params     intent.Params
	impact     intent.Impact
	intentHash string
	policyHash string
	usdValue   float64
	valued     bool
	portfolio  float64
	usdCheck   *audit.USDRiskCheck
	report     *simulation.Report
	// signature 是已签名交易的首个签名，提交前为空。
	signature string
	deferred  []func(ctx context.Context)
}

// Execute 执行一次意图请求。
func (o *Orchestrator) Execute(ctx context.Context, agentID string, req Request) (outcome *Outcome, err error) {
	ctx, span := o.tracer.Start(ctx, "execution.Execute", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("intent.type", req.Intent.Type),
	))
	defer func() {
		result := "error"
		if outcome != nil {
			result = string(outcome.Status)
			span.SetAttributes(attribute.String("execution.status", result))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		}
		metrics.ObserveExecution(req.Intent.Type, result)
		span.End()
	}()

	a, err := o.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != agent.StatusActive {
		return nil, xerrors.Newf(xerrors.CodeForbidden, "agent %s is %s", a.ID, a.Status)
	}

	handler, err := o.deps.Intents.Resolve(req.Intent.Type)
	if err != nil {
		return nil, err
	}
	params, err := handler.Validate(req.Intent.Params)
	if err != nil {
		return nil, err
	}
	impact := handler.EstimateImpact(params)

	intentHash, err := policy.HashIntent(req.Intent.Type, req.Intent.Params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "hash intent")
	}

	at := &attempt{
		req:        req,
		params:     params,
		impact:     impact,
		intentHash: intentHash,
	}
	unlock := o.locks.Lock(a.ID)
	outcome, err = o.locked(ctx, agentID, handler, at)
	unlock()
	o.flush(ctx, at)
	return outcome, err
}

// locked 在持有智能体锁时运行，重新读取智能体后进入决策流程。
func (o *Orchestrator) locked(ctx context.Context, agentID string, handler intent.Handler, at *attempt) (*Outcome, error) {
	// 等锁期间可能有其他请求更新了冷却时间与策略，重新读取。
	a, err := o.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != agent.StatusActive {
		return nil, xerrors.Newf(xerrors.CodeForbidden, "agent %s is %s", a.ID, a.Status)
	}
	policyHash, err := policy.HashPolicy(a.Policy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash policy")
	}
	at.agent = a
	at.policyHash = policyHash
	return o.run(ctx, handler, at)
}

// flush 在释放锁之后发送本次尝试积累的通知。
func (o *Orchestrator) flush(ctx context.Context, at *attempt) {
	if len(at.deferred) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, fn := range at.deferred {
		fn(ctx)
	}
}

// later 登记一个在释放锁后执行的动作。
func (at *attempt) later(fn func(ctx context.Context)) {
	at.deferred = append(at.deferred, fn)
}

// run 执行决策流程。读取阶段使用调用方上下文；一旦开始产生结论，
// 所有写入都改用不可取消的上下文，避免客户端断开后丢失记账与审计。
func (o *Orchestrator) run(ctx context.Context, handler intent.Handler, at *attempt) (*Outcome, error) {
	a := at.agent
	today, err := o.deps.Spend.DailySpend(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	persist := context.WithoutCancel(ctx)

	if err := o.checkPolicy(at, today); err != nil {
		return o.rejectPolicy(persist, at, err)
	}

	o.valuate(ctx, at)

	if a.USDPolicy != nil {
		if err := o.checkUSDPolicy(at, today); err != nil {
			return o.rejectPolicy(persist, at, err)
		}
	}

	o.watchBalance(persist, at)

	agentKey, err := solana.ParsePublicKey(a.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, fmt.Sprintf("agent %s has an invalid public key", a.ID))
	}

	buildCtx, buildSpan := o.tracer.Start(ctx, "execution.Build")
	built, err := handler.Build(buildCtx, intent.BuildRequest{Agent: agentKey, Ledger: o.deps.Ledger}, at.params)
	buildSpan.End()
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeBuildFailed, err, "build transaction")
		}
		return o.fail(persist, at, err)
	}

	if a.Policy.RequireSimulation {
		at.report = o.simulate(ctx, built, agentKey, at)
		if err := ctx.Err(); err != nil {
			return o.fail(persist, at, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "request cancelled during simulation"))
		}
		if at.report.Rejected() {
			return o.rejectSimulation(persist, at)
		}
	}

	if a.ExecutionMode == agent.ModeSupervised {
		return o.enqueue(persist, at)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(persist, at, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "request cancelled before submit"))
	}
	return o.submit(persist, built, at)
}

func (o *Orchestrator) checkPolicy(at *attempt, today spend.Record) error {
	engine := policy.NewEngine(at.agent.ID, at.agent.Policy, today, o.clock.Now())
	violations := []*policy.Violation{
		engine.CheckIntentType(at.req.Intent.Type),
		engine.CheckMint(at.impact.Mint),
		engine.CheckTxAmount(at.impact.AmountSOL),
		engine.CheckDailySpend(at.impact.AmountSOL),
	}
	if s, ok := at.params.(intent.SlippageAware); ok {
		violations = append(violations, engine.CheckSlippage(s.SlippageBps()))
	}
	violations = append(violations,
		engine.CheckCooldown(at.agent.LastActivityAt),
		engine.CheckRiskScore(at.impact.RiskScore),
	)
	return engine.Enforce(violations...)
}

// valuate 计算本次意图的美元价值与当前组合价值。价格源全部失败时按 0 计价。
func (o *Orchestrator) valuate(ctx context.Context, at *attempt) {
	ctx, span := o.tracer.Start(ctx, "execution.Oracle")
	defer span.End()
	started := time.Now()
	defer func() { metrics.ObserveStage("oracle", time.Since(started)) }()

	if n, ok := at.params.(intent.Notional); ok {
		amount, asset := n.NotionalAmount()
		at.usdValue = o.deps.Oracle.ToUSD(ctx, amount, asset)
	} else {
		at.usdValue = o.deps.Oracle.ToUSD(ctx, at.impact.AmountSOL, intent.NativeMint)
	}
	at.portfolio = o.deps.Oracle.PortfolioUSD(ctx, o.deps.Ledger, at.agent.PublicKey)
	at.valued = true
	span.SetAttributes(
		attribute.Float64("usd.value", at.usdValue),
		attribute.Float64("usd.portfolio", at.portfolio),
	)
}

func (o *Orchestrator) checkUSDPolicy(at *attempt, today spend.Record) error {
	engine := policy.NewUSDEngine(at.agent.ID, *at.agent.USDPolicy, today)
	err := engine.Enforce(
		engine.CheckTxUSD(at.usdValue),
		engine.CheckDailyUSD(at.usdValue),
		engine.CheckPortfolioExposure(at.usdValue, at.portfolio),
		engine.CheckDrawdown(at.portfolio, today.PeakPortfolioUSD),
	)
	check := &audit.USDRiskCheck{
		USDValue:     at.usdValue,
		PortfolioUSD: at.portfolio,
		Passed:       err == nil,
		Violations:   []string{},
	}
	for _, v := range policy.ViolationsOf(err) {
		check.Violations = append(check.Violations, v.Message)
	}
	at.usdCheck = check
	return err
}

// watchBalance 在组合价值低于运营底线时发出低余额通知，并推高当日峰值。
func (o *Orchestrator) watchBalance(ctx context.Context, at *attempt) {
	a := at.agent
	floor := a.OperationalFloorUSD()
	if at.portfolio < floor && a.WebhookURL != "" && o.deps.Notifier != nil {
		ev := notify.Event{
			Event:      notify.EventLowBalance,
			AgentID:    a.ID,
			OccurredAt: o.clock.Now().UTC(),
			Data: map[string]any{
				"balanceUSD":        at.portfolio,
				"minOperationalUSD": floor,
				"message":           fmt.Sprintf("agent balance $%.2f is below minimum operational threshold $%.2f", at.portfolio, floor),
			},
		}
		url := a.WebhookURL
		at.later(func(ctx context.Context) { o.deps.Notifier.Notify(ctx, url, ev) })
	}
	if err := o.deps.Spend.UpdatePeakPortfolio(ctx, a.ID, o.deps.Spend.Today(), at.portfolio); err != nil {
		o.log.Warn("update peak portfolio failed", slog.String("agent_id", a.ID), slog.Any("error", err))
	}
}

// simulate 预演交易。预演请求本身失败也视为失败的预演。
func (o *Orchestrator) simulate(ctx context.Context, built *intent.Built, agentKey solana.PublicKey, at *attempt) *simulation.Report {
	ctx, span := o.tracer.Start(ctx, "execution.Simulate")
	defer span.End()
	started := time.Now()
	defer func() { metrics.ObserveStage("simulate", time.Since(started)) }()

	usd := at.usdValue
	report, err := o.deps.Simulator.Analyze(ctx, built.Transaction, agentKey, simulation.Hints{
		ExpectedAmount: built.ExpectedOut,
		ExpectedMint:   built.ExpectedMint,
		USDImpact:      &usd,
	})
	if err != nil {
		span.RecordError(err)
		o.log.Warn("simulation request failed",
			slog.String("agent_id", at.agent.ID),
			slog.String("intent_type", at.req.Intent.Type),
			slog.Any("error", err))
		return &simulation.Report{Success: false, Error: err.Error(), Logs: []string{}}
	}
	span.SetAttributes(attribute.Bool("simulation.success", report.Success), attribute.Bool("simulation.risky", report.RiskyEffects))
	return report
}

func (o *Orchestrator) rejectPolicy(ctx context.Context, at *attempt, cause error) (*Outcome, error) {
	o.adjustReputation(ctx, at.agent.ID, PolicyRejectionDelta)
	rec := o.record(ctx, at, txhistory.StatusRejectedPolicy, cause.Error(), nil)
	o.writeArtifact(ctx, at, audit.ApprovalRejected, "", "")

	return &Outcome{
		Status:        txhistory.StatusRejectedPolicy,
		TransactionID: rec.ID,
		IntentHash:    at.intentHash,
		PolicyHash:    at.policyHash,
		USDValue:      at.usdValue,
		Violations:    policy.ViolationsOf(cause),
	}, cause
}

func (o *Orchestrator) rejectSimulation(ctx context.Context, at *attempt) (*Outcome, error) {
	report := at.report
	code := xerrors.CodeSimulationRisk
	if !report.Success {
		code = xerrors.CodeSimulationFailed
	}
	cause := xerrors.New(code, report.Reason(), xerrors.WithDetails(report))

	o.adjustReputation(ctx, at.agent.ID, SimulationRejectionDelta)
	rec := o.record(ctx, at, txhistory.StatusRejectedSimulation, report.Reason(), nil)
	o.writeArtifact(ctx, at, audit.ApprovalRejected, "", "")

	return &Outcome{
		Status:        txhistory.StatusRejectedSimulation,
		TransactionID: rec.ID,
		IntentHash:    at.intentHash,
		PolicyHash:    at.policyHash,
		USDValue:      at.usdValue,
		Simulation:    report,
	}, cause
}

func (o *Orchestrator) enqueue(ctx context.Context, at *attempt) (*Outcome, error) {
	pending, err := o.deps.Approvals.Store(ctx, hitl.StoreParams{
		AgentID:    at.agent.ID,
		Intent:     at.req.Intent,
		IntentHash: at.intentHash,
		PolicyHash: at.policyHash,
		Reasoning:  at.req.Reasoning,
		USDValue:   at.usdValue,
		Simulation: at.report,
	})
	if err != nil {
		return nil, err
	}
	if url := at.agent.WebhookURL; url != "" {
		at.later(func(ctx context.Context) { o.deps.Approvals.Announce(ctx, pending, url) })
	}
	rec := o.record(ctx, at, txhistory.StatusAwaitingApproval, "", nil)
	o.writeArtifact(ctx, at, audit.ApprovalPending, "", pending.ID)

	expires := pending.ExpiresAt
	return &Outcome{
		Status:        txhistory.StatusAwaitingApproval,
		TransactionID: rec.ID,
		IntentHash:    at.intentHash,
		PolicyHash:    at.policyHash,
		USDValue:      at.usdValue,
		PendingID:     pending.ID,
		ExpiresAt:     &expires,
		Simulation:    at.report,
	}, nil
}

func (o *Orchestrator) submit(ctx context.Context, built *intent.Built, at *attempt) (*Outcome, error) {
	a := at.agent
	signer, err := o.deps.Agents.Signer(a)
	if err != nil {
		return o.fail(ctx, at, err)
	}
	if err := signer.SignTransaction(built.Transaction); err != nil {
		return o.fail(ctx, at, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "sign transaction"))
	}
	at.signature = built.Transaction.ID()

	submitCtx, span := o.tracer.Start(ctx, "execution.Submit")
	submitCtx, cancel := context.WithTimeout(submitCtx, o.submitTimeout)
	started := time.Now()
	receipt, err := o.deps.Ledger.Submit(submitCtx, built.Transaction)
	metrics.ObserveStage("submit", time.Since(started))
	timedOut := stdErrors.Is(submitCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.End()
		if receipt != nil && receipt.Signature != "" {
			at.signature = receipt.Signature
		}
		opts := []xerrors.Option{xerrors.WithMetadata("agent_id", a.ID), xerrors.WithMetadata("signature", at.signature)}
		if timedOut {
			opts = append(opts, xerrors.WithMetadata("timeout", o.submitTimeout.String()))
		}
		return o.fail(ctx, at, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "submit transaction", opts...))
	}
	span.SetAttributes(attribute.String("tx.signature", receipt.Signature))
	span.End()

	if err := o.deps.Spend.RecordSpend(ctx, a.ID, at.impact.AmountSOL, at.impact.Mint, at.usdValue); err != nil {
		o.log.Error("record spend failed",
			slog.String("agent_id", a.ID),
			slog.String("signature", receipt.Signature),
			slog.Any("error", err))
	}
	o.adjustReputation(ctx, a.ID, SuccessDelta)
	if err := o.deps.Agents.Touch(ctx, a.ID, o.clock.Now().UTC()); err != nil {
		o.log.Warn("touch agent activity failed", slog.String("agent_id", a.ID), slog.Any("error", err))
	}

	slot := receipt.Slot
	rec := o.record(ctx, at, txhistory.StatusConfirmed, "", func(r *txhistory.Record) {
		r.Signature = receipt.Signature
		r.Slot = &slot
	})
	o.writeArtifact(ctx, at, audit.ApprovalAuto, receipt.Signature, "")

	out := &Receipt{
		Signature:    receipt.Signature,
		Slot:         receipt.Slot,
		TokenChanges: []simulation.TokenChange{},
		PostBalances: []simulation.AccountBalance{},
	}
	if at.report != nil {
		out.GasUsed = at.report.ComputeUnitForecast
		if at.report.TokenChanges != nil {
			out.TokenChanges = at.report.TokenChanges
		}
		if at.report.PostBalances != nil {
			out.PostBalances = at.report.PostBalances
		}
	}
	return &Outcome{
		Status:        txhistory.StatusConfirmed,
		TransactionID: rec.ID,
		IntentHash:    at.intentHash,
		PolicyHash:    at.policyHash,
		USDValue:      at.usdValue,
		Receipt:       out,
		Simulation:    at.report,
	}, nil
}

// fail 记录构造或提交失败。失败不会重试。
func (o *Orchestrator) fail(ctx context.Context, at *attempt, cause error) (*Outcome, error) {
	o.log.Error("execution failed",
		slog.String("agent_id", at.agent.ID),
		slog.String("intent_type", at.req.Intent.Type),
		slog.String("intent_hash", at.intentHash),
		slog.Any("error", cause))
	// 已签名的交易可能已经广播，保留签名以便与链上状态核对。
	rec := o.record(ctx, at, txhistory.StatusFailed, cause.Error(), func(r *txhistory.Record) {
		r.Signature = at.signature
	})
	o.writeArtifact(ctx, at, audit.ApprovalAuto, at.signature, "")

	if o.deps.Alerter != nil && xerrors.ShouldAlert(cause) {
		alert := notify.AlertFromError(cause, at.agent.ID, at.req.Intent.Type)
		alert.OccurredAt = o.clock.Now().UTC()
		agentID := at.agent.ID
		at.later(func(ctx context.Context) {
			if err := o.deps.Alerter.Alert(ctx, alert); err != nil {
				o.log.Warn("execution alert failed", slog.String("agent_id", agentID), slog.Any("error", err))
			}
		})
	}
	return &Outcome{
		Status:        txhistory.StatusFailed,
		TransactionID: rec.ID,
		IntentHash:    at.intentHash,
		PolicyHash:    at.policyHash,
		USDValue:      at.usdValue,
		Simulation:    at.report,
	}, cause
}

func (o *Orchestrator) adjustReputation(ctx context.Context, agentID string, delta float64) {
	if _, err := o.deps.Agents.AdjustReputation(ctx, agentID, delta); err != nil {
		o.log.Warn("adjust reputation failed",
			slog.String("agent_id", agentID),
			slog.Float64("delta", delta),
			slog.Any("error", err))
	}
}

// record 写入交易历史。写入失败只记录日志，不改变本次结论。
func (o *Orchestrator) record(ctx context.Context, at *attempt, status txhistory.Status, reason string, fill func(*txhistory.Record)) *txhistory.Record {
	rec := &txhistory.Record{
		ID:         uuid.NewString(),
		AgentID:    at.agent.ID,
		IntentType: at.req.Intent.Type,
		Reasoning:  at.req.Reasoning,
		AmountSOL:  at.impact.AmountSOL,
		Mint:       at.impact.Mint,
		Status:     status,
		Error:      reason,
		CreatedAt:  o.clock.Now().UTC(),
	}
	if at.valued {
		usd := at.usdValue
		rec.USDValue = &usd
	}
	if fill != nil {
		fill(rec)
	}
	if err := o.deps.Transactions.InsertTransaction(ctx, rec); err != nil {
		o.log.Error("persist transaction record failed",
			slog.String("agent_id", at.agent.ID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
	return rec
}

func (o *Orchestrator) writeArtifact(ctx context.Context, at *attempt, state audit.ApprovalState, signature, pendingID string) {
	artifact := &audit.Artifact{
		AgentID:          at.agent.ID,
		Intent:           at.req.Intent,
		IntentHash:       at.intentHash,
		PolicyHash:       at.policyHash,
		USDRiskCheck:     at.usdCheck,
		Simulation:       at.report,
		ApprovalState:    state,
		FinalTxSignature: signature,
		PendingID:        pendingID,
	}
	if err := o.deps.Audit.Write(ctx, artifact); err != nil {
		o.log.Error("write audit artifact failed",
			slog.String("agent_id", at.agent.ID),
			slog.String("intent_hash", at.intentHash),
			slog.Any("error", err))
	}
}
