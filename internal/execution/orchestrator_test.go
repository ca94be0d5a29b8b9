package execution

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/keystore"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
	"github.com/Coding-With-Josh/aegis/internal/notify"
	"github.com/Coding-With-Josh/aegis/internal/oracle"
	"github.com/Coding-With-Josh/aegis/internal/policy"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/internal/spend"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
)

const recipient = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

type fixedFeed struct{ price float64 }

func (fixedFeed) Name() string { return "fixed" }

func (f fixedFeed) PriceUSD(context.Context, string) (float64, error) { return f.price, nil }

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	onSend func()
}

func (c *captureNotifier) Notify(_ context.Context, _ string, ev notify.Event) {
	if c.onSend != nil {
		c.onSend()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) byType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Event == t {
			out = append(out, ev)
		}
	}
	return out
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
	onSend func()
}

func (c *captureAlerter) Alert(_ context.Context, a notify.Alert) error {
	if c.onSend != nil {
		c.onSend()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

// 以下存储在上下文取消后拒绝写入，与数据库驱动的行为一致。
type cancelAwareAgents struct{ agent.Store }

func (s cancelAwareAgents) AdjustReputation(ctx context.Context, id string, delta, lo, hi float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Store.AdjustReputation(ctx, id, delta, lo, hi)
}

func (s cancelAwareAgents) TouchActivity(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.TouchActivity(ctx, id, at)
}

type cancelAwareSpend struct{ spend.Store }

func (s cancelAwareSpend) AddSpend(ctx context.Context, agentID, date string, delta spend.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AddSpend(ctx, agentID, date, delta)
}

type cancelAwareAudit struct{ audit.Store }

func (s cancelAwareAudit) InsertArtifact(ctx context.Context, a *audit.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.InsertArtifact(ctx, a)
}

type cancelAwareTxs struct{ txhistory.Store }

func (s cancelAwareTxs) InsertTransaction(ctx context.Context, r *txhistory.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.InsertTransaction(ctx, r)
}

type fixture struct {
	orch      *Orchestrator
	agents    *agent.Service
	spend     *spend.Tracker
	ledger    *ledger.Stub
	approvals *hitl.Queue
	trail     *audit.Trail
	txs       *txhistory.MemoryStore
	notifier  *captureNotifier
	alerter   *captureAlerter
	clock     *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks, err := keystore.New("orchestrator-test")
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	c := clock.NewManual(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	stub := &ledger.Stub{}
	f := &fixture{
		agents:   agent.NewService(cancelAwareAgents{agent.NewMemoryStore()}, ks, agent.WithClock(c)),
		spend:    spend.NewTracker(cancelAwareSpend{spend.NewMemoryStore()}, c),
		ledger:   stub,
		trail:    audit.NewTrail(cancelAwareAudit{audit.NewMemoryStore()}, c),
		txs:      txhistory.NewMemoryStore(),
		notifier: &captureNotifier{},
		alerter:  &captureAlerter{},
		clock:    c,
	}
	f.approvals = hitl.NewQueue(hitl.NewMemoryStore(), hitl.WithClock(c), hitl.WithNotifier(f.notifier))
	f.orch, err = New(Dependencies{
		Agents:       f.agents,
		Intents:      intent.DefaultRegistry(),
		Spend:        f.spend,
		Oracle:       oracle.NewAggregator(fixedFeed{price: 100}, nil),
		Ledger:       stub,
		Simulator:    simulation.NewAnalyzer(stub, time.Second),
		Approvals:    f.approvals,
		Audit:        f.trail,
		Transactions: cancelAwareTxs{f.txs},
		Notifier:     f.notifier,
		Alerter:      f.alerter,
	}, WithClock(c), WithSubmitTimeout(time.Second))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return f
}

func floatPtr(v float64) *float64 { return &v }

func (f *fixture) createAgent(t *testing.T, patch policy.Patch) *agent.Agent {
	t.Helper()
	created, err := f.agents.Create(context.Background(), agent.CreateParams{
		Name:       "trader",
		Policy:     &patch,
		WebhookURL: "https://hooks.example.com/aegis",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return created.Agent
}

func transfer(amount float64) Request {
	params, _ := json.Marshal(map[string]any{"to": recipient, "amount": amount})
	return Request{
		Intent:    intent.Envelope{Type: intent.TypeTransfer, Params: params},
		Reasoning: "rebalance",
	}
}

func (f *fixture) reputation(t *testing.T, id string) float64 {
	t.Helper()
	a, err := f.agents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a.Reputation
}

func (f *fixture) onlyRecord(t *testing.T, id string) *txhistory.Record {
	t.Helper()
	recs, err := f.txs.ListTransactions(context.Background(), id, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one transaction record, got %d (%v)", len(recs), err)
	}
	return recs[0]
}

func (f *fixture) onlyArtifact(t *testing.T, id string) *audit.Artifact {
	t.Helper()
	artifacts, err := f.trail.Read(context.Background(), id, 0)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("expected one audit artifact, got %d (%v)", len(artifacts), err)
	}
	return artifacts[0]
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAmountCapRejection(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, policy.Patch{MaxTxAmountSOL: floatPtr(1)})

	out, err := f.orch.Execute(context.Background(), a.ID, transfer(1.5))
	if xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if out == nil || out.Status != txhistory.StatusRejectedPolicy {
		t.Fatalf("unexpected outcome %+v", out)
	}
	codes := make([]policy.ViolationCode, 0, len(out.Violations))
	for _, v := range out.Violations {
		codes = append(codes, v.Code)
	}
	if diff := cmp.Diff([]policy.ViolationCode{policy.CodeAmountExceedsTxCap}, codes); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}

	if got := f.reputation(t, a.ID); !near(got, agent.DefaultReputation+PolicyRejectionDelta) {
		t.Fatalf("reputation not decremented: %v", got)
	}
	rec := f.onlyRecord(t, a.ID)
	if rec.Status != txhistory.StatusRejectedPolicy || rec.Signature != "" || rec.USDValue != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	art := f.onlyArtifact(t, a.ID)
	if art.ApprovalState != audit.ApprovalRejected || art.IntentHash != out.IntentHash || art.PolicyHash == "" {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if f.ledger.Simulations() != 0 {
		t.Fatalf("policy rejection must stop before simulation")
	}
}

func TestDailySpendRejectionLeavesPriorSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createAgent(t, policy.Patch{MaxTxAmountSOL: floatPtr(2), DailySpendLimitSOL: floatPtr(5)})
	if err := f.spend.RecordSpend(ctx, a.ID, 4.5, "SOL", 450); err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	out, err := f.orch.Execute(ctx, a.ID, transfer(1.0))
	if xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if len(out.Violations) != 1 || out.Violations[0].Code != policy.CodeDailySpendExceeded {
		t.Fatalf("unexpected violations %+v", out.Violations)
	}
	today, err := f.spend.DailySpend(ctx, a.ID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if today.TotalSpentSOL != 4.5 {
		t.Fatalf("prior spend changed: %v", today.TotalSpentSOL)
	}
}

func TestSuccessfulExecutionRecordsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.5))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != txhistory.StatusConfirmed || out.Receipt == nil || out.Receipt.Signature == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Receipt.GasUsed != 1100 || len(out.Receipt.PostBalances) != 1 {
		t.Fatalf("receipt missing simulation data: %+v", out.Receipt)
	}
	if !near(out.USDValue, 50) {
		t.Fatalf("unexpected usd value %v", out.USDValue)
	}
	submitted := f.ledger.Submitted()
	if len(submitted) != 1 || !submitted[0].Complete() {
		t.Fatalf("expected one fully signed submission")
	}

	today, _ := f.spend.DailySpend(ctx, a.ID)
	if today.TotalSpentSOL != 0.5 || !near(today.TotalSpentUSD, 50) || !near(today.PeakPortfolioUSD, 100) {
		t.Fatalf("unexpected spend %+v", today)
	}
	got, _ := f.agents.Get(ctx, a.ID)
	if !near(got.Reputation, agent.DefaultReputation+SuccessDelta) {
		t.Fatalf("reputation not bumped: %v", got.Reputation)
	}
	if got.LastActivityAt == nil || !got.LastActivityAt.Equal(f.clock.Now()) {
		t.Fatalf("activity not touched: %v", got.LastActivityAt)
	}

	rec := f.onlyRecord(t, a.ID)
	if rec.Status != txhistory.StatusConfirmed || rec.Signature != out.Receipt.Signature || rec.Slot == nil || rec.USDValue == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	art := f.onlyArtifact(t, a.ID)
	if art.ApprovalState != audit.ApprovalAuto || art.FinalTxSignature != out.Receipt.Signature || art.Simulation == nil {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if len(f.notifier.byType(notify.EventLowBalance)) != 0 {
		t.Fatalf("healthy portfolio must not trigger low balance alert")
	}
}

func TestRiskyPostBalanceRejected(t *testing.T) {
	f := newFixture(t)
	f.ledger.SimulateFunc = func(_ context.Context, _ *solana.Transaction, watch []solana.PublicKey) (*ledger.SimulationOutcome, error) {
		return &ledger.SimulationOutcome{
			Logs:          []string{"Program log: drained"},
			UnitsConsumed: 500,
			Accounts:      []*ledger.AccountState{{Address: watch[0].String(), Lamports: 1000}},
		}, nil
	}
	a := f.createAgent(t, policy.Patch{MaxTxAmountSOL: floatPtr(100), DailySpendLimitSOL: floatPtr(1000)})

	out, err := f.orch.Execute(context.Background(), a.ID, transfer(0.9))
	if xerrors.CodeOf(err) != xerrors.CodeSimulationRisk {
		t.Fatalf("expected simulation risk, got %v", err)
	}
	if out.Status != txhistory.StatusRejectedSimulation || out.Simulation == nil || out.Simulation.RiskReason == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.ledger.Submitted()) != 0 {
		t.Fatalf("risky transaction must not be submitted")
	}
	if got := f.reputation(t, a.ID); !near(got, agent.DefaultReputation+SimulationRejectionDelta) {
		t.Fatalf("unexpected reputation %v", got)
	}
	if rec := f.onlyRecord(t, a.ID); rec.Status != txhistory.StatusRejectedSimulation {
		t.Fatalf("unexpected record status %s", rec.Status)
	}
	if art := f.onlyArtifact(t, a.ID); art.ApprovalState != audit.ApprovalRejected || art.Simulation == nil {
		t.Fatalf("unexpected artifact %+v", art)
	}
}

func TestSimulationFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.ledger.SimulateFunc = func(context.Context, *solana.Transaction, []solana.PublicKey) (*ledger.SimulationOutcome, error) {
		return &ledger.SimulationOutcome{Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`), Logs: []string{"failed"}}, nil
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(context.Background(), a.ID, transfer(0.1))
	if xerrors.CodeOf(err) != xerrors.CodeSimulationFailed {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	if out.Simulation.Success || len(out.Simulation.Logs) != 1 {
		t.Fatalf("unexpected report %+v", out.Simulation)
	}
	if f.ledger.Simulations() != 1 {
		t.Fatalf("simulation must not be retried, ran %d times", f.ledger.Simulations())
	}
}

func TestSupervisedModeEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createAgent(t, policy.Patch{})
	if _, err := f.agents.UpdateExecutionMode(ctx, a.ID, agent.ModeSupervised); err != nil {
		t.Fatalf("update mode: %v", err)
	}

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.2))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != txhistory.StatusAwaitingApproval || out.PendingID == "" || out.Receipt != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	pending, err := f.approvals.Get(ctx, out.PendingID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if want := f.clock.Now().Add(hitl.DefaultTTL); !pending.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expiry %v, want %v", pending.ExpiresAt, want)
	}
	if len(f.ledger.Submitted()) != 0 {
		t.Fatalf("supervised execution must not submit")
	}
	rec := f.onlyRecord(t, a.ID)
	if rec.Status != txhistory.StatusAwaitingApproval || rec.Signature != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	art := f.onlyArtifact(t, a.ID)
	if art.ApprovalState != audit.ApprovalPending || art.PendingID != out.PendingID {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if len(f.notifier.byType(notify.EventPendingApproval)) != 1 {
		t.Fatalf("expected pending approval notification")
	}
	today, _ := f.spend.DailySpend(ctx, a.ID)
	if today.TotalSpentSOL != 0 {
		t.Fatalf("pending execution must not record spend")
	}
}

func TestUnknownIntentFailsBeforeEvaluation(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(context.Background(), a.ID, Request{
		Intent: intent.Envelope{Type: "teleport", Params: json.RawMessage(`{}`)},
	})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound || out != nil {
		t.Fatalf("expected NOT_FOUND without outcome, got %+v, %v", out, err)
	}
	recs, _ := f.txs.ListTransactions(context.Background(), a.ID, 0)
	artifacts, _ := f.trail.Read(context.Background(), a.ID, 0)
	if len(recs) != 0 || len(artifacts) != 0 || f.ledger.Simulations() != 0 {
		t.Fatalf("unknown intent must not reach the pipeline")
	}
	if got := f.reputation(t, a.ID); got != agent.DefaultReputation {
		t.Fatalf("reputation changed: %v", got)
	}
}

func TestAgentGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.orch.Execute(ctx, "missing", transfer(0.1)); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	a := f.createAgent(t, policy.Patch{})
	if _, err := f.agents.UpdateStatus(ctx, a.ID, agent.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.orch.Execute(ctx, a.ID, transfer(0.1)); xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	bad := Request{Intent: intent.Envelope{Type: intent.TypeTransfer, Params: json.RawMessage(`{"amount":-1}`)}}
	if _, err := f.agents.UpdateStatus(ctx, a.ID, agent.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := f.orch.Execute(ctx, a.ID, bad); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestUSDPolicyRejectionAndLowBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.BalanceFunc = func(context.Context, string) (uint64, error) {
		return solana.LamportsPerSOL / 100, nil
	}
	a := f.createAgent(t, policy.Patch{})
	if _, err := f.agents.UpdateUSDPolicy(ctx, a.ID, &policy.USDPolicy{MaxTransactionUSD: floatPtr(10)}); err != nil {
		t.Fatalf("usd policy: %v", err)
	}

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.5))
	if xerrors.CodeOf(err) != xerrors.CodeUSDPolicyViolation {
		t.Fatalf("expected USD policy violation, got %v", err)
	}
	if len(out.Violations) != 1 || out.Violations[0].Code != policy.CodeTxUSDExceedsCap {
		t.Fatalf("unexpected violations %+v", out.Violations)
	}
	art := f.onlyArtifact(t, a.ID)
	if art.USDRiskCheck == nil || art.USDRiskCheck.Passed || len(art.USDRiskCheck.Violations) != 1 {
		t.Fatalf("unexpected usd risk check %+v", art.USDRiskCheck)
	}
	if !near(art.USDRiskCheck.USDValue, 50) || !near(art.USDRiskCheck.PortfolioUSD, 1) {
		t.Fatalf("unexpected valuation %+v", art.USDRiskCheck)
	}
	if got := f.reputation(t, a.ID); !near(got, agent.DefaultReputation+PolicyRejectionDelta) {
		t.Fatalf("unexpected reputation %v", got)
	}
	// USD 策略拒绝发生在低余额检查之前。
	if len(f.notifier.byType(notify.EventLowBalance)) != 0 {
		t.Fatalf("low balance alert fired before USD policy passed")
	}

	if _, err := f.agents.UpdateUSDPolicy(ctx, a.ID, nil); err != nil {
		t.Fatalf("clear usd policy: %v", err)
	}
	if _, err := f.orch.Execute(ctx, a.ID, transfer(0.005)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	alerts := f.notifier.byType(notify.EventLowBalance)
	if len(alerts) != 1 {
		t.Fatalf("expected one low balance alert, got %d", len(alerts))
	}
	if alerts[0].Data["minOperationalUSD"] != agent.DefaultMinOperationalUSD {
		t.Fatalf("unexpected alert payload %+v", alerts[0].Data)
	}
}

func TestSubmitFailureRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.SubmitFunc = func(context.Context, *solana.Transaction) (*ledger.Receipt, error) {
		return nil, stdErrors.New("blockhash not found")
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.3))
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailed {
		t.Fatalf("expected EXECUTION_FAILED, got %v", err)
	}
	if out.Status != txhistory.StatusFailed || out.Receipt != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if rec := f.onlyRecord(t, a.ID); rec.Status != txhistory.StatusFailed || rec.Error == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	today, _ := f.spend.DailySpend(ctx, a.ID)
	if today.TotalSpentSOL != 0 {
		t.Fatalf("failed submission must not record spend")
	}
	if got := f.reputation(t, a.ID); got != agent.DefaultReputation {
		t.Fatalf("failure must not change reputation: %v", got)
	}
	if len(f.alerter.alerts) != 1 || f.alerter.alerts[0].Code != xerrors.CodeExecutionFailed {
		t.Fatalf("expected execution alert, got %+v", f.alerter.alerts)
	}
}

func TestSubmitFailureAfterBroadcastKeepsSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.SubmitFunc = func(_ context.Context, tx *solana.Transaction) (*ledger.Receipt, error) {
		return &ledger.Receipt{Signature: tx.ID()}, stdErrors.New("confirmation timed out")
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.3))
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailed || out.Status != txhistory.StatusFailed {
		t.Fatalf("expected failed outcome, got %+v, %v", out, err)
	}
	rec := f.onlyRecord(t, a.ID)
	if rec.Signature == "" {
		t.Fatalf("broadcast signature dropped from record %+v", rec)
	}
	if art := f.onlyArtifact(t, a.ID); art.FinalTxSignature != rec.Signature {
		t.Fatalf("artifact signature %q, record %q", art.FinalTxSignature, rec.Signature)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()["signature"] != rec.Signature {
		t.Fatalf("error metadata missing signature: %v", e.Metadata())
	}
}

func TestFailureBeforeSigningHasNoSignature(t *testing.T) {
	f := newFixture(t)
	f.ledger.BlockhashFunc = func(context.Context) (solana.Hash, error) {
		return solana.Hash{}, stdErrors.New("node unavailable")
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(context.Background(), a.ID, transfer(0.3))
	if err == nil || out == nil || out.Status != txhistory.StatusFailed {
		t.Fatalf("expected failed outcome, got %+v, %v", out, err)
	}
	if rec := f.onlyRecord(t, a.ID); rec.Signature != "" {
		t.Fatalf("unsigned attempt recorded signature %q", rec.Signature)
	}
}

func TestClientDisconnectAfterBroadcastStillBooksSpend(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.SubmitFunc = func(_ context.Context, tx *solana.Transaction) (*ledger.Receipt, error) {
		cancel()
		return &ledger.Receipt{Signature: tx.ID(), Slot: 9}, nil
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.4))
	if err != nil || out.Status != txhistory.StatusConfirmed {
		t.Fatalf("expected confirmed outcome, got %+v, %v", out, err)
	}
	background := context.Background()
	today, err := f.spend.DailySpend(background, a.ID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if !near(today.TotalSpentSOL, 0.4) {
		t.Fatalf("confirmed spend not booked: %v", today.TotalSpentSOL)
	}
	if art := f.onlyArtifact(t, a.ID); art.FinalTxSignature != out.Receipt.Signature {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if rec := f.onlyRecord(t, a.ID); rec.Status != txhistory.StatusConfirmed {
		t.Fatalf("unexpected record %+v", rec)
	}
	got, _ := f.agents.Get(background, a.ID)
	if !near(got.Reputation, agent.DefaultReputation+SuccessDelta) || got.LastActivityAt == nil {
		t.Fatalf("post-submit bookkeeping skipped: %+v", got)
	}
}

func TestClientDisconnectBeforeSubmitIsAuditedNotSent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.SimulateFunc = func(_ context.Context, _ *solana.Transaction, watch []solana.PublicKey) (*ledger.SimulationOutcome, error) {
		cancel()
		accounts := make([]*ledger.AccountState, len(watch))
		for i, key := range watch {
			accounts[i] = &ledger.AccountState{Address: key.String(), Lamports: solana.LamportsPerSOL}
		}
		return &ledger.SimulationOutcome{Logs: []string{"ok"}, UnitsConsumed: 1000, Accounts: accounts}, nil
	}
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(ctx, a.ID, transfer(0.4))
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailed || out.Status != txhistory.StatusFailed {
		t.Fatalf("expected failed outcome, got %+v, %v", out, err)
	}
	if len(f.ledger.Submitted()) != 0 {
		t.Fatalf("cancelled request must not be submitted")
	}
	if rec := f.onlyRecord(t, a.ID); rec.Status != txhistory.StatusFailed {
		t.Fatalf("unexpected record %+v", rec)
	}
	f.onlyArtifact(t, a.ID)
	if got := f.reputation(t, a.ID); got != agent.DefaultReputation {
		t.Fatalf("disconnect must not change reputation: %v", got)
	}
}

func TestNotificationsSentAfterAgentLockReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var held []int
	var mu sync.Mutex
	observe := func() {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, f.orch.locks.size())
	}
	f.notifier.onSend = observe
	f.alerter.onSend = observe
	f.ledger.BalanceFunc = func(context.Context, string) (uint64, error) {
		return solana.LamportsPerSOL / 100, nil
	}
	a := f.createAgent(t, policy.Patch{})

	// 低余额通知。
	if _, err := f.orch.Execute(ctx, a.ID, transfer(0.001)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 提交失败告警。
	f.ledger.SubmitFunc = func(context.Context, *solana.Transaction) (*ledger.Receipt, error) {
		return nil, stdErrors.New("rpc down")
	}
	if _, err := f.orch.Execute(ctx, a.ID, transfer(0.001)); err == nil {
		t.Fatalf("expected submit failure")
	}
	// 待审批通知。
	if _, err := f.agents.UpdateExecutionMode(ctx, a.ID, agent.ModeSupervised); err != nil {
		t.Fatalf("update mode: %v", err)
	}
	if _, err := f.orch.Execute(ctx, a.ID, transfer(0.001)); err != nil {
		t.Fatalf("execute supervised: %v", err)
	}

	if len(f.notifier.byType(notify.EventPendingApproval)) != 1 || len(f.alerter.alerts) != 1 {
		t.Fatalf("expected pending approval and alert, got %d / %d",
			len(f.notifier.byType(notify.EventPendingApproval)), len(f.alerter.alerts))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(held) < 4 {
		t.Fatalf("expected at least four deliveries, observed %d", len(held))
	}
	for i, n := range held {
		if n != 0 {
			t.Fatalf("delivery %d happened while %d agent lock(s) were held", i, n)
		}
	}
}

func TestSubmitTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.ledger.SubmitFunc = func(ctx context.Context, _ *solana.Transaction) (*ledger.Receipt, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.orch.submitTimeout = 20 * time.Millisecond
	a := f.createAgent(t, policy.Patch{})

	out, err := f.orch.Execute(context.Background(), a.ID, transfer(0.3))
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailed || out.Status != txhistory.StatusFailed {
		t.Fatalf("expected failed outcome, got %+v, %v", out, err)
	}
	if calls != 1 {
		t.Fatalf("submission retried %d times", calls)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()["timeout"] == "" {
		t.Fatalf("timeout metadata missing: %v", e.Metadata())
	}
}

func TestConcurrentExecutionsRespectDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createAgent(t, policy.Patch{MaxTxAmountSOL: floatPtr(1), DailySpendLimitSOL: floatPtr(5)})

	var wg sync.WaitGroup
	results := make(chan txhistory.Status, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := f.orch.Execute(ctx, a.ID, transfer(1))
			if out != nil {
				results <- out.Status
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[txhistory.Status]int{}
	for s := range results {
		counts[s]++
	}
	if counts[txhistory.StatusConfirmed] != 5 || counts[txhistory.StatusRejectedPolicy] != 5 {
		t.Fatalf("unexpected outcome distribution %v", counts)
	}
	today, _ := f.spend.DailySpend(ctx, a.ID)
	if today.TotalSpentSOL != 5 {
		t.Fatalf("daily limit overspent: %v", today.TotalSpentSOL)
	}
	if f.orch.locks.size() != 0 {
		t.Fatalf("agent locks leaked")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
