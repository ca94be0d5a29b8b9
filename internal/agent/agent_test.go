package agent

import (
	"context"
	"testing"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/keystore"
	"github.com/Coding-With-Josh/aegis/internal/policy"
)

func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	ks, err := keystore.New("test-passphrase")
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	c := clock.NewManual(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	return NewService(NewMemoryStore(), ks, WithClock(c)), c
}

func floatPtr(v float64) *float64 { return &v }

func TestCreateMergesDefaultsAndIssuesCredential(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{
		Name:   "trader",
		Policy: &policy.Patch{MaxTxAmountSOL: floatPtr(2)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a := created.Agent
	if a.Policy.MaxTxAmountSOL != 2 || a.Policy.DailySpendLimitSOL != 5 || !a.Policy.RequireSimulation {
		t.Fatalf("policy not merged with defaults: %+v", a.Policy)
	}
	if a.Status != StatusActive || a.ExecutionMode != ModeAutonomous || a.Reputation != DefaultReputation {
		t.Fatalf("unexpected defaults: %+v", a)
	}
	if a.OperationalFloorUSD() != DefaultMinOperationalUSD {
		t.Fatalf("unexpected floor %v", a.OperationalFloorUSD())
	}

	if _, err := svc.Authenticate(ctx, a.ID, created.APIKey); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, a.ID, "nope"); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "missing", created.APIKey); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	signer, err := svc.Signer(a)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.PublicKey().String() != a.PublicKey {
		t.Fatalf("signer does not match agent key")
	}

	versions, err := svc.PolicyVersions(ctx, a.ID)
	if err != nil || len(versions) != 1 || versions[0].Version != 1 {
		t.Fatalf("expected initial policy version, got %+v (%v)", versions, err)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cases := []CreateParams{
		{ExecutionMode: "yolo"},
		{WebhookURL: "ftp://example.com"},
		{Policy: &policy.Patch{MaxTxAmountSOL: floatPtr(-1)}},
		{USDPolicy: &policy.USDPolicy{MaxDrawdownUSD: floatPtr(-5)}},
	}
	for i, params := range cases {
		if _, err := svc.Create(ctx, params); xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestUpdatePolicyAppendsVersionOnlyWhenChanged(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Agent.ID

	if _, err := svc.UpdatePolicy(ctx, id, policy.Patch{MaxTxAmountSOL: floatPtr(1)}); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	updated, err := svc.UpdatePolicy(ctx, id, policy.Patch{MaxTxAmountSOL: floatPtr(3)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Policy.MaxTxAmountSOL != 3 {
		t.Fatalf("policy not applied")
	}
	versions, err := svc.PolicyVersions(ctx, id)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[1].Version != 2 || versions[0].Hash == versions[1].Hash {
		t.Fatalf("unexpected versions %+v", versions)
	}
	if versions[0].Policy.MaxTxAmountSOL != 1 {
		t.Fatalf("historical version rewritten")
	}
}

func TestStatusModeReputationAndActivity(t *testing.T) {
	svc, c := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, CreateParams{})
	id := created.Agent.ID

	if _, err := svc.UpdateStatus(ctx, id, "deleted"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	a, err := svc.UpdateStatus(ctx, id, StatusPaused)
	if err != nil || a.Status != StatusPaused {
		t.Fatalf("update status: %+v %v", a, err)
	}
	a, err = svc.UpdateExecutionMode(ctx, id, ModeSupervised)
	if err != nil || a.ExecutionMode != ModeSupervised {
		t.Fatalf("update mode: %+v %v", a, err)
	}
	a, err = svc.UpdateUSDPolicy(ctx, id, &policy.USDPolicy{MaxTransactionUSD: floatPtr(100)})
	if err != nil || a.USDPolicy == nil || *a.USDPolicy.MaxTransactionUSD != 100 {
		t.Fatalf("update usd policy: %+v %v", a, err)
	}

	score, err := svc.AdjustReputation(ctx, id, 20)
	if err != nil || score != MaxReputation {
		t.Fatalf("expected clamp to max, got %v (%v)", score, err)
	}
	score, _ = svc.AdjustReputation(ctx, id, -50)
	if score != MinReputation {
		t.Fatalf("expected clamp to min, got %v", score)
	}

	if err := svc.Touch(ctx, id, c.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	a, _ = svc.Get(ctx, id)
	if a.LastActivityAt == nil || !a.LastActivityAt.Equal(c.Now()) {
		t.Fatalf("activity not recorded: %+v", a.LastActivityAt)
	}
	if _, err := svc.UpdateStatus(ctx, "missing", StatusActive); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
