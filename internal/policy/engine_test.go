package policy

import (
	"testing"
	"time"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/spend"
)

func newTestEngine(p Policy, spentSOL float64) *Engine {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewEngine("agent-1", p, spend.Record{AgentID: "agent-1", Date: "2026-03-01", TotalSpentSOL: spentSOL}, now)
}

func TestEngineAmountCapViolation(t *testing.T) {
	engine := newTestEngine(DefaultPolicy(), 0)

	err := engine.Enforce(
		engine.CheckIntentType("transfer"),
		engine.CheckMint("SOL"),
		engine.CheckTxAmount(1.5),
		engine.CheckDailySpend(1.5),
	)
	if xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}
	violations := ViolationsOf(err)
	if len(violations) != 1 || violations[0].Code != CodeAmountExceedsTxCap {
		t.Fatalf("unexpected violations: %+v", violations)
	}
	if violations[0].Message != "amount 1.5 SOL exceeds maxTxAmountSOL 1" {
		t.Fatalf("unexpected message: %s", violations[0].Message)
	}
}

func TestEngineDailySpendUsesPriorTotal(t *testing.T) {
	p := DefaultPolicy()
	engine := newTestEngine(p, 4.5)

	v := engine.CheckDailySpend(1.0)
	if v == nil || v.Code != CodeDailySpendExceeded {
		t.Fatalf("expected daily spend violation, got %+v", v)
	}
	if v.Message != "projected daily spend 5.5000 SOL exceeds limit 5 SOL" {
		t.Fatalf("unexpected message: %s", v.Message)
	}
	if engine.CheckDailySpend(0.5) != nil {
		t.Fatalf("exactly reaching the limit must pass")
	}
}

func TestEnforceCollectsEveryViolation(t *testing.T) {
	risk := 50
	p := DefaultPolicy()
	p.MaxRiskScore = &risk
	engine := newTestEngine(p, 4.9)

	err := engine.Enforce(
		engine.CheckIntentType("cpi"),
		engine.CheckMint("BONK"),
		engine.CheckTxAmount(2),
		engine.CheckDailySpend(2),
		engine.CheckSlippage(500),
		engine.CheckRiskScore(90),
	)
	violations := ViolationsOf(err)
	want := []ViolationCode{CodeIntentNotAllowed, CodeMintNotAllowed, CodeAmountExceedsTxCap, CodeDailySpendExceeded, CodeSlippageTooHigh, CodeRiskScoreTooHigh}
	if len(violations) != len(want) {
		t.Fatalf("expected %d violations, got %+v", len(want), violations)
	}
	seen := map[ViolationCode]bool{}
	for i, v := range violations {
		if v.Code != want[i] {
			t.Fatalf("violation %d: got %s want %s", i, v.Code, want[i])
		}
		if seen[v.Code] {
			t.Fatalf("duplicate code %s", v.Code)
		}
		seen[v.Code] = true
	}
}

func TestCheckCooldown(t *testing.T) {
	cooldown := int64(60_000)
	p := DefaultPolicy()
	p.CooldownMs = &cooldown
	engine := newTestEngine(p, 0)

	if engine.CheckCooldown(nil) != nil {
		t.Fatalf("no prior activity must skip cooldown")
	}
	recent := engine.now.Add(-15500 * time.Millisecond)
	v := engine.CheckCooldown(&recent)
	if v == nil || v.Code != CodeCooldownActive {
		t.Fatalf("expected cooldown violation, got %+v", v)
	}
	if v.Message != "agent is in cooldown, 45s remaining" {
		t.Fatalf("unexpected message: %s", v.Message)
	}
	old := engine.now.Add(-time.Minute)
	if engine.CheckCooldown(&old) != nil {
		t.Fatalf("elapsed cooldown must pass")
	}

	unset := newTestEngine(DefaultPolicy(), 0)
	if unset.CheckCooldown(&recent) != nil {
		t.Fatalf("unset cooldown must skip")
	}
}

func TestRiskScoreSkippedWhenUnset(t *testing.T) {
	engine := newTestEngine(DefaultPolicy(), 0)
	if engine.CheckRiskScore(100) != nil {
		t.Fatalf("unset maxRiskScore must skip")
	}
	if engine.Enforce(nil, nil) != nil {
		t.Fatalf("no violations must yield nil")
	}
}

func TestPatchApplyAndValidate(t *testing.T) {
	maxTx := 2.5
	patch := Patch{MaxTxAmountSOL: &maxTx, AllowedIntents: []string{"transfer"}}
	if err := patch.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	merged := patch.Apply(DefaultPolicy())
	if merged.MaxTxAmountSOL != 2.5 || len(merged.AllowedIntents) != 1 || merged.DailySpendLimitSOL != 5 {
		t.Fatalf("unexpected merge: %+v", merged)
	}

	bad := -1
	if err := (Patch{MaxSlippageBps: &bad}).Validate(); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
