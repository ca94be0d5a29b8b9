package policy

import (
	"testing"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/spend"
)

func ptr(v float64) *float64 { return &v }

func TestUSDEngineSkipsAbsentFields(t *testing.T) {
	engine := NewUSDEngine("agent-1", USDPolicy{}, spend.Record{TotalSpentUSD: 1e9})
	err := engine.Enforce(
		engine.CheckTxUSD(1e6),
		engine.CheckDailyUSD(1e6),
		engine.CheckPortfolioExposure(1e6, 10),
		engine.CheckDrawdown(0, 1e6),
	)
	if err != nil {
		t.Fatalf("empty USD policy must pass, got %v", err)
	}
}

func TestUSDEngineViolations(t *testing.T) {
	p := USDPolicy{
		MaxTransactionUSD:              ptr(100),
		MaxDailyExposureUSD:            ptr(500),
		MaxPortfolioExposurePercentage: ptr(25),
		MaxDrawdownUSD:                 ptr(50),
	}
	engine := NewUSDEngine("agent-1", p, spend.Record{TotalSpentUSD: 450})

	err := engine.Enforce(
		engine.CheckTxUSD(150),
		engine.CheckDailyUSD(150),
		engine.CheckPortfolioExposure(150, 400),
		engine.CheckDrawdown(400, 500),
	)
	if xerrors.CodeOf(err) != xerrors.CodeUSDPolicyViolation {
		t.Fatalf("expected usd violation, got %v", err)
	}
	got := ViolationsOf(err)
	want := []Violation{
		{Code: CodeTxUSDExceedsCap, Message: "transaction value $150.00 exceeds maxTransactionUSD $100.00"},
		{Code: CodeDailyUSDLimitExceeded, Message: "projected daily USD exposure $600.00 exceeds maxDailyExposureUSD $500.00"},
		{Code: CodePortfolioExposureTooHigh, Message: "transaction is 37.5% of portfolio, exceeds maxPortfolioExposurePercentage 25%"},
		{Code: CodeDrawdownLimitExceeded, Message: "portfolio drawdown $100.00 exceeds maxDrawdownUSD $50.00"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected violations: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("violation %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestUSDEngineSkipsZeroPortfolioAndMissingPeak(t *testing.T) {
	engine := NewUSDEngine("agent-1", USDPolicy{MaxPortfolioExposurePercentage: ptr(1), MaxDrawdownUSD: ptr(1)}, spend.Record{})
	if engine.CheckPortfolioExposure(100, 0) != nil {
		t.Fatalf("zero portfolio must skip exposure check")
	}
	if engine.CheckDrawdown(0, 0) != nil {
		t.Fatalf("missing peak must skip drawdown check")
	}
}
