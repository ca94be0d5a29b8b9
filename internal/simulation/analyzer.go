// Package simulation 对构造好的交易执行链上预演并提炼风险信号。
package simulation

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math"
	"strconv"
	"time"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

const (
	// SOLFloorLamports 是智能体原生余额的运营底线（0.01 SOL）。
	SOLFloorLamports = 10_000_000
	// ComputeBuffer 是计算单元预估的安全系数。
	ComputeBuffer = 0.1
	// ExpectedDeltaTolerance 是实际输出偏离预期的容忍百分比。
	ExpectedDeltaTolerance = 5.0
)

// TokenChange 是单个代币账户在预演前后的变化。
type TokenChange struct {
	Mint  string  `json:"mint"`
	Delta float64 `json:"delta"`
	Owner string  `json:"owner"`
}

// AccountBalance 是被观察账户的预演后余额。
type AccountBalance struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

// Report 是预演分析结果。
type Report struct {
	Success                bool             `json:"success"`
	Error                  string           `json:"error,omitempty"`
	Logs                   []string         `json:"logs"`
	ComputeUnitForecast    uint64           `json:"computeUnitForecast"`
	TokenChanges           []TokenChange    `json:"tokenChanges"`
	PostBalances           []AccountBalance `json:"postBalances"`
	SlippageActual         *float64         `json:"slippageActual,omitempty"`
	ExpectedDeltaViolation bool             `json:"expectedDeltaViolation"`
	RiskyEffects           bool             `json:"riskyEffects"`
	RiskReason             string           `json:"riskReason,omitempty"`
	USDImpactEstimate      *float64         `json:"usdImpactEstimate,omitempty"`
}

// Rejected 报告预演失败或存在风险效果，二者都会终止本次尝试。
func (r *Report) Rejected() bool {
	return !r.Success || r.RiskyEffects
}

// Reason 返回拒绝原因的描述。
func (r *Report) Reason() string {
	if !r.Success {
		return "simulation failed: " + r.Error
	}
	if r.RiskyEffects {
		return "simulation flagged risky effects: " + r.RiskReason
	}
	return ""
}

// Hints 是处理器给出的预期值，均为可选。
type Hints struct {
	ExpectedAmount float64
	ExpectedMint   string
	USDImpact      *float64
}

// Analyzer 调用账本适配器预演交易。
type Analyzer struct {
	ledger  ledger.Adapter
	timeout time.Duration
}

// NewAnalyzer 创建分析器，timeout 为 0 时不额外限制。
func NewAnalyzer(adapter ledger.Adapter, timeout time.Duration) *Analyzer {
	return &Analyzer{ledger: adapter, timeout: timeout}
}

// Analyze 预演交易并推导计算单元、代币变化、风险与滑点。
func (a *Analyzer) Analyze(ctx context.Context, tx *solana.Transaction, agent solana.PublicKey, hints Hints) (*Report, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	outcome, err := a.ledger.Simulate(ctx, tx, []solana.PublicKey{agent})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "simulation timed out")
		}
		return nil, xerrors.Wrap(xerrors.CodeSimulationFailed, err, "simulation request failed")
	}
	return Derive(outcome, agent.String(), hints), nil
}

// Derive 从原始预演结果计算报告。
func Derive(outcome *ledger.SimulationOutcome, agent string, hints Hints) *Report {
	report := &Report{
		Success:             !outcome.Failed(),
		Logs:                outcome.Logs,
		ComputeUnitForecast: uint64(math.Ceil(float64(outcome.UnitsConsumed) * (1 + ComputeBuffer))),
		TokenChanges:        tokenChanges(outcome, agent),
		USDImpactEstimate:   hints.USDImpact,
	}
	if report.Logs == nil {
		report.Logs = []string{}
	}
	if !report.Success {
		report.Error = string(outcome.Err)
	}

	for i, acc := range outcome.Accounts {
		address := fmt.Sprintf("account_%d", i)
		if i == 0 {
			address = agent
		}
		var lamports uint64
		if acc != nil {
			lamports = acc.Lamports
		}
		report.PostBalances = append(report.PostBalances, AccountBalance{Address: address, Lamports: lamports})
	}

	for _, b := range report.PostBalances {
		if b.Address == agent && b.Lamports < SOLFloorLamports {
			report.RiskyEffects = true
			report.RiskReason = fmt.Sprintf("agent SOL balance would drop to %.6f SOL (below 0.01 SOL floor)", float64(b.Lamports)/solana.LamportsPerSOL)
			break
		}
	}
	if !report.RiskyEffects {
		for _, c := range report.TokenChanges {
			if c.Delta < 0 && c.Owner == agent {
				report.RiskyEffects = true
				report.RiskReason = fmt.Sprintf("simulation shows negative token delta of %s on mint %s", strconv.FormatFloat(c.Delta, 'f', -1, 64), c.Mint)
				break
			}
		}
	}

	if len(report.TokenChanges) >= 2 && hints.ExpectedAmount > 0 {
		var in, out *TokenChange
		for i := range report.TokenChanges {
			c := &report.TokenChanges[i]
			if c.Owner != agent {
				continue
			}
			if out == nil && c.Delta > 0 {
				out = c
			}
			if in == nil && c.Delta < 0 {
				in = c
			}
		}
		if in != nil && out != nil {
			slippage := (hints.ExpectedAmount - math.Abs(out.Delta)) / hints.ExpectedAmount * 100
			report.SlippageActual = &slippage
			report.ExpectedDeltaViolation = math.Abs(slippage) > ExpectedDeltaTolerance
		}
	}
	return report
}

func tokenChanges(outcome *ledger.SimulationOutcome, agent string) []TokenChange {
	changes := []TokenChange{}
	if outcome.PreTokenBalances == nil || outcome.PostTokenBalances == nil {
		return changes
	}
	pre := make(map[int]ledger.TokenBalance, len(outcome.PreTokenBalances))
	for _, b := range outcome.PreTokenBalances {
		pre[b.AccountIndex] = b
	}
	for _, post := range outcome.PostTokenBalances {
		postAmt := parseAmount(post.Amount)
		var preAmt float64
		if b, ok := pre[post.AccountIndex]; ok {
			preAmt = parseAmount(b.Amount)
		}
		delta := postAmt - preAmt
		if delta == 0 {
			continue
		}
		owner := post.Owner
		if owner == "" {
			owner = agent
		}
		changes = append(changes, TokenChange{Mint: post.Mint, Delta: delta, Owner: owner})
	}
	return changes
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
