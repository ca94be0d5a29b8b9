package policy

import (
	"fmt"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/spend"
)

// USDEngine 针对单个智能体执行美元计价的策略检查。
type USDEngine struct {
	agentID string
	policy  USDPolicy
	today   spend.Record
}

// NewUSDEngine 基于 USD 策略和当日支出快照构造检查器。
func NewUSDEngine(agentID string, p USDPolicy, today spend.Record) *USDEngine {
	return &USDEngine{agentID: agentID, policy: p, today: today}
}

// CheckTxUSD 检查单笔交易的美元价值。
func (e *USDEngine) CheckTxUSD(usdValue float64) *Violation {
	limit := e.policy.MaxTransactionUSD
	if limit == nil || usdValue <= *limit {
		return nil
	}
	return &Violation{
		Code:    CodeTxUSDExceedsCap,
		Message: fmt.Sprintf("transaction value $%.2f exceeds maxTransactionUSD $%.2f", usdValue, *limit),
	}
}

// CheckDailyUSD 检查当日美元敞口加上本次交易是否超限。
func (e *USDEngine) CheckDailyUSD(usdValue float64) *Violation {
	limit := e.policy.MaxDailyExposureUSD
	if limit == nil {
		return nil
	}
	projected := e.today.TotalSpentUSD + usdValue
	if projected <= *limit {
		return nil
	}
	return &Violation{
		Code:    CodeDailyUSDLimitExceeded,
		Message: fmt.Sprintf("projected daily USD exposure $%.2f exceeds maxDailyExposureUSD $%.2f", projected, *limit),
	}
}

// CheckPortfolioExposure 检查交易占组合价值的比例；组合价值为 0 时跳过。
func (e *USDEngine) CheckPortfolioExposure(usdValue, portfolioUSD float64) *Violation {
	maxPct := e.policy.MaxPortfolioExposurePercentage
	if maxPct == nil || portfolioUSD == 0 {
		return nil
	}
	pct := usdValue / portfolioUSD * 100
	if pct <= *maxPct {
		return nil
	}
	return &Violation{
		Code:    CodePortfolioExposureTooHigh,
		Message: fmt.Sprintf("transaction is %.1f%% of portfolio, exceeds maxPortfolioExposurePercentage %s%%", pct, formatNumber(*maxPct)),
	}
}

// CheckDrawdown 检查组合相对历史峰值的回撤；尚无峰值记录时跳过。
func (e *USDEngine) CheckDrawdown(currentPortfolioUSD, peakPortfolioUSD float64) *Violation {
	limit := e.policy.MaxDrawdownUSD
	if limit == nil || peakPortfolioUSD == 0 {
		return nil
	}
	drawdown := peakPortfolioUSD - currentPortfolioUSD
	if drawdown <= *limit {
		return nil
	}
	return &Violation{
		Code:    CodeDrawdownLimitExceeded,
		Message: fmt.Sprintf("portfolio drawdown $%.2f exceeds maxDrawdownUSD $%.2f", drawdown, *limit),
	}
}

// Enforce 汇总所有非空违规，存在违规时返回 USD_POLICY_VIOLATION 错误。
func (e *USDEngine) Enforce(violations ...*Violation) error {
	return enforce(xerrors.CodeUSDPolicyViolation, violations)
}
