package policy

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/spend"
)

// Engine 针对单个智能体执行原生资产策略检查。
type Engine struct {
	agentID string
	policy  Policy
	today   spend.Record
	now     time.Time
}

// NewEngine 基于策略文档、当日支出快照与当前时间构造检查器。
func NewEngine(agentID string, p Policy, today spend.Record, now time.Time) *Engine {
	return &Engine{agentID: agentID, policy: p, today: today, now: now}
}

// Policy 返回正在生效的策略。
func (e *Engine) Policy() Policy { return e.policy }

// CheckIntentType 检查意图类型是否在白名单内。
func (e *Engine) CheckIntentType(intentType string) *Violation {
	if slices.Contains(e.policy.AllowedIntents, intentType) {
		return nil
	}
	return &Violation{
		Code:    CodeIntentNotAllowed,
		Message: fmt.Sprintf("intent type %q is not in allowedIntents: [%s]", intentType, strings.Join(e.policy.AllowedIntents, ", ")),
	}
}

// CheckMint 检查资产是否在白名单内。
func (e *Engine) CheckMint(mint string) *Violation {
	if slices.Contains(e.policy.AllowedMints, mint) {
		return nil
	}
	return &Violation{
		Code:    CodeMintNotAllowed,
		Message: fmt.Sprintf("mint %q is not in allowedMints: [%s]", mint, strings.Join(e.policy.AllowedMints, ", ")),
	}
}

// CheckTxAmount 检查单笔金额上限。
func (e *Engine) CheckTxAmount(amountSOL float64) *Violation {
	if amountSOL <= e.policy.MaxTxAmountSOL {
		return nil
	}
	return &Violation{
		Code:    CodeAmountExceedsTxCap,
		Message: fmt.Sprintf("amount %s SOL exceeds maxTxAmountSOL %s", formatNumber(amountSOL), formatNumber(e.policy.MaxTxAmountSOL)),
	}
}

// CheckDailySpend 检查当日累计支出加上本次金额是否超过日限额。
func (e *Engine) CheckDailySpend(amountSOL float64) *Violation {
	projected := e.today.TotalSpentSOL + amountSOL
	if projected <= e.policy.DailySpendLimitSOL {
		return nil
	}
	return &Violation{
		Code:    CodeDailySpendExceeded,
		Message: fmt.Sprintf("projected daily spend %.4f SOL exceeds limit %s SOL", projected, formatNumber(e.policy.DailySpendLimitSOL)),
	}
}

// CheckSlippage 检查兑换类意图的滑点容忍度。
func (e *Engine) CheckSlippage(slippageBps int) *Violation {
	if slippageBps <= e.policy.MaxSlippageBps {
		return nil
	}
	return &Violation{
		Code:    CodeSlippageTooHigh,
		Message: fmt.Sprintf("slippage %d bps exceeds maxSlippageBps %d", slippageBps, e.policy.MaxSlippageBps),
	}
}

// CheckCooldown 检查距离上次活动是否已超过冷却期；未设置冷却期或无历史活动时跳过。
func (e *Engine) CheckCooldown(lastActivity *time.Time) *Violation {
	if e.policy.CooldownMs == nil || *e.policy.CooldownMs <= 0 || lastActivity == nil || lastActivity.IsZero() {
		return nil
	}
	cooldown := time.Duration(*e.policy.CooldownMs) * time.Millisecond
	elapsed := e.now.Sub(*lastActivity)
	if elapsed >= cooldown {
		return nil
	}
	remaining := int64(math.Ceil((cooldown - elapsed).Seconds()))
	return &Violation{
		Code:    CodeCooldownActive,
		Message: fmt.Sprintf("agent is in cooldown, %ds remaining", remaining),
	}
}

// CheckRiskScore 检查意图风险评分；未设置上限时跳过。
func (e *Engine) CheckRiskScore(riskScore int) *Violation {
	if e.policy.MaxRiskScore == nil || riskScore <= *e.policy.MaxRiskScore {
		return nil
	}
	return &Violation{
		Code:    CodeRiskScoreTooHigh,
		Message: fmt.Sprintf("intent risk score %d exceeds maxRiskScore %d", riskScore, *e.policy.MaxRiskScore),
	}
}

// Enforce 汇总所有非空违规，存在违规时返回携带完整列表的 POLICY_VIOLATION 错误。
func (e *Engine) Enforce(violations ...*Violation) error {
	return enforce(xerrors.CodePolicyViolation, violations)
}

func enforce(code xerrors.Code, violations []*Violation) error {
	actual := make([]Violation, 0, len(violations))
	for _, v := range violations {
		if v != nil {
			actual = append(actual, *v)
		}
	}
	if len(actual) == 0 {
		return nil
	}
	parts := make([]string, len(actual))
	for i, v := range actual {
		parts[i] = fmt.Sprintf("[%s] %s", v.Code, v.Message)
	}
	return xerrors.New(code, strings.Join(parts, "; "), xerrors.WithDetails(actual))
}

// ViolationsOf 从 Enforce 返回的错误中取出违规列表。
func ViolationsOf(err error) []Violation {
	e, ok := xerrors.From(err)
	if !ok {
		return nil
	}
	if list, ok := e.Details().([]Violation); ok {
		return list
	}
	return nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
