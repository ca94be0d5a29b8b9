package policy

import (
	"slices"
	"strings"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
)

// ViolationCode 是每个检查维度独有的机器可读代码。
type ViolationCode string

// 原生资产策略的违规代码。
const (
	CodeIntentNotAllowed   ViolationCode = "INTENT_NOT_ALLOWED"
	CodeMintNotAllowed     ViolationCode = "MINT_NOT_ALLOWED"
	CodeAmountExceedsTxCap ViolationCode = "AMOUNT_EXCEEDS_TX_CAP"
	CodeDailySpendExceeded ViolationCode = "DAILY_SPEND_LIMIT_EXCEEDED"
	CodeSlippageTooHigh    ViolationCode = "SLIPPAGE_TOO_HIGH"
	CodeCooldownActive     ViolationCode = "COOLDOWN_ACTIVE"
	CodeRiskScoreTooHigh   ViolationCode = "RISK_SCORE_TOO_HIGH"
)

// USD 策略的违规代码。
const (
	CodeTxUSDExceedsCap          ViolationCode = "TX_USD_EXCEEDS_CAP"
	CodeDailyUSDLimitExceeded    ViolationCode = "DAILY_USD_LIMIT_EXCEEDED"
	CodePortfolioExposureTooHigh ViolationCode = "PORTFOLIO_EXPOSURE_TOO_HIGH"
	CodeDrawdownLimitExceeded    ViolationCode = "DRAWDOWN_LIMIT_EXCEEDED"
)

// Violation 描述一次未通过的检查。
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

// Policy 是以原生资产计价的限额文档。
type Policy struct {
	AllowedIntents     []string `json:"allowedIntents"`
	AllowedMints       []string `json:"allowedMints"`
	MaxTxAmountSOL     float64  `json:"maxTxAmountSOL"`
	DailySpendLimitSOL float64  `json:"dailySpendLimitSOL"`
	MaxSlippageBps     int      `json:"maxSlippageBps"`
	RequireSimulation  bool     `json:"requireSimulation"`
	CooldownMs         *int64   `json:"cooldownMs,omitempty"`
	MaxRiskScore       *int     `json:"maxRiskScore,omitempty"`
}

// Patch 是客户端提交的部分策略，未填写的字段沿用基准策略。
type Patch struct {
	AllowedIntents     []string `json:"allowedIntents,omitempty"`
	AllowedMints       []string `json:"allowedMints,omitempty"`
	MaxTxAmountSOL     *float64 `json:"maxTxAmountSOL,omitempty"`
	DailySpendLimitSOL *float64 `json:"dailySpendLimitSOL,omitempty"`
	MaxSlippageBps     *int     `json:"maxSlippageBps,omitempty"`
	RequireSimulation  *bool    `json:"requireSimulation,omitempty"`
	CooldownMs         *int64   `json:"cooldownMs,omitempty"`
	MaxRiskScore       *int     `json:"maxRiskScore,omitempty"`
}

// USDPolicy 是以美元计价的可选限额，缺省字段对应的检查会被跳过。
type USDPolicy struct {
	MaxTransactionUSD              *float64 `json:"maxTransactionUSD,omitempty"`
	MaxDailyExposureUSD            *float64 `json:"maxDailyExposureUSD,omitempty"`
	MaxPortfolioExposurePercentage *float64 `json:"maxPortfolioExposurePercentage,omitempty"`
	MaxDrawdownUSD                 *float64 `json:"maxDrawdownUSD,omitempty"`
}

// DefaultPolicy 返回新建智能体使用的默认策略。
func DefaultPolicy() Policy {
	return Policy{
		AllowedIntents:     []string{"transfer", "swap"},
		AllowedMints:       []string{"SOL", "USDC"},
		MaxTxAmountSOL:     1,
		DailySpendLimitSOL: 5,
		MaxSlippageBps:     100,
		RequireSimulation:  true,
	}
}

// Apply 将补丁覆盖到基准策略上并返回新的策略。
func (p Patch) Apply(base Policy) Policy {
	out := base.Clone()
	if p.AllowedIntents != nil {
		out.AllowedIntents = slices.Clone(p.AllowedIntents)
	}
	if p.AllowedMints != nil {
		out.AllowedMints = slices.Clone(p.AllowedMints)
	}
	if p.MaxTxAmountSOL != nil {
		out.MaxTxAmountSOL = *p.MaxTxAmountSOL
	}
	if p.DailySpendLimitSOL != nil {
		out.DailySpendLimitSOL = *p.DailySpendLimitSOL
	}
	if p.MaxSlippageBps != nil {
		out.MaxSlippageBps = *p.MaxSlippageBps
	}
	if p.RequireSimulation != nil {
		out.RequireSimulation = *p.RequireSimulation
	}
	if p.CooldownMs != nil {
		v := *p.CooldownMs
		out.CooldownMs = &v
	}
	if p.MaxRiskScore != nil {
		v := *p.MaxRiskScore
		out.MaxRiskScore = &v
	}
	return out
}

// Validate 检查补丁中的数值是否合法。
func (p Patch) Validate() error {
	var problems []string
	if p.MaxTxAmountSOL != nil && *p.MaxTxAmountSOL <= 0 {
		problems = append(problems, "maxTxAmountSOL must be positive")
	}
	if p.DailySpendLimitSOL != nil && *p.DailySpendLimitSOL <= 0 {
		problems = append(problems, "dailySpendLimitSOL must be positive")
	}
	if p.MaxSlippageBps != nil && (*p.MaxSlippageBps < 0 || *p.MaxSlippageBps > 10000) {
		problems = append(problems, "maxSlippageBps must be between 0 and 10000")
	}
	if p.CooldownMs != nil && *p.CooldownMs < 0 {
		problems = append(problems, "cooldownMs must not be negative")
	}
	if p.MaxRiskScore != nil && (*p.MaxRiskScore < 0 || *p.MaxRiskScore > 100) {
		problems = append(problems, "maxRiskScore must be between 0 and 100")
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeValidation, strings.Join(problems, ", "), xerrors.WithDetails(problems))
	}
	return nil
}

// Validate 检查 USD 策略中的数值是否合法。
func (p USDPolicy) Validate() error {
	var problems []string
	check := func(name string, v *float64) {
		if v != nil && *v < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	check("maxTransactionUSD", p.MaxTransactionUSD)
	check("maxDailyExposureUSD", p.MaxDailyExposureUSD)
	check("maxPortfolioExposurePercentage", p.MaxPortfolioExposurePercentage)
	check("maxDrawdownUSD", p.MaxDrawdownUSD)
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeValidation, strings.Join(problems, ", "), xerrors.WithDetails(problems))
	}
	return nil
}

// Clone 返回策略的深拷贝。
func (p Policy) Clone() Policy {
	out := p
	out.AllowedIntents = slices.Clone(p.AllowedIntents)
	out.AllowedMints = slices.Clone(p.AllowedMints)
	if p.CooldownMs != nil {
		v := *p.CooldownMs
		out.CooldownMs = &v
	}
	if p.MaxRiskScore != nil {
		v := *p.MaxRiskScore
		out.MaxRiskScore = &v
	}
	return out
}
