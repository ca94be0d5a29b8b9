package intent

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
)

// 常用 mint 地址。
const (
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

var knownMints = map[string]string{
	"SOL":  WrappedSOLMint,
	"USDC": USDCMint,
}

// ResolveMint 将符号映射为 mint 地址，未知符号原样返回。
func ResolveMint(symbol string) string {
	if mint, ok := knownMints[strings.ToUpper(symbol)]; ok {
		return mint
	}
	return symbol
}

var swapSchema = mustCompile("swap.json", `{
	"type": "object",
	"required": ["fromMint", "toMint", "amount"],
	"properties": {
		"fromMint": {"type": "string", "minLength": 1},
		"toMint": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"slippageBps": {"type": "integer", "minimum": 0, "maximum": 10000}
	}
}`)

// SwapParams 是兑换参数。
type SwapParams struct {
	FromMint string  `json:"fromMint"`
	ToMint   string  `json:"toMint"`
	Amount   float64 `json:"amount"`
	Slippage int     `json:"slippageBps"`
}

// IntentType 实现 Params。
func (SwapParams) IntentType() string { return TypeSwap }

// NotionalAmount 实现 Notional。
func (p SwapParams) NotionalAmount() (float64, string) { return p.Amount, ResolveMint(p.FromMint) }

// SlippageBps 实现 SlippageAware。
func (p SwapParams) SlippageBps() int { return p.Slippage }

// SwapHandler 通过聚合器构造兑换交易。
type SwapHandler struct{}

// NewSwapHandler 创建兑换处理器。
func NewSwapHandler() *SwapHandler { return &SwapHandler{} }

// Validate 实现 Handler。
func (h *SwapHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode[SwapParams](TypeSwap, swapSchema, raw, nil)
	if err != nil {
		return nil, err
	}
	if !hasField(raw, "slippageBps") {
		p.Slippage = 50
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。
func (h *SwapHandler) EstimateImpact(params Params) Impact {
	p, err := paramsAs[SwapParams](params)
	if err != nil {
		return Impact{}
	}
	impact := Impact{
		Mint:      p.FromMint,
		RiskScore: int(math.Round(20 + math.Min(float64(p.Slippage)/100, 20) + math.Min(p.Amount*5, 30))),
	}
	if ResolveMint(p.FromMint) == WrappedSOLMint {
		impact.AmountSOL = p.Amount
	}
	return impact
}

// Build 实现 Handler。输入为 SOL 时按 9 位精度换算，否则按 6 位。
func (h *SwapHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[SwapParams](params)
	if err != nil {
		return nil, err
	}
	if req.Ledger == nil {
		return nil, xerrors.New(xerrors.CodeBuildFailed, "ledger adapter is not configured")
	}
	from, to := ResolveMint(p.FromMint), ResolveMint(p.ToMint)
	decimals := 6
	if from == WrappedSOLMint {
		decimals = 9
	}
	quote, err := req.Ledger.BuildSwap(ctx, ledger.SwapRequest{
		InputMint:   from,
		OutputMint:  to,
		Amount:      toRawUnits(p.Amount, decimals),
		SlippageBps: p.Slippage,
		User:        req.Agent,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "build swap")
	}
	return &Built{
		Transaction:  quote.Transaction,
		ExpectedOut:  float64(quote.OutAmount),
		ExpectedMint: to,
	}, nil
}
