package intent

import (
	"context"
	"encoding/json"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

var lendSchema = mustCompile("lend.json", `{
	"type": "object",
	"required": ["protocol", "mint", "amount"],
	"properties": {
		"protocol": {"enum": ["marginfi", "solend"]},
		"mint": {"type": "string", "minLength": 32},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"decimals": {"type": "integer", "minimum": 0, "maximum": 18}
	}
}`)

// LendParams 是借贷存款参数。
type LendParams struct {
	Protocol string  `json:"protocol"`
	Mint     string  `json:"mint"`
	Amount   float64 `json:"amount"`
	Decimals int     `json:"decimals"`
}

// IntentType 实现 Params。
func (LendParams) IntentType() string { return TypeLend }

// NotionalAmount 实现 Notional。
func (p LendParams) NotionalAmount() (float64, string) { return p.Amount, ResolveMint(p.Mint) }

// LendHandler 以 memo 指令记录借贷存款。
type LendHandler struct{}

// NewLendHandler 创建借贷处理器。
func NewLendHandler() *LendHandler { return &LendHandler{} }

// Validate 实现 Handler。
func (h *LendHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode(TypeLend, lendSchema, raw, func(p *LendParams) []FieldError {
		if fe := checkAddress("/mint", p.Mint); fe != nil {
			return []FieldError{*fe}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasField(raw, "decimals") {
		p.Decimals = 6
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。
func (h *LendHandler) EstimateImpact(params Params) Impact {
	p, err := paramsAs[LendParams](params)
	if err != nil {
		return Impact{}
	}
	return Impact{Mint: p.Mint, RiskScore: 15}
}

type lendMemo struct {
	Op       string `json:"op"`
	Protocol string `json:"protocol"`
	Mint     string `json:"mint"`
	Amount   uint64 `json:"amount"`
}

// Build 实现 Handler。
func (h *LendHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[LendParams](params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(lendMemo{
		Op:       "lend_deposit",
		Protocol: p.Protocol,
		Mint:     p.Mint,
		Amount:   toRawUnits(p.Amount, p.Decimals),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "encode memo")
	}
	tx, err := compileTransaction(ctx, req, solana.MessageLegacy, solana.Memo(req.Agent, payload))
	if err != nil {
		return nil, err
	}
	return &Built{Transaction: tx}, nil
}
