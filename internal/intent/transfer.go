package intent

import (
	"context"
	"encoding/json"
	"math"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// 内置意图类型。
const (
	TypeTransfer = "transfer"
	TypeSwap     = "swap"
	TypeStake    = "stake"
	TypeLend     = "lend"
	TypeFlash    = "flash"
	TypeCPI      = "cpi"
)

// NativeMint 表示原生资产。
const NativeMint = "SOL"

var transferSchema = mustCompile("transfer.json", `{
	"type": "object",
	"required": ["to", "amount"],
	"properties": {
		"to": {"type": "string", "minLength": 32},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"mint": {"type": "string"},
		"decimals": {"type": "integer", "minimum": 0, "maximum": 18}
	}
}`)

// TransferParams 是转账参数。
type TransferParams struct {
	To       string  `json:"to"`
	Amount   float64 `json:"amount"`
	Mint     string  `json:"mint"`
	Decimals int     `json:"decimals"`
}

// IntentType 实现 Params。
func (TransferParams) IntentType() string { return TypeTransfer }

// NotionalAmount 实现 Notional。
func (p TransferParams) NotionalAmount() (float64, string) { return p.Amount, p.Mint }

// TransferHandler 处理原生资产与 SPL 代币转账。
type TransferHandler struct{}

// NewTransferHandler 创建转账处理器。
func NewTransferHandler() *TransferHandler { return &TransferHandler{} }

// Validate 实现 Handler。
func (h *TransferHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode(TypeTransfer, transferSchema, raw, func(p *TransferParams) []FieldError {
		var fields []FieldError
		if fe := checkAddress("/to", p.To); fe != nil {
			fields = append(fields, *fe)
		}
		if p.Mint != "" && p.Mint != NativeMint {
			if fe := checkAddress("/mint", p.Mint); fe != nil {
				fields = append(fields, *fe)
			}
		}
		return fields
	})
	if err != nil {
		return nil, err
	}
	if p.Mint == "" {
		p.Mint = NativeMint
	}
	if !hasField(raw, "decimals") {
		p.Decimals = 6
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。
func (h *TransferHandler) EstimateImpact(params Params) Impact {
	p, err := paramsAs[TransferParams](params)
	if err != nil {
		return Impact{}
	}
	impact := Impact{
		Mint:      p.Mint,
		RiskScore: int(math.Round(5 + math.Min(p.Amount*10, 30))),
	}
	if p.Mint == NativeMint {
		impact.AmountSOL = p.Amount
	}
	return impact
}

// Build 实现 Handler。原生资产使用系统转账；代币转账幂等地创建收款方关联账户后再转账。
func (h *TransferHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[TransferParams](params)
	if err != nil {
		return nil, err
	}
	to, err := solana.ParsePublicKey(p.To)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "parse recipient")
	}

	var instructions []solana.Instruction
	if p.Mint == NativeMint {
		instructions = append(instructions, solana.SystemTransfer(req.Agent, to, toRawUnits(p.Amount, 9)))
	} else {
		mint, err := solana.ParsePublicKey(p.Mint)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "parse mint")
		}
		source, err := solana.AssociatedTokenAddress(req.Agent, mint)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "derive source token account")
		}
		dest, err := solana.AssociatedTokenAddress(to, mint)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "derive destination token account")
		}
		instructions = append(instructions,
			solana.CreateAssociatedTokenAccountIdempotent(req.Agent, dest, to, mint),
			solana.TokenTransfer(source, dest, req.Agent, toRawUnits(p.Amount, p.Decimals)),
		)
	}

	tx, err := compileTransaction(ctx, req, solana.MessageLegacy, instructions...)
	if err != nil {
		return nil, err
	}
	return &Built{Transaction: tx}, nil
}

func hasField(raw json.RawMessage, name string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ok := fields[name]
	return ok
}
