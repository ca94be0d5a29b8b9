package intent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

const accountMetaSchema = `{
	"type": "object",
	"required": ["pubkey", "isSigner", "isWritable"],
	"properties": {
		"pubkey": {"type": "string"},
		"isSigner": {"type": "boolean"},
		"isWritable": {"type": "boolean"}
	}
}`

var flashSchema = mustCompile("flash.json", `{
	"type": "object",
	"required": ["mint", "amount", "instructions"],
	"properties": {
		"mint": {"type": "string", "minLength": 32},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"instructions": {
			"type": "array",
			"minItems": 1,
			"maxItems": 10,
			"items": {
				"type": "object",
				"required": ["programId", "data", "accounts"],
				"properties": {
					"programId": {"type": "string"},
					"data": {"type": "string"},
					"accounts": {"type": "array", "items": `+accountMetaSchema+`}
				}
			}
		}
	}
}`)

var cpiSchema = mustCompile("cpi.json", `{
	"type": "object",
	"required": ["programId", "data", "accounts"],
	"properties": {
		"programId": {"type": "string", "minLength": 32},
		"data": {"type": "string"},
		"accounts": {"type": "array", "maxItems": 32, "items": `+accountMetaSchema+`}
	}
}`)

// AccountMetaParam 是调用方提供的账户描述。
type AccountMetaParam struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// InstructionParam 是调用方提供的序列化指令，data 为 base64。
type InstructionParam struct {
	ProgramID string             `json:"programId"`
	Data      string             `json:"data"`
	Accounts  []AccountMetaParam `json:"accounts"`
}

func (ix InstructionParam) check(prefix string) []FieldError {
	var fields []FieldError
	if fe := checkAddress(prefix+"/programId", ix.ProgramID); fe != nil {
		fields = append(fields, *fe)
	}
	if _, err := base64.StdEncoding.DecodeString(ix.Data); err != nil {
		fields = append(fields, FieldError{Field: prefix + "/data", Message: "data must be base64"})
	}
	for i, acc := range ix.Accounts {
		if fe := checkAddress(fmt.Sprintf("%s/accounts/%d/pubkey", prefix, i), acc.Pubkey); fe != nil {
			fields = append(fields, *fe)
		}
	}
	return fields
}

func (ix InstructionParam) instruction() (solana.Instruction, error) {
	program, err := solana.ParsePublicKey(ix.ProgramID)
	if err != nil {
		return solana.Instruction{}, err
	}
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return solana.Instruction{}, err
	}
	out := solana.Instruction{ProgramID: program, Data: data}
	for _, acc := range ix.Accounts {
		key, err := solana.ParsePublicKey(acc.Pubkey)
		if err != nil {
			return solana.Instruction{}, err
		}
		out.Accounts = append(out.Accounts, solana.AccountMeta{PublicKey: key, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable})
	}
	return out, nil
}

// FlashParams 是多指令捆绑参数。
type FlashParams struct {
	Mint         string             `json:"mint"`
	Amount       float64            `json:"amount"`
	Instructions []InstructionParam `json:"instructions"`
}

// IntentType 实现 Params。
func (FlashParams) IntentType() string { return TypeFlash }

// NotionalAmount 实现 Notional。
func (p FlashParams) NotionalAmount() (float64, string) { return p.Amount, ResolveMint(p.Mint) }

// FlashHandler 将调用方提供的指令打包为一笔版本化交易。
type FlashHandler struct{}

// NewFlashHandler 创建捆绑处理器。
func NewFlashHandler() *FlashHandler { return &FlashHandler{} }

// Validate 实现 Handler。
func (h *FlashHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode(TypeFlash, flashSchema, raw, func(p *FlashParams) []FieldError {
		var fields []FieldError
		if fe := checkAddress("/mint", p.Mint); fe != nil {
			fields = append(fields, *fe)
		}
		for i, ix := range p.Instructions {
			fields = append(fields, ix.check(fmt.Sprintf("/instructions/%d", i))...)
		}
		return fields
	})
	if err != nil {
		return nil, err
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。
func (h *FlashHandler) EstimateImpact(params Params) Impact {
	p, err := paramsAs[FlashParams](params)
	if err != nil {
		return Impact{}
	}
	return Impact{
		Mint:      p.Mint,
		RiskScore: int(math.Min(70+float64(len(p.Instructions))*2, 90)),
	}
}

// Build 实现 Handler。
func (h *FlashHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[FlashParams](params)
	if err != nil {
		return nil, err
	}
	instructions := make([]solana.Instruction, 0, len(p.Instructions))
	for _, param := range p.Instructions {
		ix, err := param.instruction()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "decode instruction")
		}
		instructions = append(instructions, ix)
	}
	tx, err := compileTransaction(ctx, req, solana.MessageV0, instructions...)
	if err != nil {
		return nil, err
	}
	return &Built{Transaction: tx}, nil
}

// CPIParams 是原始程序调用参数。
type CPIParams struct {
	InstructionParam
}

// IntentType 实现 Params。
func (CPIParams) IntentType() string { return TypeCPI }

// CPIHandler 构造单条原始程序调用。
type CPIHandler struct{}

// NewCPIHandler 创建原始调用处理器。
func NewCPIHandler() *CPIHandler { return &CPIHandler{} }

// Validate 实现 Handler。
func (h *CPIHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode(TypeCPI, cpiSchema, raw, func(p *CPIParams) []FieldError {
		return p.check("")
	})
	if err != nil {
		return nil, err
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。原始调用一律视为高风险。
func (h *CPIHandler) EstimateImpact(Params) Impact {
	return Impact{Mint: NativeMint, RiskScore: 90}
}

// Build 实现 Handler。
func (h *CPIHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[CPIParams](params)
	if err != nil {
		return nil, err
	}
	ix, err := p.instruction()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "decode instruction")
	}
	tx, err := compileTransaction(ctx, req, solana.MessageLegacy, ix)
	if err != nil {
		return nil, err
	}
	return &Built{Transaction: tx}, nil
}
