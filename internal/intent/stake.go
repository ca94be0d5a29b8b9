package intent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"math"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

var stakeSchema = mustCompile("stake.json", `{
	"type": "object",
	"required": ["amount", "voteAccount"],
	"properties": {
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"voteAccount": {"type": "string", "minLength": 32}
	}
}`)

// StakeParams 是质押参数。
type StakeParams struct {
	Amount      float64 `json:"amount"`
	VoteAccount string  `json:"voteAccount"`
}

// IntentType 实现 Params。
func (StakeParams) IntentType() string { return TypeStake }

// NotionalAmount 实现 Notional。
func (p StakeParams) NotionalAmount() (float64, string) { return p.Amount, NativeMint }

// StakeHandler 创建新的质押账户并委托给验证者。
type StakeHandler struct{}

// NewStakeHandler 创建质押处理器。
func NewStakeHandler() *StakeHandler { return &StakeHandler{} }

// Validate 实现 Handler。
func (h *StakeHandler) Validate(raw json.RawMessage) (Params, error) {
	p, err := decode(TypeStake, stakeSchema, raw, func(p *StakeParams) []FieldError {
		if fe := checkAddress("/voteAccount", p.VoteAccount); fe != nil {
			return []FieldError{*fe}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return *p, nil
}

// EstimateImpact 实现 Handler。
func (h *StakeHandler) EstimateImpact(params Params) Impact {
	p, err := paramsAs[StakeParams](params)
	if err != nil {
		return Impact{}
	}
	return Impact{
		AmountSOL: p.Amount,
		Mint:      NativeMint,
		RiskScore: int(math.Round(15 + math.Min(p.Amount*3, 20))),
	}
}

// Build 实现 Handler。新质押账户的密钥仅用于部分签名，不会被保存。
func (h *StakeHandler) Build(ctx context.Context, req BuildRequest, params Params) (*Built, error) {
	p, err := paramsAs[StakeParams](params)
	if err != nil {
		return nil, err
	}
	vote, err := solana.ParsePublicKey(p.VoteAccount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "parse vote account")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "generate stake keypair")
	}
	stake := solana.PublicKeyFromEd25519(pub)

	tx, err := compileTransaction(ctx, req, solana.MessageLegacy,
		solana.SystemCreateAccount(req.Agent, stake, toRawUnits(p.Amount, 9), solana.StakeAccountSpace, solana.StakeProgramID),
		solana.StakeInitialize(stake, req.Agent, req.Agent, req.Agent),
		solana.StakeDelegate(stake, req.Agent, vote),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(priv); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "sign stake account")
	}
	return &Built{Transaction: tx}, nil
}
