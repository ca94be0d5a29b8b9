package intent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

const (
	recipient = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	vote      = "Vote111111111111111111111111111111111111111"
)

var agentKey = solana.MustPublicKey("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")

func TestResolveUnknownListsKnownTypes(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Resolve("teleport")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if !strings.Contains(err.Error(), "cpi, flash, lend, stake, swap, transfer") {
		t.Fatalf("known types missing from error: %v", err)
	}
	if diff := cmp.Diff([]string{"cpi", "flash", "lend", "stake", "swap", "transfer"}, r.Types()); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterCustomHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", NewLendHandler())
	if _, err := r.Resolve("noop"); err != nil {
		t.Fatalf("resolve custom handler: %v", err)
	}
}

func TestTransferValidationListsEveryField(t *testing.T) {
	_, err := NewTransferHandler().Validate(json.RawMessage(`{"to":"short","amount":-1,"decimals":40}`))
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	e, _ := xerrors.From(err)
	fields, ok := e.Details().([]FieldError)
	if !ok {
		t.Fatalf("expected field errors, got %#v", e.Details())
	}
	seen := map[string]bool{}
	for _, f := range fields {
		seen[f.Field] = true
	}
	for _, want := range []string{"/to", "/amount", "/decimals"} {
		if !seen[want] {
			t.Fatalf("missing field %s in %+v", want, fields)
		}
	}
}

func TestTransferDefaultsAndImpact(t *testing.T) {
	h := NewTransferHandler()
	p, err := h.Validate(json.RawMessage(`{"to":"` + recipient + `","amount":1.5}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	tp := p.(TransferParams)
	if tp.Mint != NativeMint || tp.Decimals != 6 {
		t.Fatalf("defaults not applied: %+v", tp)
	}
	if got := h.EstimateImpact(p); got != (Impact{AmountSOL: 1.5, Mint: "SOL", RiskScore: 20}) {
		t.Fatalf("unexpected impact %+v", got)
	}

	token, err := h.Validate(json.RawMessage(`{"to":"` + recipient + `","amount":10,"mint":"` + USDCMint + `","decimals":0}`))
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if token.(TransferParams).Decimals != 0 {
		t.Fatalf("explicit zero decimals must be kept")
	}
	if got := h.EstimateImpact(token); got.AmountSOL != 0 || got.RiskScore != 35 {
		t.Fatalf("unexpected token impact %+v", got)
	}
}

func TestTransferBuildNativeAndToken(t *testing.T) {
	h := NewTransferHandler()
	stub := &ledger.Stub{}
	req := BuildRequest{Agent: agentKey, Ledger: stub}

	p, _ := h.Validate(json.RawMessage(`{"to":"` + recipient + `","amount":0.25}`))
	built, err := h.Build(context.Background(), req, p)
	if err != nil {
		t.Fatalf("build native: %v", err)
	}
	if built.Transaction.FeePayer() != agentKey || len(built.Transaction.Signatures) != 1 {
		t.Fatalf("unexpected native transaction")
	}

	p, _ = h.Validate(json.RawMessage(`{"to":"` + recipient + `","amount":2,"mint":"` + USDCMint + `"}`))
	if _, err := h.Build(context.Background(), req, p); err != nil {
		t.Fatalf("build token: %v", err)
	}
}

func TestBuildFailsWhenLedgerFails(t *testing.T) {
	stub := &ledger.Stub{BlockhashFunc: func(context.Context) (solana.Hash, error) {
		return solana.Hash{}, stdErrors.New("rpc down")
	}}
	h := NewLendHandler()
	p, err := h.Validate(json.RawMessage(`{"protocol":"solend","mint":"` + USDCMint + `","amount":3}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	_, err = h.Build(context.Background(), BuildRequest{Agent: agentKey, Ledger: stub}, p)
	if xerrors.CodeOf(err) != xerrors.CodeBuildFailed {
		t.Fatalf("expected BUILD_FAILED, got %v", err)
	}
}

func TestSwapImpactSlippageAndBuild(t *testing.T) {
	h := NewSwapHandler()
	p, err := h.Validate(json.RawMessage(`{"fromMint":"sol","toMint":"USDC","amount":2}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s, ok := p.(SlippageAware); !ok || s.SlippageBps() != 50 {
		t.Fatalf("expected default slippage 50")
	}
	if got := h.EstimateImpact(p); got != (Impact{AmountSOL: 2, Mint: "sol", RiskScore: 31}) {
		t.Fatalf("unexpected impact %+v", got)
	}

	var seen ledger.SwapRequest
	stub := &ledger.Stub{SwapFunc: func(_ context.Context, req ledger.SwapRequest) (*ledger.SwapQuote, error) {
		seen = req
		msg, _ := solana.CompileMessage(req.User, solana.Hash{1}, []solana.Instruction{solana.Memo(req.User, []byte("swap"))})
		return &ledger.SwapQuote{Transaction: solana.NewTransaction(msg), OutAmount: 300_000_000}, nil
	}}
	built, err := h.Build(context.Background(), BuildRequest{Agent: agentKey, Ledger: stub}, p)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if seen.InputMint != WrappedSOLMint || seen.OutputMint != USDCMint || seen.Amount != 2_000_000_000 {
		t.Fatalf("unexpected swap request %+v", seen)
	}
	if built.ExpectedOut != 300_000_000 || built.ExpectedMint != USDCMint {
		t.Fatalf("expected output hint missing: %+v", built)
	}
}

func TestStakePartiallySigned(t *testing.T) {
	h := NewStakeHandler()
	p, err := h.Validate(json.RawMessage(`{"amount":1,"voteAccount":"` + vote + `"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := h.EstimateImpact(p); got.RiskScore != 18 || got.AmountSOL != 1 {
		t.Fatalf("unexpected impact %+v", got)
	}
	built, err := h.Build(context.Background(), BuildRequest{Agent: agentKey, Ledger: &ledger.Stub{}}, p)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx := built.Transaction
	if len(tx.Signatures) != 2 || !tx.Signatures[0].IsZero() || tx.Signatures[1].IsZero() {
		t.Fatalf("expected only the stake account signature to be present")
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("stake signature invalid: %v", err)
	}
}

func TestFlashAndCPI(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	ix := `{"programId":"` + solana.MemoProgramID.String() + `","data":"` + data + `","accounts":[{"pubkey":"` + recipient + `","isSigner":false,"isWritable":true}]}`

	flash := NewFlashHandler()
	p, err := flash.Validate(json.RawMessage(`{"mint":"` + USDCMint + `","amount":5,"instructions":[` + ix + `,` + ix + `]}`))
	if err != nil {
		t.Fatalf("validate flash: %v", err)
	}
	if got := flash.EstimateImpact(p); got.RiskScore != 74 || got.AmountSOL != 0 {
		t.Fatalf("unexpected flash impact %+v", got)
	}
	built, err := flash.Build(context.Background(), BuildRequest{Agent: agentKey, Ledger: &ledger.Stub{}}, p)
	if err != nil {
		t.Fatalf("build flash: %v", err)
	}
	if built.Transaction.Message[0] != 0x80 {
		t.Fatalf("flash bundle should be a versioned message")
	}
	if _, err := flash.Validate(json.RawMessage(`{"mint":"` + USDCMint + `","amount":5,"instructions":[]}`)); err == nil {
		t.Fatalf("empty bundle must be rejected")
	}

	cpi := NewCPIHandler()
	p, err = cpi.Validate(json.RawMessage(ix))
	if err != nil {
		t.Fatalf("validate cpi: %v", err)
	}
	if got := cpi.EstimateImpact(p); got != (Impact{Mint: "SOL", RiskScore: 90}) {
		t.Fatalf("unexpected cpi impact %+v", got)
	}
	if _, err := cpi.Validate(json.RawMessage(`{"programId":"` + recipient + `","data":"***","accounts":[]}`)); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected invalid base64 to fail validation, got %v", err)
	}
}

func TestLendRejectsUnknownProtocol(t *testing.T) {
	_, err := NewLendHandler().Validate(json.RawMessage(`{"protocol":"aave","mint":"` + USDCMint + `","amount":1}`))
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
