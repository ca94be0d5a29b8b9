package keystore

import (
	"encoding/base64"
	"testing"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

func TestNewRejectsEmptyPassphrase(t *testing.T) {
	if _, err := New(""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestEncryptLayoutAndRoundTrip(t *testing.T) {
	ks, err := New("correct horse battery staple")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plain := []byte("secret material")
	blob, err := ks.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("blob is not base64: %v", err)
	}
	if len(raw) != saltLen+ivLen+tagLen+len(plain) {
		t.Fatalf("unexpected blob length %d", len(raw))
	}
	got, err := ks.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	other, _ := New("wrong")
	if _, err := other.Decrypt(blob); xerrors.CodeOf(err) != xerrors.CodeForbidden {
		t.Fatalf("expected forbidden for wrong passphrase, got %v", err)
	}
	if _, err := ks.Decrypt("AAAA"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected truncated blob error, got %v", err)
	}
}

func TestGeneratedSignerSignsTransactions(t *testing.T) {
	ks, _ := New("passphrase")
	pub, blob, err := ks.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := ks.Signer(blob)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.PublicKey() != pub {
		t.Fatalf("signer key %s does not match generated %s", signer.PublicKey(), pub)
	}

	recipient := solana.MustPublicKey("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	msg, err := solana.CompileMessage(pub, solana.Hash{1}, []solana.Instruction{solana.SystemTransfer(pub, recipient, 1000)})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tx := solana.NewTransaction(msg)
	if err := signer.SignTransaction(tx); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !tx.Complete() {
		t.Fatalf("transaction should be fully signed")
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestAPIKeyHashing(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(key))
	}
	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyAPIKey(hash, key) {
		t.Fatalf("valid key rejected")
	}
	if VerifyAPIKey(hash, key+"x") || VerifyAPIKey("", key) {
		t.Fatalf("invalid key accepted")
	}
}
