package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// Transaction is a serialized message plus its signature slots. It covers
// both locally compiled messages and prebuilt versioned transactions
// returned by external builders.
type Transaction struct {
	Signatures []Signature
	Message    []byte
	signers    []PublicKey
}

// NewTransaction wraps a compiled message with empty signature slots.
func NewTransaction(msg *Message) *Transaction {
	signers := append([]PublicKey(nil), msg.Signers()...)
	return &Transaction{
		Signatures: make([]Signature, len(signers)),
		Message:    msg.Serialize(),
		signers:    signers,
	}
}

// ParseTransaction decodes a wire transaction.
func ParseTransaction(raw []byte) (*Transaction, error) {
	count, off, err := readCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("decode signature count: %w", err)
	}
	if len(raw) < off+count*64 {
		return nil, errors.New("transaction signatures truncated")
	}
	tx := &Transaction{Signatures: make([]Signature, count)}
	for i := range tx.Signatures {
		copy(tx.Signatures[i][:], raw[off+i*64:off+(i+1)*64])
	}
	tx.Message = append([]byte(nil), raw[off+count*64:]...)
	tx.signers, err = parseMessageSigners(tx.Message)
	if err != nil {
		return nil, err
	}
	if len(tx.signers) != count {
		return nil, fmt.Errorf("transaction carries %d signatures for %d signers", count, len(tx.signers))
	}
	return tx, nil
}

// ParseTransactionBase64 decodes a base64 wire transaction.
func ParseTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	return ParseTransaction(raw)
}

// FeePayer returns the first required signer.
func (tx *Transaction) FeePayer() PublicKey {
	if len(tx.signers) == 0 {
		return PublicKey{}
	}
	return tx.signers[0]
}

// Signers returns the required signer keys in signature order.
func (tx *Transaction) Signers() []PublicKey {
	return append([]PublicKey(nil), tx.signers...)
}

// Sign fills the signature slot belonging to key. Signing for an account the
// message does not require is an error.
func (tx *Transaction) Sign(key ed25519.PrivateKey) error {
	pub := PublicKeyFromEd25519(key.Public().(ed25519.PublicKey))
	for i, signer := range tx.signers {
		if signer == pub {
			copy(tx.Signatures[i][:], ed25519.Sign(key, tx.Message))
			return nil
		}
	}
	return fmt.Errorf("%s is not a required signer", pub)
}

// Complete reports whether every signature slot is filled.
func (tx *Transaction) Complete() bool {
	for _, sig := range tx.Signatures {
		if sig.IsZero() {
			return false
		}
	}
	return len(tx.Signatures) > 0
}

// Verify checks every filled signature against the message.
func (tx *Transaction) Verify() error {
	for i, sig := range tx.Signatures {
		if sig.IsZero() {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(tx.signers[i][:]), tx.Message, sig[:]) {
			return fmt.Errorf("invalid signature for %s", tx.signers[i])
		}
	}
	return nil
}

// Serialize encodes the transaction in its wire format.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(appendCompactU16(nil, len(tx.Signatures)))
	for _, sig := range tx.Signatures {
		buf.Write(sig[:])
	}
	buf.Write(tx.Message)
	return buf.Bytes()
}

// Base64 returns the base64 wire encoding used by the JSON-RPC API.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

// ID returns the first signature, which the network uses as the
// transaction id.
func (tx *Transaction) ID() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return tx.Signatures[0].String()
}
