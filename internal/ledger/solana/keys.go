package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32 byte ed25519 public key or program address.
type PublicKey [32]byte

// Hash is a 32 byte blockhash.
type Hash [32]byte

// Signature is a 64 byte ed25519 signature.
type Signature [64]byte

// Well known program and sysvar addresses.
var (
	SystemProgramID          = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	StakeProgramID           = MustPublicKey("Stake11111111111111111111111111111111111111")
	StakeConfigID            = MustPublicKey("StakeConfig11111111111111111111111111111111")
	MemoProgramID            = MustPublicKey("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	SysvarRentID             = MustPublicKey("SysvarRent111111111111111111111111111111111")
	SysvarClockID            = MustPublicKey("SysvarC1ock11111111111111111111111111111111")
	SysvarStakeHistoryID     = MustPublicKey("SysvarStakeHistory1111111111111111111111111")
)

// ParsePublicKey decodes a base58 encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 public key %q: %w", s, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid public key %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromEd25519 converts an ed25519 public key.
func PublicKeyFromEd25519(pub ed25519.PublicKey) PublicKey {
	var pk PublicKey
	copy(pk[:], pub)
	return pk
}

// IsValidAddress reports whether s decodes to a 32 byte key.
func IsValidAddress(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// IsZero reports whether the key is all zeroes.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

// MarshalJSON encodes the key as a base58 string.
func (pk PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(pk.String()) }

// UnmarshalJSON decodes a base58 string.
func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid blockhash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid blockhash %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

func (s Signature) String() string { return base58.Encode(s[:]) }

// IsZero reports whether the signature slot is still empty.
func (s Signature) IsZero() bool { return s == Signature{} }
