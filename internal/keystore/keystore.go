// Package keystore 负责智能体私钥的加密存储、签名器构造以及 API 凭证。
//
// 私钥以 AES-256-GCM 加密，密钥由口令经 scrypt(N=16384, r=8, p=1) 派生；
// 密文格式为 base64(salt[32] ‖ iv[12] ‖ tag[16] ‖ ciphertext)。
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

const (
	saltLen = 32
	ivLen   = 12
	tagLen  = 16
	keyLen  = 32

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Keystore 使用口令加解密私钥。
type Keystore struct {
	passphrase []byte
}

// New 创建 Keystore，空口令会被拒绝。
func New(passphrase string) (*Keystore, error) {
	if passphrase == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore passphrase must not be empty")
	}
	return &Keystore{passphrase: []byte(passphrase)}, nil
}

// Generate 生成新的 ed25519 密钥对，返回公钥与加密后的私钥。
func (k *Keystore) Generate() (solana.PublicKey, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return solana.PublicKey{}, "", fmt.Errorf("generate keypair: %w", err)
	}
	blob, err := k.Encrypt(priv)
	if err != nil {
		return solana.PublicKey{}, "", err
	}
	return solana.PublicKeyFromEd25519(pub), blob, nil
}

// Encrypt 加密任意明文。
func (k *Keystore) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	aead, err := k.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, saltLen+ivLen+tagLen+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt 解密 Encrypt 生成的密文。
func (k *Keystore) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode encrypted key")
	}
	if len(raw) < saltLen+ivLen+tagLen {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "encrypted key is truncated")
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : saltLen+ivLen+tagLen]
	ciphertext := raw[saltLen+ivLen+tagLen:]

	aead, err := k.aead(salt)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeForbidden, err, "decrypt key: wrong passphrase or corrupted blob")
	}
	return plain, nil
}

func (k *Keystore) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(k.passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Signer 解密私钥并返回签名器。
func (k *Keystore) Signer(blob string) (ledger.Signer, error) {
	plain, err := k.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "decrypted key has %d bytes", len(plain))
	}
	return NewKeySigner(ed25519.PrivateKey(plain)), nil
}

// KeySigner 用内存中的私钥签名。
type KeySigner struct {
	priv ed25519.PrivateKey
	pub  solana.PublicKey
}

var _ ledger.Signer = (*KeySigner)(nil)

// NewKeySigner 包装 ed25519 私钥。
func NewKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv, pub: solana.PublicKeyFromEd25519(priv.Public().(ed25519.PublicKey))}
}

// PublicKey 实现 ledger.Signer。
func (s *KeySigner) PublicKey() solana.PublicKey { return s.pub }

// SignTransaction 实现 ledger.Signer。
func (s *KeySigner) SignTransaction(tx *solana.Transaction) error {
	return tx.Sign(s.priv)
}
