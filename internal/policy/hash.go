package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// hashLength 是截断后的十六进制摘要长度。
const hashLength = 16

// HashPolicy 计算策略文档的内容哈希。
func HashPolicy(p Policy) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return hashCanonical(raw)
}

// HashUSDPolicy 计算 USD 策略文档的内容哈希。
func HashUSDPolicy(p USDPolicy) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode usd policy: %w", err)
	}
	return hashCanonical(raw)
}

// HashIntent 计算意图的内容哈希，规范形式为 {"type":T,"params":P}，P 按 RFC 8785 规范化。
func HashIntent(intentType string, params json.RawMessage) (string, error) {
	canonicalParams := []byte("{}")
	if len(bytes.TrimSpace(params)) > 0 && !bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		out, err := jcs.Transform(params)
		if err != nil {
			return "", fmt.Errorf("canonicalize intent params: %w", err)
		}
		canonicalParams = out
	}

	var typeBuf bytes.Buffer
	enc := json.NewEncoder(&typeBuf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(intentType); err != nil {
		return "", fmt.Errorf("encode intent type: %w", err)
	}

	var doc bytes.Buffer
	doc.WriteString(`{"type":`)
	doc.Write(bytes.TrimRight(typeBuf.Bytes(), "\n"))
	doc.WriteString(`,"params":`)
	doc.Write(canonicalParams)
	doc.WriteString("}")
	return digest(doc.Bytes()), nil
}

func hashCanonical(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return digest(canonical), nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:hashLength]
}
