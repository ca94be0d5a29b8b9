package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// DefaultJupiterURL is the public Jupiter v6 endpoint.
const DefaultJupiterURL = "https://quote-api.jup.ag/v6"

// Jupiter builds swap transactions through the Jupiter quote and swap API.
type Jupiter struct {
	baseURL string
	client  *http.Client
}

// NewJupiter creates a Jupiter client.
func NewJupiter(baseURL string, timeout time.Duration) *Jupiter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultJupiterURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Jupiter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// BuildSwap fetches a quote, then asks Jupiter to assemble the swap
// transaction for req.User.
func (j *Jupiter) BuildSwap(ctx context.Context, req ledger.SwapRequest) (*ledger.SwapQuote, error) {
	query := url.Values{}
	query.Set("inputMint", req.InputMint)
	query.Set("outputMint", req.OutputMint)
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	quote, err := j.do(ctx, http.MethodGet, j.baseURL+"/quote?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote failed: %w", err)
	}
	var quoted struct {
		OutAmount string `json:"outAmount"`
	}
	if err := json.Unmarshal(quote, &quoted); err != nil {
		return nil, fmt.Errorf("decode jupiter quote: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"quoteResponse":             json.RawMessage(quote),
		"userPublicKey":             req.User.String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return nil, err
	}
	raw, err := j.do(ctx, http.MethodPost, j.baseURL+"/swap", body)
	if err != nil {
		return nil, fmt.Errorf("jupiter swap failed: %w", err)
	}
	var swap swapResponse
	if err := json.Unmarshal(raw, &swap); err != nil {
		return nil, fmt.Errorf("decode jupiter swap: %w", err)
	}
	tx, err := solana.ParseTransactionBase64(swap.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}

	out := &ledger.SwapQuote{Transaction: tx, Quote: json.RawMessage(quote)}
	if quoted.OutAmount != "" {
		if v, err := strconv.ParseUint(quoted.OutAmount, 10, 64); err == nil {
			out.OutAmount = v
		}
	}
	return out, nil
}

func (j *Jupiter) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
