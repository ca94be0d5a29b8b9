// Package solrpc implements ledger.Adapter over the Solana JSON-RPC API and
// the Jupiter swap API.
package solrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

const (
	defaultCommitment  = "confirmed"
	defaultConfirmPoll = 500 * time.Millisecond
)

// Config describes how to reach the cluster and the swap aggregator.
type Config struct {
	RPCURL         string
	JupiterURL     string
	JupiterTimeout time.Duration
	Commitment     string
	ConfirmPoll    time.Duration
}

// Client implements ledger.Adapter.
type Client struct {
	rpc        *gethrpc.Client
	jupiter    *Jupiter
	commitment string
	poll       time.Duration
	log        *slog.Logger
	mu         sync.Mutex
}

var _ ledger.Adapter = (*Client)(nil)

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Solana 节点失败: %w", err)
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = defaultCommitment
	}
	poll := cfg.ConfirmPoll
	if poll <= 0 {
		poll = defaultConfirmPoll
	}
	return &Client{
		rpc:        rpcClient,
		jupiter:    NewJupiter(cfg.JupiterURL, cfg.JupiterTimeout),
		commitment: commitment,
		poll:       poll,
		log:        logger.Named("solrpc"),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	c.mu.Lock()
	client := c.rpc
	c.mu.Unlock()
	if client == nil {
		return errors.New("Solana 客户端已关闭")
	}
	if err := client.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

type blockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// LatestBlockhash implements ledger.Adapter.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var res blockhashResult
	if err := c.call(ctx, &res, "getLatestBlockhash", map[string]any{"commitment": c.commitment}); err != nil {
		return solana.Hash{}, err
	}
	return solana.ParseHash(res.Value.Blockhash)
}

type rpcTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

type simulateResult struct {
	Value struct {
		Err           json.RawMessage `json:"err"`
		Logs          []string        `json:"logs"`
		UnitsConsumed uint64          `json:"unitsConsumed"`
		Accounts      []*struct {
			Lamports uint64 `json:"lamports"`
		} `json:"accounts"`
		PreTokenBalances  []rpcTokenBalance `json:"preTokenBalances"`
		PostTokenBalances []rpcTokenBalance `json:"postTokenBalances"`
	} `json:"value"`
}

// Simulate implements ledger.Adapter. Signature verification is disabled
// and the blockhash replaced so unsigned transactions can be dry-run.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*ledger.SimulationOutcome, error) {
	addresses := make([]string, len(watch))
	for i, key := range watch {
		addresses[i] = key.String()
	}
	opts := map[string]any{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
		"commitment":             c.commitment,
		"accounts": map[string]any{
			"encoding":  "base64",
			"addresses": addresses,
		},
	}
	var res simulateResult
	if err := c.call(ctx, &res, "simulateTransaction", tx.Base64(), opts); err != nil {
		return nil, err
	}

	out := &ledger.SimulationOutcome{
		Logs:              res.Value.Logs,
		UnitsConsumed:     res.Value.UnitsConsumed,
		PreTokenBalances:  convertTokenBalances(res.Value.PreTokenBalances),
		PostTokenBalances: convertTokenBalances(res.Value.PostTokenBalances),
	}
	if len(res.Value.Err) > 0 && string(res.Value.Err) != "null" {
		out.Err = res.Value.Err
	}
	for i, acc := range res.Value.Accounts {
		if acc == nil {
			out.Accounts = append(out.Accounts, nil)
			continue
		}
		state := &ledger.AccountState{Lamports: acc.Lamports}
		if i < len(addresses) {
			state.Address = addresses[i]
		}
		out.Accounts = append(out.Accounts, state)
	}
	return out, nil
}

func convertTokenBalances(in []rpcTokenBalance) []ledger.TokenBalance {
	if in == nil {
		return nil
	}
	out := make([]ledger.TokenBalance, len(in))
	for i, b := range in {
		out[i] = ledger.TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       b.UITokenAmount.Amount,
		}
	}
	return out
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type statusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// Submit sends a fully signed transaction and polls until it reaches the
// configured commitment or ctx expires. It never resubmits. Once the node
// has accepted the transaction, failures still return a receipt carrying
// the signature.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (*ledger.Receipt, error) {
	if !tx.Complete() {
		return nil, errors.New("交易签名不完整")
	}
	var signature string
	opts := map[string]any{"encoding": "base64", "preflightCommitment": c.commitment}
	if err := c.call(ctx, &signature, "sendTransaction", tx.Base64(), opts); err != nil {
		return nil, err
	}
	c.log.Debug("transaction sent", slog.String("signature", signature))

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		var res statusesResult
		if err := c.call(ctx, &res, "getSignatureStatuses", []string{signature}); err != nil {
			return &ledger.Receipt{Signature: signature}, err
		}
		if len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if len(status.Err) > 0 && string(status.Err) != "null" {
				return &ledger.Receipt{Signature: signature, Slot: status.Slot}, fmt.Errorf("交易 %s 执行失败: %s", signature, string(status.Err))
			}
			if reached(status.ConfirmationStatus, c.commitment) {
				return &ledger.Receipt{Signature: signature, Slot: status.Slot}, nil
			}
		}
		select {
		case <-ctx.Done():
			return &ledger.Receipt{Signature: signature}, fmt.Errorf("等待交易 %s 确认超时: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

func reached(status, target string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[status] >= rank[target] && rank[status] > 0
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

// Balance implements ledger.Adapter and oracle.BalanceReader.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	if !solana.IsValidAddress(address) {
		return 0, fmt.Errorf("无效地址: %s", address)
	}
	var res balanceResult
	if err := c.call(ctx, &res, "getBalance", address, map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// BuildSwap implements ledger.Adapter through the Jupiter API.
func (c *Client) BuildSwap(ctx context.Context, req ledger.SwapRequest) (*ledger.SwapQuote, error) {
	return c.jupiter.BuildSwap(ctx, req)
}
