package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SOLMint 是 wrapped SOL 的 mint 地址。
const SOLMint = "So11111111111111111111111111111111111111112"

// Feed 是单个价格源。
type Feed interface {
	Name() string
	PriceUSD(ctx context.Context, asset string) (float64, error)
}

var (
	defaultPythFeeds = map[string]string{
		SOLMint: "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "0xeaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
		"SOL":  "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
		"USDC": "0xeaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
	}
	defaultCoinGeckoIDs = map[string]string{
		SOLMint: "solana",
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "usd-coin",
		"SOL":  "solana",
		"USDC": "usd-coin",
	}
)

// lookup 先按大写符号查找，再按原始 mint 地址查找。
func lookup(table map[string]string, asset string) (string, bool) {
	if v, ok := table[strings.ToUpper(asset)]; ok {
		return v, true
	}
	v, ok := table[asset]
	return v, ok
}

// PythFeed 通过 Pyth Hermes 获取最新价格。
type PythFeed struct {
	baseURL string
	client  *http.Client
	feeds   map[string]string
}

// NewPythFeed 创建 Pyth 价格源；timeout<=0 时使用 5 秒。
func NewPythFeed(baseURL string, timeout time.Duration) *PythFeed {
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PythFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		feeds:   defaultPythFeeds,
	}
}

// Name 实现 Feed。
func (p *PythFeed) Name() string { return "pyth" }

type pythResponse struct {
	Parsed []struct {
		Price struct {
			Price string `json:"price"`
			Expo  int    `json:"expo"`
		} `json:"price"`
	} `json:"parsed"`
}

// PriceUSD 实现 Feed，价格为 price × 10^expo。
func (p *PythFeed) PriceUSD(ctx context.Context, asset string) (float64, error) {
	feedID, ok := lookup(p.feeds, asset)
	if !ok {
		return 0, fmt.Errorf("no pyth feed for mint: %s", asset)
	}
	endpoint := fmt.Sprintf("%s/v2/updates/price/latest?%s", p.baseURL, url.Values{"ids[]": {feedID}}.Encode())
	var payload pythResponse
	if err := getJSON(ctx, p.client, endpoint, &payload); err != nil {
		return 0, fmt.Errorf("pyth request failed: %w", err)
	}
	if len(payload.Parsed) == 0 {
		return 0, fmt.Errorf("pyth returned no price data")
	}
	raw, err := strconv.ParseFloat(payload.Parsed[0].Price.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("pyth price %q: %w", payload.Parsed[0].Price.Price, err)
	}
	return raw * math.Pow10(payload.Parsed[0].Price.Expo), nil
}

// CoinGeckoFeed 通过 CoinGecko simple price 接口获取价格。
type CoinGeckoFeed struct {
	baseURL string
	client  *http.Client
	ids     map[string]string
}

// NewCoinGeckoFeed 创建 CoinGecko 价格源；timeout<=0 时使用 8 秒。
func NewCoinGeckoFeed(baseURL string, timeout time.Duration) *CoinGeckoFeed {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &CoinGeckoFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		ids:     defaultCoinGeckoIDs,
	}
}

// Name 实现 Feed。
func (c *CoinGeckoFeed) Name() string { return "coingecko" }

// PriceUSD 实现 Feed。
func (c *CoinGeckoFeed) PriceUSD(ctx context.Context, asset string) (float64, error) {
	coinID, ok := lookup(c.ids, asset)
	if !ok {
		return 0, fmt.Errorf("no coingecko id for mint: %s", asset)
	}
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(coinID))
	var payload map[string]struct {
		USD *float64 `json:"usd"`
	}
	if err := getJSON(ctx, c.client, endpoint, &payload); err != nil {
		return 0, fmt.Errorf("coingecko request failed: %w", err)
	}
	entry, ok := payload[coinID]
	if !ok || entry.USD == nil {
		return 0, fmt.Errorf("coingecko returned no price for %s", coinID)
	}
	return *entry.USD, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
