package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/clock"
)

type countingFeed struct {
	name  string
	price float64
	err   error
	calls atomic.Int32
}

func (f *countingFeed) Name() string { return f.name }

func (f *countingFeed) PriceUSD(context.Context, string) (float64, error) {
	f.calls.Add(1)
	return f.price, f.err
}

type fixedBalance struct {
	lamports uint64
	err      error
}

func (b fixedBalance) Balance(context.Context, string) (uint64, error) { return b.lamports, b.err }

func TestStablecoinsNeverTouchFeeds(t *testing.T) {
	primary := &countingFeed{name: "p", price: 9}
	secondary := &countingFeed{name: "s", price: 9}
	agg := NewAggregator(primary, secondary)

	for _, asset := range []string{"USDC", "usdt", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"} {
		for i := 0; i < 3; i++ {
			price, err := agg.PriceUSD(context.Background(), asset)
			if err != nil || price != 1.0 {
				t.Fatalf("%s: got %v, %v", asset, price, err)
			}
		}
	}
	if primary.calls.Load() != 0 || secondary.calls.Load() != 0 {
		t.Fatalf("stablecoin lookups must not call feeds")
	}
}

func TestFallbackToSecondaryFeed(t *testing.T) {
	primary := &countingFeed{name: "p", err: errors.New("hermes down")}
	secondary := &countingFeed{name: "s", price: 142.5}
	agg := NewAggregator(primary, secondary)

	price, err := agg.PriceUSD(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if price != 142.5 {
		t.Fatalf("unexpected price %v", price)
	}
}

func TestTotalFailureSafeReturnsZero(t *testing.T) {
	agg := NewAggregator(&countingFeed{name: "p", err: errors.New("a")}, &countingFeed{name: "s", err: errors.New("b")})
	if _, err := agg.PriceUSD(context.Background(), "SOL"); err == nil {
		t.Fatalf("expected error when both feeds fail")
	}
	if got := agg.PriceUSDSafe(context.Background(), "SOL"); got != 0 {
		t.Fatalf("safe price should be 0, got %v", got)
	}
}

func TestCacheBoundsLookupsWithinTTL(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	primary := &countingFeed{name: "p", price: 100}
	agg := NewAggregator(primary, nil, WithCache(NewMemoryCache(c)))

	for i := 0; i < 5; i++ {
		if _, err := agg.PriceUSD(context.Background(), "SOL"); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if primary.calls.Load() != 1 {
		t.Fatalf("expected one feed call inside TTL, got %d", primary.calls.Load())
	}
	c.Advance(DefaultCacheTTL)
	if _, err := agg.PriceUSD(context.Background(), "SOL"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if primary.calls.Load() != 2 {
		t.Fatalf("expected refresh after TTL, got %d", primary.calls.Load())
	}
}

func TestToUSDAndPortfolio(t *testing.T) {
	primary := &countingFeed{name: "p", price: 150}
	agg := NewAggregator(primary, nil)
	ctx := context.Background()

	if got := agg.ToUSD(ctx, 0, "SOL"); got != 0 || primary.calls.Load() != 0 {
		t.Fatalf("zero amount must skip lookup")
	}
	if got := agg.ToUSD(ctx, 2, "SOL"); got != 300 {
		t.Fatalf("unexpected usd %v", got)
	}
	if got := agg.PortfolioUSD(ctx, fixedBalance{lamports: 500_000_000}, "addr"); got != 75 {
		t.Fatalf("unexpected portfolio %v", got)
	}
	if got := agg.PortfolioUSD(ctx, fixedBalance{err: errors.New("rpc")}, "addr"); got != 0 {
		t.Fatalf("balance failure should value portfolio at 0, got %v", got)
	}
}

func TestPythFeedParsesExponent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/updates/price/latest" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("ids[]") != defaultPythFeeds["SOL"] {
			http.Error(w, "bad feed", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"parsed":[{"id":"x","price":{"price":"14250000000","conf":"1","expo":-8,"publish_time":1}}]}`))
	}))
	defer srv.Close()

	price, err := NewPythFeed(srv.URL, time.Second).PriceUSD(context.Background(), "sol")
	if err != nil {
		t.Fatalf("pyth price: %v", err)
	}
	if price < 142.4999 || price > 142.5001 {
		t.Fatalf("unexpected price %v", price)
	}
	if _, err := NewPythFeed(srv.URL, time.Second).PriceUSD(context.Background(), "BONK"); err == nil {
		t.Fatalf("unknown asset should fail")
	}
}

func TestCoinGeckoFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "solana" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"solana":{"usd":151.2}}`))
	}))
	defer srv.Close()

	feed := NewCoinGeckoFeed(srv.URL, time.Second)
	price, err := feed.PriceUSD(context.Background(), SOLMint)
	if err != nil || price != 151.2 {
		t.Fatalf("got %v, %v", price, err)
	}
	if _, err := feed.PriceUSD(context.Background(), "USDC"); err == nil {
		t.Fatalf("missing price should fail")
	}
}
