package oracle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// DefaultCacheTTL 是价格缓存的默认有效期。
const DefaultCacheTTL = 30 * time.Second

const lamportsPerSOL = 1_000_000_000

var stableAssets = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {},
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": {},
}

// IsStable 判断资产是否为按 1.0 计价的稳定币。
func IsStable(asset string) bool {
	if _, ok := stableAssets[asset]; ok {
		return true
	}
	_, ok := stableAssets[strings.ToUpper(asset)]
	return ok
}

// BalanceReader 读取地址的原生资产余额（lamports）。
type BalanceReader interface {
	Balance(ctx context.Context, address string) (uint64, error)
}

// Aggregator 组合主、备价格源与缓存。
type Aggregator struct {
	primary   Feed
	secondary Feed
	cache     Cache
	ttl       time.Duration
	group     singleflight.Group
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Aggregator)

// WithCache 替换默认的进程内缓存。
func WithCache(cache Cache) Option {
	return func(a *Aggregator) {
		if cache != nil {
			a.cache = cache
		}
	}
}

// WithCacheTTL 设置缓存有效期。
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// NewAggregator 创建价格聚合器。
func NewAggregator(primary, secondary Feed, opts ...Option) *Aggregator {
	a := &Aggregator{
		primary:   primary,
		secondary: secondary,
		ttl:       DefaultCacheTTL,
		log:       logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.cache == nil {
		a.cache = NewMemoryCache(nil)
	}
	return a
}

// PriceUSD 返回资产的美元价格，主源失败时回退到备用源，两者均失败时返回错误。
func (a *Aggregator) PriceUSD(ctx context.Context, asset string) (float64, error) {
	if IsStable(asset) {
		return 1.0, nil
	}
	if price, ok := a.cache.Get(ctx, asset); ok {
		return price, nil
	}
	v, err, _ := a.group.Do(asset, func() (any, error) {
		if price, ok := a.cache.Get(ctx, asset); ok {
			return price, nil
		}
		price, err := a.resolve(ctx, asset)
		if err != nil {
			return 0.0, err
		}
		a.cache.Set(ctx, asset, price, a.ttl)
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (a *Aggregator) resolve(ctx context.Context, asset string) (float64, error) {
	var primaryErr error
	if a.primary != nil {
		price, err := a.primary.PriceUSD(ctx, asset)
		if err == nil {
			return price, nil
		}
		primaryErr = fmt.Errorf("%s: %w", a.primary.Name(), err)
		a.log.Debug("主价格源失败，回退到备用源", slog.String("asset", asset), slog.Any("error", err))
	}
	if a.secondary == nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, primaryErr, "no price feed available for "+asset)
	}
	price, err := a.secondary.PriceUSD(ctx, asset)
	if err != nil {
		joined := stdErrors.Join(primaryErr, fmt.Errorf("%s: %w", a.secondary.Name(), err))
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, joined, "price lookup failed for "+asset)
	}
	return price, nil
}

// PriceUSDSafe 与 PriceUSD 相同，但在全部失败时返回 0 而不是错误。
func (a *Aggregator) PriceUSDSafe(ctx context.Context, asset string) float64 {
	price, err := a.PriceUSD(ctx, asset)
	if err != nil {
		a.log.Warn("价格查询失败，按 0 计价", slog.String("asset", asset), slog.Any("error", err))
		return 0
	}
	return price
}

// ToUSD 将资产数量换算为美元；数量为 0 时不查询价格。
func (a *Aggregator) ToUSD(ctx context.Context, amount float64, asset string) float64 {
	if amount == 0 {
		return 0
	}
	if asset == "SOL" {
		asset = SOLMint
	}
	return amount * a.PriceUSDSafe(ctx, asset)
}

// PortfolioUSD 返回地址原生资产余额的美元价值；余额读取失败时返回 0。
func (a *Aggregator) PortfolioUSD(ctx context.Context, reader BalanceReader, address string) float64 {
	lamports, err := reader.Balance(ctx, address)
	if err != nil {
		a.log.Warn("读取余额失败", slog.String("address", address), slog.Any("error", err))
		return 0
	}
	return a.ToUSD(ctx, float64(lamports)/lamportsPerSOL, SOLMint)
}
