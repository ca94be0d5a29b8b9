package oracle

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// Cache 缓存已解析的价格。
type Cache interface {
	Get(ctx context.Context, asset string) (float64, bool)
	Set(ctx context.Context, asset string, price float64, ttl time.Duration)
}

type memoryEntry struct {
	price     float64
	expiresAt time.Time
}

// MemoryCache 是进程内的价格缓存。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache 创建进程内缓存。
func NewMemoryCache(c clock.Clock) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: clock.OrReal(c)}
}

// Get 实现 Cache。
func (m *MemoryCache) Get(_ context.Context, asset string) (float64, bool) {
	m.mu.RLock()
	entry, ok := m.entries[asset]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(entry.expiresAt) {
		return 0, false
	}
	return entry.price, true
}

// Set 实现 Cache。
func (m *MemoryCache) Set(_ context.Context, asset string, price float64, ttl time.Duration) {
	m.mu.Lock()
	m.entries[asset] = memoryEntry{price: price, expiresAt: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
}

// RedisCache 让多个节点共享价格缓存。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache 使用已有的 Redis 客户端创建缓存。
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "aegis:price:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 实现 Cache；Redis 不可用时视为未命中。
func (r *RedisCache) Get(ctx context.Context, asset string) (float64, bool) {
	price, err := r.client.Get(ctx, r.prefix+asset).Float64()
	if err != nil {
		return 0, false
	}
	return price, true
}

// Set 实现 Cache；写入失败只记录日志，下次查询会重新访问价格源。
func (r *RedisCache) Set(ctx context.Context, asset string, price float64, ttl time.Duration) {
	err := r.client.Set(ctx, r.prefix+asset, strconv.FormatFloat(price, 'g', -1, 64), ttl).Err()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Debug("写入价格缓存失败", slog.String("asset", asset), slog.Any("error", err))
	}
}
