// Package spend 维护每个智能体按 UTC 日期划分的支出累计与组合价值峰值。
package spend

import (
	"context"
	"strings"
	"sync"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
)

// USDCMint 是主网 USDC 的 mint 地址。
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Record 是 (agentID, date) 维度的支出记录。支出字段只增不减，峰值只取最大值。
type Record struct {
	AgentID          string  `json:"agentId"`
	Date             string  `json:"date"`
	TotalSpentSOL    float64 `json:"totalSpentSOL"`
	TotalSpentUSDC   float64 `json:"totalSpentUSDC"`
	TotalSpentUSD    float64 `json:"totalSpentUSD"`
	PeakPortfolioUSD float64 `json:"peakPortfolioUSD"`
}

// Delta 是一次累加的增量。
type Delta struct {
	SOL  float64
	USDC float64
	USD  float64
}

// Store 抽象支出记录的持久化。AddSpend 必须是原子的加法 upsert。
type Store interface {
	AddSpend(ctx context.Context, agentID, date string, delta Delta) error
	RaisePeak(ctx context.Context, agentID, date string, usd float64) error
	Get(ctx context.Context, agentID, date string) (*Record, error)
}

// Tracker 负责把支出路由到正确的币种桶。
type Tracker struct {
	store Store
	clock clock.Clock
}

// NewTracker 创建支出追踪器。
func NewTracker(store Store, c clock.Clock) *Tracker {
	return &Tracker{store: store, clock: clock.OrReal(c)}
}

// RecordSpend 将本次支出累加到当日记录：USDC 进入 USDC 桶，其余进入原生资产桶，美元价值单独累计。
func (t *Tracker) RecordSpend(ctx context.Context, agentID string, amount float64, asset string, usdValue float64) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	var delta Delta
	if IsUSDC(asset) {
		delta.USDC = amount
	} else {
		delta.SOL = amount
	}
	delta.USD = usdValue
	if err := t.store.AddSpend(ctx, agentID, clock.Today(t.clock), delta); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record spend")
	}
	return nil
}

// UpdatePeakPortfolio 将指定日期的峰值提升到 max(已存值, usd)。
func (t *Tracker) UpdatePeakPortfolio(ctx context.Context, agentID, date string, usd float64) error {
	if date == "" {
		date = clock.Today(t.clock)
	}
	if err := t.store.RaisePeak(ctx, agentID, date, usd); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update peak portfolio")
	}
	return nil
}

// DailySpend 返回当日累计；尚无记录时返回零值记录。
func (t *Tracker) DailySpend(ctx context.Context, agentID string) (Record, error) {
	return t.SpendOn(ctx, agentID, clock.Today(t.clock))
}

// SpendOn 返回指定日期的累计；尚无记录时返回零值记录。
func (t *Tracker) SpendOn(ctx context.Context, agentID, date string) (Record, error) {
	rec, err := t.store.Get(ctx, agentID, date)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load spend")
	}
	if rec == nil {
		return Record{AgentID: agentID, Date: date}, nil
	}
	return *rec, nil
}

// Today 返回追踪器时钟下的当前 UTC 日期。
func (t *Tracker) Today() string {
	return clock.Today(t.clock)
}

// IsUSDC 判断资产是否应计入 USDC 桶。
func IsUSDC(asset string) bool {
	return strings.EqualFold(asset, "USDC") || asset == USDCMint
}

// MemoryStore 是基于内存的 Store 实现。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存支出存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) entry(agentID, date string) *Record {
	key := agentID + "|" + date
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{AgentID: agentID, Date: date}
		m.records[key] = rec
	}
	return rec
}

// AddSpend 实现 Store。
func (m *MemoryStore) AddSpend(_ context.Context, agentID, date string, delta Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.entry(agentID, date)
	rec.TotalSpentSOL += delta.SOL
	rec.TotalSpentUSDC += delta.USDC
	rec.TotalSpentUSD += delta.USD
	return nil
}

// RaisePeak 实现 Store。
func (m *MemoryStore) RaisePeak(_ context.Context, agentID, date string, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.entry(agentID, date)
	if usd > rec.PeakPortfolioUSD {
		rec.PeakPortfolioUSD = usd
	}
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, agentID, date string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID+"|"+date]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}
