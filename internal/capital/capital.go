// Package capital 记录资金注入、提取与收益快照，并据此计算 ROI、执行表现与会计导出。
package capital

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

const (
	// SummaryWindow 是计算账本状态与表现时读取的最大记录数。
	SummaryWindow = 1000
	// ExportLimit 是 CSV 导出的最大记录数。
	ExportLimit = 10000
)

// EventType 是资金事件类型。
type EventType string

const (
	EventFunding     EventType = "funding"
	EventWithdrawal  EventType = "withdrawal"
	EventPnLSnapshot EventType = "pnl_snapshot"
)

// Valid 判断事件类型是否合法。
func (t EventType) Valid() bool {
	return t == EventFunding || t == EventWithdrawal || t == EventPnLSnapshot
}

// Event 是一条只追加的资金事件。
type Event struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Type       EventType `json:"eventType"`
	AmountSOL  float64   `json:"amountSOL"`
	AmountUSD  float64   `json:"amountUSD"`
	SourceNote string    `json:"sourceNote,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EventParams 是记录资金事件的请求。
type EventParams struct {
	Type       EventType `json:"eventType"`
	AmountSOL  float64   `json:"amountSOL"`
	AmountUSD  float64   `json:"amountUSD"`
	SourceNote string    `json:"sourceNote,omitempty"`
}

// LedgerState 汇总资金账本。
type LedgerState struct {
	AgentID               string  `json:"agentId"`
	TotalInjectedUSD      float64 `json:"totalInjectedUSD"`
	TotalWithdrawnUSD     float64 `json:"totalWithdrawnUSD"`
	RealizedPnLUSD        float64 `json:"realizedPnlUSD"`
	UnrealizedExposureUSD float64 `json:"unrealizedExposureUSD"`
	AgentROI              float64 `json:"agentROI"`
	TotalTxCount          int     `json:"totalTxCount"`
	TotalVolumeUSD        float64 `json:"totalVolumeUSD"`
}

// Performance 汇总执行表现。
type Performance struct {
	AgentID          string  `json:"agentId"`
	ConfirmedTxCount int     `json:"confirmedTxCount"`
	FailedTxCount    int     `json:"failedTxCount"`
	RejectedTxCount  int     `json:"rejectedTxCount"`
	TotalVolumeSOL   float64 `json:"totalVolumeSOL"`
	TotalVolumeUSD   float64 `json:"totalVolumeUSD"`
	SuccessRate      float64 `json:"successRate"`
}

// Store 抽象了资金事件的持久化。
type Store interface {
	InsertCapitalEvent(ctx context.Context, e *Event) error
	// ListCapitalEvents 按创建时间倒序返回。
	ListCapitalEvents(ctx context.Context, agentID string, limit int) ([]*Event, error)
}

// Service 提供资金账本操作。
type Service struct {
	store Store
	txs   txhistory.Store
	clock clock.Clock
	log   *slog.Logger
}

// NewService 创建资金账本服务。
func NewService(store Store, txs txhistory.Store, c clock.Clock) *Service {
	return &Service{store: store, txs: txs, clock: clock.OrReal(c), log: logger.Named("capital")}
}

// LogFunding 记录一次资金注入。
func (s *Service) LogFunding(ctx context.Context, agentID string, amountSOL, amountUSD float64, note string) (*Event, error) {
	return s.LogEvent(ctx, agentID, EventParams{Type: EventFunding, AmountSOL: amountSOL, AmountUSD: amountUSD, SourceNote: note})
}

// LogEvent 记录任意类型的资金事件。
func (s *Service) LogEvent(ctx context.Context, agentID string, params EventParams) (*Event, error) {
	if !params.Type.Valid() {
		return nil, xerrors.Newf(xerrors.CodeValidation, "invalid capital event type %q", params.Type)
	}
	if math.IsNaN(params.AmountSOL) || math.IsNaN(params.AmountUSD) || math.IsInf(params.AmountSOL, 0) || math.IsInf(params.AmountUSD, 0) {
		return nil, xerrors.New(xerrors.CodeValidation, "capital amounts must be finite numbers")
	}
	if params.Type != EventPnLSnapshot && (params.AmountSOL < 0 || params.AmountUSD < 0) {
		return nil, xerrors.Newf(xerrors.CodeValidation, "%s amounts must not be negative", params.Type)
	}
	e := &Event{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Type:       params.Type,
		AmountSOL:  params.AmountSOL,
		AmountUSD:  params.AmountUSD,
		SourceNote: strings.TrimSpace(params.SourceNote),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.InsertCapitalEvent(ctx, e); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "record capital event")
	}
	s.log.Info("capital event recorded",
		slog.String("agent_id", agentID),
		slog.String("event_type", string(e.Type)),
		slog.Float64("amount_usd", e.AmountUSD))
	return e, nil
}

// Events 返回最近的资金事件。
func (s *Service) Events(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > ExportLimit {
		limit = SummaryWindow
	}
	events, err := s.store.ListCapitalEvents(ctx, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list capital events")
	}
	if events == nil {
		events = []*Event{}
	}
	return events, nil
}

func (s *Service) transactions(ctx context.Context, agentID string, limit int) ([]*txhistory.Record, error) {
	txs, err := s.txs.ListTransactions(ctx, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list transactions")
	}
	return txs, nil
}

// LedgerState 根据资金事件与当前组合价值计算账本状态。
func (s *Service) LedgerState(ctx context.Context, agentID string, portfolioUSD float64) (*LedgerState, error) {
	events, err := s.Events(ctx, agentID, SummaryWindow)
	if err != nil {
		return nil, err
	}
	txs, err := s.transactions(ctx, agentID, SummaryWindow)
	if err != nil {
		return nil, err
	}
	state := &LedgerState{AgentID: agentID, UnrealizedExposureUSD: portfolioUSD}
	for _, e := range events {
		switch e.Type {
		case EventFunding:
			state.TotalInjectedUSD += e.AmountUSD
		case EventWithdrawal:
			state.TotalWithdrawnUSD += e.AmountUSD
		case EventPnLSnapshot:
			state.RealizedPnLUSD += e.AmountUSD
		}
	}
	for _, tx := range txs {
		if tx.Status != txhistory.StatusConfirmed {
			continue
		}
		state.TotalTxCount++
		if tx.USDValue != nil {
			state.TotalVolumeUSD += *tx.USDValue
		}
	}
	if state.TotalInjectedUSD > 0 {
		state.AgentROI = (portfolioUSD - state.TotalInjectedUSD) / state.TotalInjectedUSD * 100
	}
	return state, nil
}

// Performance 汇总确认、失败与拒绝的次数以及成交量。
func (s *Service) Performance(ctx context.Context, agentID string) (*Performance, error) {
	txs, err := s.transactions(ctx, agentID, SummaryWindow)
	if err != nil {
		return nil, err
	}
	p := &Performance{AgentID: agentID}
	for _, tx := range txs {
		switch {
		case tx.Status == txhistory.StatusConfirmed:
			p.ConfirmedTxCount++
			p.TotalVolumeSOL += tx.AmountSOL
			if tx.USDValue != nil {
				p.TotalVolumeUSD += *tx.USDValue
			}
		case tx.Status == txhistory.StatusFailed:
			p.FailedTxCount++
		case tx.Status.Rejected():
			p.RejectedTxCount++
		}
	}
	if len(txs) > 0 {
		p.SuccessRate = float64(p.ConfirmedTxCount) / float64(len(txs))
	}
	return p, nil
}

// CSVHeader 是会计导出的表头。
var CSVHeader = []string{"date", "type", "intent_type", "signature", "amount_sol", "usd_value", "status", "note"}

// ExportCSV 将交易与资金事件写成会计 CSV。
func (s *Service) ExportCSV(ctx context.Context, agentID string, w io.Writer) error {
	txs, err := s.transactions(ctx, agentID, ExportLimit)
	if err != nil {
		return err
	}
	events, err := s.store.ListCapitalEvents(ctx, agentID, ExportLimit)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "list capital events")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, tx := range txs {
		usd := ""
		if tx.USDValue != nil {
			usd = formatAmount(*tx.USDValue)
		}
		if err := cw.Write([]string{
			tx.CreatedAt.UTC().Format(time.RFC3339),
			"transaction",
			tx.IntentType,
			tx.Signature,
			formatAmount(tx.AmountSOL),
			usd,
			string(tx.Status),
			tx.Reasoning,
		}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	for _, e := range events {
		if err := cw.Write([]string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			"capital_" + string(e.Type),
			"",
			"",
			formatAmount(e.AmountSOL),
			formatAmount(e.AmountUSD),
			"recorded",
			e.SourceNote,
		}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MemoryStore 以内存方式保存资金事件。
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertCapitalEvent 实现 Store 接口。
func (m *MemoryStore) InsertCapitalEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.events = append(m.events, &clone)
	return nil
}

// ListCapitalEvents 实现 Store 接口。
func (m *MemoryStore) ListCapitalEvents(_ context.Context, agentID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].AgentID != agentID {
			continue
		}
		clone := *m.events[i]
		out = append(out, &clone)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
