package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	"github.com/Coding-With-Josh/aegis/internal/spend"
)

// SpendStore 实现 spend.Store，累加与取峰值都在单条 upsert 中完成。
type SpendStore struct {
	*DB
}

var _ spend.Store = (*SpendStore)(nil)

// Spend 返回支出存储。
func (s *DB) Spend() *SpendStore {
	return &SpendStore{DB: s}
}

// AddSpend 实现 spend.Store。
func (s *SpendStore) AddSpend(ctx context.Context, agentID, date string, delta spend.Delta) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.addSpend, agentID, date, delta.SOL, delta.USDC, delta.USD); err != nil {
		return fmt.Errorf("累加支出失败: %w", err)
	}
	return nil
}

// RaisePeak 实现 spend.Store。
func (s *SpendStore) RaisePeak(ctx context.Context, agentID, date string, usd float64) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.raisePeak, agentID, date, usd); err != nil {
		return fmt.Errorf("更新组合峰值失败: %w", err)
	}
	return nil
}

// Get 实现 spend.Store，记录不存在时返回 nil。
func (s *SpendStore) Get(ctx context.Context, agentID, date string) (*spend.Record, error) {
	rec := spend.Record{AgentID: agentID, Date: date}
	err := s.db.QueryRowContext(ctx, `SELECT total_sol, total_usdc, total_usd, peak_portfolio_usd FROM spend_records WHERE agent_id = ? AND spend_date = ?`, agentID, date).
		Scan(&rec.TotalSpentSOL, &rec.TotalSpentUSDC, &rec.TotalSpentUSD, &rec.PeakPortfolioUSD)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询支出记录失败: %w", err)
	}
	return &rec, nil
}
