package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Coding-With-Josh/aegis/internal/txhistory"
)

// TransactionStore 实现 txhistory.Store。
type TransactionStore struct {
	*DB
}

var _ txhistory.Store = (*TransactionStore)(nil)

// Transactions 返回交易历史存储。
func (s *DB) Transactions() *TransactionStore {
	return &TransactionStore{DB: s}
}

// InsertTransaction 实现 txhistory.Store。
func (s *TransactionStore) InsertTransaction(ctx context.Context, r *txhistory.Record) error {
	var slot sql.NullInt64
	if r.Slot != nil {
		slot = sql.NullInt64{Int64: int64(*r.Slot), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO transactions (id, agent_id, intent_type, reasoning, signature, slot, amount_sol, usd_value, mint, status, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.IntentType, r.Reasoning, r.Signature, slot, r.AmountSOL, nullableFloat(r.USDValue),
		r.Mint, string(r.Status), r.Error, toMillis(r.CreatedAt)); err != nil {
		return fmt.Errorf("写入交易历史失败: %w", err)
	}
	return nil
}

// ListTransactions 按创建时间倒序返回，limit<=0 表示不限。
func (s *TransactionStore) ListTransactions(ctx context.Context, agentID string, limit int) ([]*txhistory.Record, error) {
	query := `SELECT id, agent_id, intent_type, reasoning, signature, slot, amount_sol, usd_value, mint, status, error_message, created_at
FROM transactions WHERE agent_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询交易历史失败: %w", err)
	}
	defer rows.Close()

	out := make([]*txhistory.Record, 0)
	for rows.Next() {
		var (
			r       txhistory.Record
			slot    sql.NullInt64
			usd     sql.NullFloat64
			status  string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.IntentType, &r.Reasoning, &r.Signature, &slot, &r.AmountSOL, &usd,
			&r.Mint, &status, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("解析交易历史失败: %w", err)
		}
		if slot.Valid {
			v := uint64(slot.Int64)
			r.Slot = &v
		}
		if usd.Valid {
			v := usd.Float64
			r.USDValue = &v
		}
		r.Status = txhistory.Status(status)
		r.CreatedAt = fromMillis(created)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易历史失败: %w", err)
	}
	return out, nil
}
