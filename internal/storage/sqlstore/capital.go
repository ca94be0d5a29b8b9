package sqlstore

import (
	"context"
	"fmt"

	"github.com/Coding-With-Josh/aegis/internal/capital"
)

// CapitalStore 实现 capital.Store。
type CapitalStore struct {
	*DB
}

var _ capital.Store = (*CapitalStore)(nil)

// Capital 返回资金事件存储。
func (s *DB) Capital() *CapitalStore {
	return &CapitalStore{DB: s}
}

// InsertCapitalEvent 实现 capital.Store。
func (s *CapitalStore) InsertCapitalEvent(ctx context.Context, e *capital.Event) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO capital_events (id, agent_id, event_type, amount_sol, amount_usd, source_note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, string(e.Type), e.AmountSOL, e.AmountUSD, e.SourceNote, toMillis(e.CreatedAt)); err != nil {
		return fmt.Errorf("写入资金事件失败: %w", err)
	}
	return nil
}

// ListCapitalEvents 按创建时间倒序返回。
func (s *CapitalStore) ListCapitalEvents(ctx context.Context, agentID string, limit int) ([]*capital.Event, error) {
	query := `SELECT id, agent_id, event_type, amount_sol, amount_usd, source_note, created_at FROM capital_events WHERE agent_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询资金事件失败: %w", err)
	}
	defer rows.Close()

	out := make([]*capital.Event, 0)
	for rows.Next() {
		var (
			e         capital.Event
			eventType string
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &eventType, &e.AmountSOL, &e.AmountUSD, &e.SourceNote, &created); err != nil {
			return nil, fmt.Errorf("解析资金事件失败: %w", err)
		}
		e.Type = capital.EventType(eventType)
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历资金事件失败: %w", err)
	}
	return out, nil
}
