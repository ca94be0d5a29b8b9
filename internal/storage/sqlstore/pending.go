package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
)

// PendingStore 实现 hitl.Store。
type PendingStore struct {
	*DB
}

var _ hitl.Store = (*PendingStore)(nil)

// Pending 返回待审批存储。
func (s *DB) Pending() *PendingStore {
	return &PendingStore{DB: s}
}

const pendingColumns = `id, agent_id, intent, intent_hash, policy_hash, reasoning, usd_value, simulation, status, expires_at, created_at`

// InsertPending 实现 hitl.Store。
func (s *PendingStore) InsertPending(ctx context.Context, p *hitl.Pending) error {
	intentJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return fmt.Errorf("序列化意图失败: %w", err)
	}
	simJSON, err := marshalNullable(p.Simulation)
	if err != nil {
		return fmt.Errorf("序列化模拟结果失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO pending_transactions (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, string(intentJSON), p.IntentHash, p.PolicyHash, p.Reasoning, p.USDValue, simJSON,
		string(p.Status), toMillis(p.ExpiresAt), toMillis(p.CreatedAt)); err != nil {
		return fmt.Errorf("写入待审批记录失败: %w", err)
	}
	return nil
}

// GetPending 实现 hitl.Store。
func (s *PendingStore) GetPending(ctx context.Context, id string) (*hitl.Pending, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_transactions WHERE id = ?`, id)
	p, err := scanPending(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, hitl.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询待审批记录失败: %w", err)
	}
	return p, nil
}

// ListPending 实现 hitl.Store，status 为空时返回全部状态。
func (s *PendingStore) ListPending(ctx context.Context, agentID string, status hitl.Status) ([]*hitl.Pending, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_transactions WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询待审批列表失败: %w", err)
	}
	defer rows.Close()

	out := make([]*hitl.Pending, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("解析待审批记录失败: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历待审批记录失败: %w", err)
	}
	return out, nil
}

// TransitionPending 以比较并交换的方式变更状态。
func (s *PendingStore) TransitionPending(ctx context.Context, id string, from, to hitl.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_transactions SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("更新待审批状态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM pending_transactions WHERE id = ?`, id).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, hitl.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("查询待审批记录失败: %w", err)
	}
	return false, nil
}

// ExpirePending 实现 hitl.Store。
func (s *PendingStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_transactions SET status = ? WHERE status = ? AND expires_at < ?`,
		string(hitl.StatusExpired), string(hitl.StatusAwaiting), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("过期待审批记录失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return n, nil
}

func scanPending(row rowScanner) (*hitl.Pending, error) {
	var (
		p          hitl.Pending
		intentJSON string
		simJSON    sql.NullString
		status     string
		expires    int64
		created    int64
	)
	if err := row.Scan(&p.ID, &p.AgentID, &intentJSON, &p.IntentHash, &p.PolicyHash, &p.Reasoning, &p.USDValue,
		&simJSON, &status, &expires, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &p.Intent); err != nil {
		return nil, fmt.Errorf("解析意图失败: %w", err)
	}
	if simJSON.Valid {
		p.Simulation = new(simulation.Report)
		if err := json.Unmarshal([]byte(simJSON.String), p.Simulation); err != nil {
			return nil, fmt.Errorf("解析模拟结果失败: %w", err)
		}
	}
	p.Status = hitl.Status(status)
	p.ExpiresAt = fromMillis(expires)
	p.CreatedAt = fromMillis(created)
	return &p, nil
}
