package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/policy"
)

// AgentStore 实现 agent.Store。
type AgentStore struct {
	*DB
}

var _ agent.Store = (*AgentStore)(nil)

// Agents 返回智能体存储。
func (s *DB) Agents() *AgentStore {
	return &AgentStore{DB: s}
}

const agentColumns = `id, name, public_key, encrypted_key, api_key_hash, policy, usd_policy, status, execution_mode, reputation, last_activity_at, webhook_url, min_operational_usd, created_at, updated_at`

// CreateAgent 在同一事务中写入智能体与第一个策略版本。
func (s *AgentStore) CreateAgent(ctx context.Context, a *agent.Agent, first agent.PolicyVersion) error {
	policyJSON, err := json.Marshal(a.Policy)
	if err != nil {
		return fmt.Errorf("序列化策略失败: %w", err)
	}
	usdJSON, err := marshalNullable(a.USDPolicy)
	if err != nil {
		return fmt.Errorf("序列化 USD 策略失败: %w", err)
	}
	versionJSON, err := json.Marshal(first.Policy)
	if err != nil {
		return fmt.Errorf("序列化策略版本失败: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.PublicKey, a.EncryptedKey, a.APIKeyHash,
			string(policyJSON), usdJSON, string(a.Status), string(a.ExecutionMode), a.Reputation,
			nullableMillis(a.LastActivityAt), a.WebhookURL, nullableFloat(a.MinOperationalUSD),
			toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("写入智能体失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO policy_versions (agent_id, version, hash, policy, created_at) VALUES (?, ?, ?, ?, ?)`,
			a.ID, first.Version, first.Hash, string(versionJSON), toMillis(first.CreatedAt)); err != nil {
			return fmt.Errorf("写入策略版本失败: %w", err)
		}
		return nil
	})
}

// GetAgent 按 ID 查询智能体，不存在时返回 agent.ErrNotFound。
func (s *AgentStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询智能体失败: %w", err)
	}
	return a, nil
}

// ListAgents 按创建时间倒序返回全部智能体。
func (s *AgentStore) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询智能体列表失败: %w", err)
	}
	defer rows.Close()

	out := make([]*agent.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("解析智能体失败: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历智能体失败: %w", err)
	}
	return out, nil
}

// UpdateStatus 实现 agent.Store。
func (s *AgentStore) UpdateStatus(ctx context.Context, id string, status agent.Status, at time.Time) error {
	return s.update(ctx, s.db, id, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, string(status), toMillis(at), id)
}

// UpdateExecutionMode 实现 agent.Store。
func (s *AgentStore) UpdateExecutionMode(ctx context.Context, id string, mode agent.ExecutionMode, at time.Time) error {
	return s.update(ctx, s.db, id, `UPDATE agents SET execution_mode = ?, updated_at = ? WHERE id = ?`, string(mode), toMillis(at), id)
}

// UpdatePolicy 更新生效策略，version 非空时在同一事务中追加版本。
func (s *AgentStore) UpdatePolicy(ctx context.Context, id string, p policy.Policy, version *agent.PolicyVersion, at time.Time) error {
	policyJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化策略失败: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.update(ctx, tx, id, `UPDATE agents SET policy = ?, updated_at = ? WHERE id = ?`, string(policyJSON), toMillis(at), id); err != nil {
			return err
		}
		if version == nil {
			return nil
		}
		versionJSON, err := json.Marshal(version.Policy)
		if err != nil {
			return fmt.Errorf("序列化策略版本失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO policy_versions (agent_id, version, hash, policy, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, version.Version, version.Hash, string(versionJSON), toMillis(version.CreatedAt)); err != nil {
			return fmt.Errorf("写入策略版本失败: %w", err)
		}
		return nil
	})
}

// UpdateUSDPolicy 实现 agent.Store，p 为空时清除 USD 策略。
func (s *AgentStore) UpdateUSDPolicy(ctx context.Context, id string, p *policy.USDPolicy, at time.Time) error {
	usdJSON, err := marshalNullable(p)
	if err != nil {
		return fmt.Errorf("序列化 USD 策略失败: %w", err)
	}
	return s.update(ctx, s.db, id, `UPDATE agents SET usd_policy = ?, updated_at = ? WHERE id = ?`, usdJSON, toMillis(at), id)
}

// AdjustReputation 在数据库内完成加法与截断，返回新值。
func (s *AgentStore) AdjustReputation(ctx context.Context, id string, delta, lo, hi float64) (float64, error) {
	var score float64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.update(ctx, tx, id, s.dialect.clampScore, hi, lo, delta, id); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT reputation FROM agents WHERE id = ?`, id).Scan(&score); err != nil {
			return fmt.Errorf("读取信誉分失败: %w", err)
		}
		return nil
	})
	return score, err
}

// TouchActivity 实现 agent.Store。
func (s *AgentStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(at)
	return s.update(ctx, s.db, id, `UPDATE agents SET last_activity_at = ?, updated_at = ? WHERE id = ?`, ms, ms, id)
}

// ListPolicyVersions 按版本号升序返回。
func (s *AgentStore) ListPolicyVersions(ctx context.Context, id string) ([]agent.PolicyVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, version, hash, policy, created_at FROM policy_versions WHERE agent_id = ? ORDER BY version ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("查询策略版本失败: %w", err)
	}
	defer rows.Close()

	out := make([]agent.PolicyVersion, 0)
	for rows.Next() {
		var (
			v          agent.PolicyVersion
			policyJSON string
			created    int64
		)
		if err := rows.Scan(&v.AgentID, &v.Version, &v.Hash, &policyJSON, &created); err != nil {
			return nil, fmt.Errorf("解析策略版本失败: %w", err)
		}
		if err := json.Unmarshal([]byte(policyJSON), &v.Policy); err != nil {
			return nil, fmt.Errorf("解析策略版本内容失败: %w", err)
		}
		v.CreatedAt = fromMillis(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历策略版本失败: %w", err)
	}
	return out, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// update 执行单行更新；MySQL 在值未变化时影响行数为 0，因此需要再确认记录是否存在。
func (s *AgentStore) update(ctx context.Context, q execQuerier, id, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("更新智能体失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, id).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return agent.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("查询智能体失败: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var (
		a            agent.Agent
		policyJSON   string
		usdJSON      sql.NullString
		status, mode string
		lastActivity sql.NullInt64
		minUSD       sql.NullFloat64
		created      int64
		updated      int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.PublicKey, &a.EncryptedKey, &a.APIKeyHash,
		&policyJSON, &usdJSON, &status, &mode, &a.Reputation,
		&lastActivity, &a.WebhookURL, &minUSD, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &a.Policy); err != nil {
		return nil, fmt.Errorf("解析策略失败: %w", err)
	}
	if usdJSON.Valid && usdJSON.String != "" {
		var p policy.USDPolicy
		if err := json.Unmarshal([]byte(usdJSON.String), &p); err != nil {
			return nil, fmt.Errorf("解析 USD 策略失败: %w", err)
		}
		a.USDPolicy = &p
	}
	a.Status = agent.Status(status)
	a.ExecutionMode = agent.ExecutionMode(mode)
	if lastActivity.Valid {
		t := fromMillis(lastActivity.Int64)
		a.LastActivityAt = &t
	}
	if minUSD.Valid {
		v := minUSD.Float64
		a.MinOperationalUSD = &v
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
