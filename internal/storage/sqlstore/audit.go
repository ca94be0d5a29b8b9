package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
)

// AuditStore 实现 audit.Store，只插入不更新。
type AuditStore struct {
	*DB
}

var _ audit.Store = (*AuditStore)(nil)

// Audit 返回审计存储。
func (s *DB) Audit() *AuditStore {
	return &AuditStore{DB: s}
}

// InsertArtifact 写入审计记录，ID 冲突时返回 audit.ErrDuplicate。
func (s *AuditStore) InsertArtifact(ctx context.Context, a *audit.Artifact) error {
	intentJSON, err := json.Marshal(a.Intent)
	if err != nil {
		return fmt.Errorf("序列化意图失败: %w", err)
	}
	riskJSON, err := marshalNullable(a.USDRiskCheck)
	if err != nil {
		return fmt.Errorf("序列化 USD 检查失败: %w", err)
	}
	simJSON, err := marshalNullable(a.Simulation)
	if err != nil {
		return fmt.Errorf("序列化模拟结果失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_artifacts (id, agent_id, intent, intent_hash, policy_hash, usd_risk_check, simulation, approval_state, final_tx_signature, pending_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentID, string(intentJSON), a.IntentHash, a.PolicyHash, riskJSON, simJSON,
		string(a.ApprovalState), a.FinalTxSignature, a.PendingID, toMillis(a.Timestamp))
	if isDuplicate(err) {
		return audit.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// ListArtifacts 按时间倒序返回，同一时刻后写入的排在前面。
func (s *AuditStore) ListArtifacts(ctx context.Context, agentID string, limit int) ([]*audit.Artifact, error) {
	query := `SELECT id, agent_id, intent, intent_hash, policy_hash, usd_risk_check, simulation, approval_state, final_tx_signature, pending_id, created_at
FROM audit_artifacts WHERE agent_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()

	out := make([]*audit.Artifact, 0)
	for rows.Next() {
		var (
			a          audit.Artifact
			intentJSON string
			riskJSON   sql.NullString
			simJSON    sql.NullString
			state      string
			created    int64
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &intentJSON, &a.IntentHash, &a.PolicyHash, &riskJSON, &simJSON,
			&state, &a.FinalTxSignature, &a.PendingID, &created); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(intentJSON), &a.Intent); err != nil {
			return nil, fmt.Errorf("解析意图失败: %w", err)
		}
		if riskJSON.Valid {
			a.USDRiskCheck = new(audit.USDRiskCheck)
			if err := json.Unmarshal([]byte(riskJSON.String), a.USDRiskCheck); err != nil {
				return nil, fmt.Errorf("解析 USD 检查失败: %w", err)
			}
		}
		if simJSON.Valid {
			a.Simulation = new(simulation.Report)
			if err := json.Unmarshal([]byte(simJSON.String), a.Simulation); err != nil {
				return nil, fmt.Errorf("解析模拟结果失败: %w", err)
			}
		}
		a.ApprovalState = audit.ApprovalState(state)
		a.Timestamp = fromMillis(created)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return out, nil
}
