package sqlstore

import (
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
)

const (
	mysqlDuplicateEntry    = 1062
	sqliteConstraintUnique = 2067
	sqliteConstraintPK     = 1555
)

// dialect 汇总两种数据库之间有差异的 SQL 片段。
type dialect struct {
	name         string
	driver       string
	singleWriter bool
	setup        []string

	addSpend   string
	raisePeak  string
	clampScore string
}

var mysqlDialect = dialect{
	name:   "mysql",
	driver: "mysql",
	addSpend: `INSERT INTO spend_records (agent_id, spend_date, total_sol, total_usdc, total_usd, peak_portfolio_usd)
VALUES (?, ?, ?, ?, ?, 0)
ON DUPLICATE KEY UPDATE total_sol = total_sol + VALUES(total_sol), total_usdc = total_usdc + VALUES(total_usdc), total_usd = total_usd + VALUES(total_usd)`,
	raisePeak: `INSERT INTO spend_records (agent_id, spend_date, peak_portfolio_usd)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE peak_portfolio_usd = GREATEST(peak_portfolio_usd, VALUES(peak_portfolio_usd))`,
	clampScore: `UPDATE agents SET reputation = LEAST(?, GREATEST(?, reputation + ?)) WHERE id = ?`,
}

var sqliteDialect = dialect{
	name:         "sqlite",
	driver:       "sqlite",
	singleWriter: true,
	setup: []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	},
	addSpend: `INSERT INTO spend_records (agent_id, spend_date, total_sol, total_usdc, total_usd, peak_portfolio_usd)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT (agent_id, spend_date) DO UPDATE SET total_sol = total_sol + excluded.total_sol, total_usdc = total_usdc + excluded.total_usdc, total_usd = total_usd + excluded.total_usd`,
	raisePeak: `INSERT INTO spend_records (agent_id, spend_date, peak_portfolio_usd)
VALUES (?, ?, ?)
ON CONFLICT (agent_id, spend_date) DO UPDATE SET peak_portfolio_usd = MAX(peak_portfolio_usd, excluded.peak_portfolio_usd)`,
	clampScore: `UPDATE agents SET reputation = MIN(?, MAX(?, reputation + ?)) WHERE id = ?`,
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("不支持的存储驱动: %s", driver)
	}
}

// isDuplicate 判断错误是否为唯一键冲突。
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr *sqlite.Error
	if stdErrors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPK
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
