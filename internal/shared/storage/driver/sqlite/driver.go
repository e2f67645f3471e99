// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于单机部署、开发和测试场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"agents-dispatch/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToQuestion(query)
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:dispatch.db" 或 ":memory:"
//
// SQLite 只允许单写者，连接池限制为 1 个连接：写操作在进程内排队，
// 同时保证 :memory: 数据库在所有调用间共享同一份数据。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema 与 PostgreSQL 建表语句等价；时间统一由应用以 UTC 写入
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    description TEXT NOT NULL,
    project VARCHAR(200) NOT NULL DEFAULT '',
    base_branch VARCHAR(200) NOT NULL DEFAULT '',
    target_branch VARCHAR(200) NOT NULL DEFAULT '',
    requester VARCHAR(200) NOT NULL DEFAULT '',
    chat_thread_id VARCHAR(200) NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL DEFAULT 'queued',
    assigned_machine VARCHAR(64),
    orchestrator_id VARCHAR(64),
    started_at DATETIME,
    completed_at DATETIME,
    result_summary TEXT NOT NULL DEFAULT '',
    result_payload TEXT,
    error_message TEXT NOT NULL DEFAULT '',
    changed_files TEXT,
    artifact_url TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    max_cost REAL NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks (status, assigned_machine, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_requester ON tasks (requester, created_at DESC);

CREATE TABLE IF NOT EXISTS machines (
    id VARCHAR(64) PRIMARY KEY,
    display_name VARCHAR(200) NOT NULL DEFAULT '',
    projects TEXT,
    max_concurrent INTEGER NOT NULL DEFAULT 1,
    active_tasks INTEGER NOT NULL DEFAULT 0,
    cost_per_task REAL NOT NULL DEFAULT 0,
    hostname VARCHAR(255) NOT NULL DEFAULT '',
    version VARCHAR(64) NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL DEFAULT 'online',
    last_heartbeat DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
`
