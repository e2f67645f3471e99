// Package dbutil 提供数据库方言抽象和工具函数
//
// 通过 Dialect 接口屏蔽 PostgreSQL 与 SQLite 的 SQL 差异，
// repository 层的 SQL 统一以 PostgreSQL 风格编写。
package dbutil

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DriverType 数据库驱动类型
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverSQLite   DriverType = "sqlite"

	// DriverMongoDB 不走 database/sql，由 mongostore 单独实现
	DriverMongoDB DriverType = "mongodb"
)

// ParseDriverType 解析配置中的驱动名，未知返回错误
func ParseDriverType(name string) (DriverType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "mongodb", "mongo":
		return DriverMongoDB, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}

// Dialect 数据库方言接口
//
// 差异点：
//   - 占位符：PostgreSQL 用 $1, $2；SQLite 用 ?
//   - UPSERT 冲突子句
//   - 建表语句
type Dialect interface {
	// DriverType 返回驱动类型标识
	DriverType() DriverType

	// Rebind 将 PostgreSQL 风格的占位符 ($1, $2, ...) 转换为目标数据库的占位符格式
	Rebind(query string) string

	// UpsertConflict 生成 UPSERT 的冲突处理子句
	UpsertConflict(conflictColumn string, updateExprs []string) string

	// AutoMigrate 自动创建数据库 Schema（幂等）
	AutoMigrate(db *sql.DB) error
}

var (
	pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)
	pgCastRe        = regexp.MustCompile(`::(\w+)`)
)

// RebindToQuestion 将 $N 占位符转换为 ?，并去除 ::type 类型转换（SQLite 专用）
//
// 注意：转换后参数按出现顺序绑定，SQL 中同一个 $N 不能出现两次
func RebindToQuestion(query string) string {
	return pgCastRe.ReplaceAllString(pgPlaceholderRe.ReplaceAllString(query, "?"), "")
}

// OnConflictUpdate 生成标准的 ON CONFLICT ... DO UPDATE SET 子句（PostgreSQL 与 SQLite 通用）
func OnConflictUpdate(conflictColumn string, updateExprs []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updateExprs, ", "))
}

// PlaceholderList 生成从 start 开始的 count 个占位符，如 "$3, $4, $5"
func PlaceholderList(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
