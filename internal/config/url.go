package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// buildDatabaseURL 根据驱动类型构建数据库连接字符串，用户名与密码按 URL 规则转义
func buildDatabaseURL(db DatabaseConfig, password string) string {
	switch strings.ToLower(db.Driver) {
	case "sqlite":
		if db.Path == "" {
			return "file:agents-dispatch.db"
		}
		return "file:" + db.Path
	case "mongodb":
		u := url.URL{Scheme: "mongodb", Host: hostPort(db.Host, db.Port)}
		if db.User != "" {
			u.User = url.UserPassword(db.User, password)
		}
		return u.String()
	default: // postgres
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(db.User, password),
			Host:     hostPort(db.Host, db.Port),
			Path:     "/" + db.Name,
			RawQuery: url.Values{"sslmode": {db.SSLMode}}.Encode(),
		}
		return u.String()
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// detectDatabaseDriver 检测数据库驱动类型
// 优先级：YAML driver 字段 > DATABASE_URL 前缀自动检测 > 默认 sqlite
func detectDatabaseDriver(yamlDriver, databaseURL string) string {
	switch d := strings.ToLower(yamlDriver); d {
	case "sqlite", "postgres", "mongodb":
		return d
	case "postgresql", "pg":
		return "postgres"
	case "mongo":
		return "mongodb"
	case "":
	default:
		return d
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(databaseURL, "mongodb://") || strings.HasPrefix(databaseURL, "mongodb+srv://") {
		return "mongodb"
	}
	return "sqlite"
}

// buildRedisURL 构建 Redis 连接字符串
//
// redis.url 非空时直接使用；否则由 host/port/db/password 构建
func buildRedisURL(redis RedisConfig) string {
	if redis.URL != "" {
		return redis.URL
	}
	u := url.URL{Scheme: "redis", Host: hostPort(redis.Host, redis.Port), Path: "/" + strconv.Itoa(redis.DB)}
	if redis.Password != "" {
		u.User = url.UserPassword("", redis.Password)
	}
	return u.String()
}

var passwordRe = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

// maskPassword 隐藏密码
func maskPassword(url string) string {
	return passwordRe.ReplaceAllString(url, "${1}***${3}")
}

// parseEnv 解析环境字符串
func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// firstEnv 返回第一个非空的环境变量值
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnv 获取环境变量，支持默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL))
}
