package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 默认值 → common.yaml → {env}.yaml
//  3. 环境变量覆盖
//  4. 填充默认值
//
// 文件缺失不是错误；YAML 语法错误返回错误。
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	if err := loadEnvFiles(env); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	yamlCfg, loadedFrom, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{YAMLConfig: *yamlCfg, Env: env, ConfigFilePath: loadedFrom}
	cfg.applyEnv()
	cfg.applyDefaults()

	cfg.DatabaseDriver = detectDatabaseDriver(cfg.Database.Driver, os.Getenv("DATABASE_URL"))
	cfg.Database.Driver = cfg.DatabaseDriver
	cfg.DatabaseURL = getEnv("DATABASE_URL", buildDatabaseURL(cfg.Database, cfg.Database.Password))
	cfg.RedisURL = getEnv("REDIS_URL", buildRedisURL(cfg.Redis))

	return cfg, nil
}

// defaultYAMLConfig 代码内置默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		APIServer: APIServerConfig{Port: "8080", URL: "http://localhost:8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "agents-dispatch.db", Host: "localhost", Port: 5432, User: "dispatch", Name: "agents_dispatch", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		Etcd:      EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/agents-dispatch"},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "agents-dispatch"},
		Claim:     ClaimConfig{AllowUnassigned: true},
	}
}

// loadYAMLConfig 按 默认值 → common.yaml → {env}.yaml 顺序加载
func loadYAMLConfig(env Environment) (*YAMLConfig, string, error) {
	cfg := defaultYAMLConfig()
	loadedFrom := ""

	for _, name := range []string{"common.yaml", string(env) + ".yaml"} {
		path := findConfigFile(env, name)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", path, err)
		}
		loadedFrom = path
	}
	return cfg, loadedFrom, nil
}

// applyEnv 环境变量覆盖（凭据只在这里读取）
func (c *Config) applyEnv() {
	c.Database.Password = os.Getenv("DB_PASSWORD")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.NodeToken = os.Getenv("NODE_TOKEN")
	c.Slack.Token = os.Getenv("SLACK_BOT_TOKEN")
	c.MinIO.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	c.MinIO.SecretKey = os.Getenv("MINIO_SECRET_KEY")

	if v := firstEnv("API_PORT", "PORT"); v != "" {
		c.APIServer.Port = v
	}
	if v := os.Getenv("API_SERVER_URL"); v != "" {
		c.APIServer.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("NODE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Node.MaxConcurrent = n
		}
	}
}

// applyDefaults 填充未配置的默认值
func (c *Config) applyDefaults() {
	d := &c.Dispatcher
	if d.Interval <= 0 {
		d.Interval = 10 * time.Second
	}
	if d.StaleThreshold <= 0 {
		d.StaleThreshold = 120 * time.Second
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if len(d.Chain) == 0 {
		d.Chain = []string{"project_affinity", "load_balance"}
	}

	r := &c.Relay
	if r.InputRetention <= 0 {
		r.InputRetention = 30 * time.Minute
	}
	if r.TranscriptRetention <= 0 {
		r.TranscriptRetention = 30 * time.Minute
	}
	if r.EventRetention <= 0 {
		r.EventRetention = 24 * time.Hour
	}
	if r.GCInterval <= 0 {
		r.GCInterval = 60 * time.Second
	}
	if r.CoalesceInterval <= 0 {
		r.CoalesceInterval = 2 * time.Second
	}

	m := &c.Monitor
	if m.HealthInterval <= 0 {
		m.HealthInterval = 60 * time.Second
	}
	if m.ProactiveInterval <= 0 {
		m.ProactiveInterval = 5 * time.Minute
	}
	if m.HealthStaleAfter <= 0 {
		m.HealthStaleAfter = 10 * time.Minute
	}
	if m.ProactiveStaleAfter <= 0 {
		m.ProactiveStaleAfter = 60 * time.Minute
	}
	if m.AlertCooldown <= 0 {
		m.AlertCooldown = 10 * time.Minute
	}
	if m.RecentCapacity <= 0 {
		m.RecentCapacity = 1024
	}
	if m.EscalateAfter <= 0 {
		m.EscalateAfter = 3
	}
	if m.RemediationCooldown <= 0 {
		m.RemediationCooldown = 30 * time.Minute
	}
	if m.Component == "" {
		m.Component = "api-server"
	}

	if c.Slack.MaxChars <= 0 {
		c.Slack.MaxChars = 3500
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	n := &c.Node
	// n.ID 为空时由 Node Manager 根据 machine-id 生成
	if n.DisplayName == "" {
		if host, err := os.Hostname(); err == nil {
			n.DisplayName = host
		}
	}
	if n.MaxConcurrent <= 0 {
		n.MaxConcurrent = 1
	}
	if n.WorkspaceDir == "" {
		n.WorkspaceDir = "."
	}
	if n.Command == "" {
		n.Command = "claude"
	}
	if len(n.Args) == 0 {
		n.Args = []string{"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}
	}
	if n.SessionTimeout <= 0 {
		n.SessionTimeout = 2 * time.Hour
	}
	if n.HeartbeatInterval <= 0 {
		n.HeartbeatInterval = 10 * time.Second
	}
	if n.ClaimInterval <= 0 {
		n.ClaimInterval = 5 * time.Second
	}
	if n.InputPollInterval <= 0 {
		n.InputPollInterval = 2 * time.Second
	}
	if n.EventBatchSize <= 0 {
		n.EventBatchSize = 20
	}
	if n.EventFlushEvery <= 0 {
		n.EventFlushEvery = time.Second
	}
}

// Validate 校验致命配置错误，main 中遇到错误直接退出
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	case "mongodb":
		if c.Database.Name == "" {
			errs = append(errs, errors.New("database.name is required for mongodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.DatabaseDriver))
	}
	if c.Slack.Enabled && c.Slack.Token == "" {
		errs = append(errs, errors.New("slack.enabled requires SLACK_BOT_TOKEN"))
	}
	if c.MinIO.Enabled && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		errs = append(errs, errors.New("minio.enabled requires MINIO_ACCESS_KEY and MINIO_SECRET_KEY"))
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd.enabled requires etcd.endpoints"))
	}
	if c.Env == EnvProduction {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in prod"))
		}
		if c.DatabaseDriver == "postgres" && c.Database.Password == "" && os.Getenv("DATABASE_URL") == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required for postgres in prod"))
		}
	}
	if c.Node.MaxConcurrent < 1 {
		errs = append(errs, errors.New("node.max_concurrent must be >= 1"))
	}
	return errors.Join(errs...)
}
