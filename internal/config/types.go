// Package config 统一配置管理
//
// 配置文件格式统一：API Server 和 Node Manager 共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. {env}.yaml（如 dev.yaml、test.yaml、prod.yaml）
//  3. common.yaml
//  4. 代码硬编码默认值
//
// 凭据单一数据源：密码/密钥只从环境变量读取，YAML 中不存储任何密码。
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/agents-dispatch/prod.yaml（凭据由 systemd 注入）
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer  APIServerConfig  `yaml:"api_server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Slack      SlackConfig      `yaml:"slack"`
	Auth       AuthConfig       `yaml:"auth"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Claim      ClaimConfig      `yaml:"claim"`
	Relay      RelayConfig      `yaml:"relay"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Node       NodeConfig       `yaml:"node"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port           string    `yaml:"port"`            // 监听端口
	URL            string    `yaml:"url"`             // API Server 完整 URL（Node Manager 连接用）
	CORSOrigins    []string  `yaml:"cors_origins"`    // 允许的跨域来源
	EmbeddedWorker bool      `yaml:"embedded_worker"` // 单机部署：进程内运行一个 Node Manager
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig HTTPS 配置
//
// cert_file/key_file 为空时在 cert_dir 下自动生成自签名 CA 与服务端证书
type TLSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	CertDir  string   `yaml:"cert_dir"`
	Hosts    []string `yaml:"hosts"` // 自签名证书额外的 SAN
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug/info/warn/error，为空按环境默认
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres"、"sqlite"（默认）或 "mongodb"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`    // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"` // postgres 库名；mongodb 数据库名
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Redis 配置（跨进程输入队列）
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL，优先于 host/port/db
}

// EtcdConfig etcd 配置（自动修复控制面）
type EtcdConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MinIOConfig MinIO 对象存储配置（会话记录归档）
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ACCESS_KEY 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_SECRET_KEY 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// SlackConfig 聊天转发配置
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"-"`         // 只从 SLACK_BOT_TOKEN 环境变量读取
	MaxChars int    `yaml:"max_chars"` // 单条消息最大字符数，超出拆分
}

// AuthConfig 认证配置
// 注意：JWTSecret/NodeToken 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret string        `yaml:"-"` // JWT_SECRET，为空时关闭鉴权（仅限 dev/test）
	NodeToken string        `yaml:"-"` // NODE_TOKEN，Node Manager 使用的 Bearer Token
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	Interval       time.Duration `yaml:"interval"`        // 调度周期
	StaleThreshold time.Duration `yaml:"stale_threshold"` // 机器心跳超时阈值
	BatchSize      int           `yaml:"batch_size"`      // 每周期最多处理的排队任务数
	Chain          []string      `yaml:"chain"`           // 策略链
}

// ClaimConfig 领取策略
type ClaimConfig struct {
	// AllowUnassigned 允许 Worker 直接领取未分配、项目匹配的任务
	AllowUnassigned bool `yaml:"allow_unassigned"`
}

// RelayConfig 输入转发与会话记录配置
type RelayConfig struct {
	InputRetention      time.Duration `yaml:"input_retention"`
	TranscriptRetention time.Duration `yaml:"transcript_retention"`
	EventRetention      time.Duration `yaml:"event_retention"` // 会话事件日志（回放用）保留时间
	GCInterval          time.Duration `yaml:"gc_interval"`
	CoalesceInterval    time.Duration `yaml:"coalesce_interval"`
}

// MonitorConfig 健康/主动监控配置
type MonitorConfig struct {
	HealthInterval      time.Duration `yaml:"health_interval"`
	ProactiveInterval   time.Duration `yaml:"proactive_interval"`
	HealthStaleAfter    time.Duration `yaml:"health_stale_after"`
	ProactiveStaleAfter time.Duration `yaml:"proactive_stale_after"`
	AlertCooldown       time.Duration `yaml:"alert_cooldown"`
	RecentCapacity      int           `yaml:"recent_capacity"`
	EscalateAfter       int           `yaml:"escalate_after"`
	RemediationCooldown time.Duration `yaml:"remediation_cooldown"`
	Component           string        `yaml:"component"` // 自动修复时重启的组件名
	AlertThread         string        `yaml:"alert_thread"`
}

// NodeConfig Node Manager 配置
type NodeConfig struct {
	ID                string        `yaml:"id"`
	DisplayName       string        `yaml:"display_name"`
	Projects          []string      `yaml:"projects"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	CostPerTask       float64       `yaml:"cost_per_task"`
	WorkspaceDir      string        `yaml:"workspace_dir"`
	Command           string        `yaml:"command"`
	Args              []string      `yaml:"args"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClaimInterval     time.Duration `yaml:"claim_interval"`
	InputPollInterval time.Duration `yaml:"input_poll_interval"`
	EventBatchSize    int           `yaml:"event_batch_size"`
	EventFlushEvery   time.Duration `yaml:"event_flush_interval"`
	Sandbox           SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig 在 Docker 容器中运行会话
//
// image 为空时会话以本地进程运行
type SandboxConfig struct {
	Image   string   `yaml:"image"`
	Mount   string   `yaml:"mount"`   // 容器内工作目录，默认 /workspace
	Network string   `yaml:"network"` // 容器网络模式，为空用 Docker 默认
	Env     []string `yaml:"env"`     // 额外环境变量 KEY=VALUE
}

// Config 应用配置（最终使用的配置）
type Config struct {
	YAMLConfig

	Env            Environment
	DatabaseDriver string // "postgres"、"sqlite" 或 "mongodb"
	DatabaseURL    string
	RedisURL       string
	ConfigFilePath string // 实际加载的配置文件路径
}
