// Package config 提供了日志分诊网关的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和令牌）。
// 配置包含了服务器、认证、存储、事件、日志、指标、遥测、编排引擎和下游集成等多个方面的设置。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/triage/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口和关闭超时
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Storage 存储配置，选择运行存储后端并提供连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Orchestrator 编排引擎配置，包括分发工作池与重试策略
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	// Selection 等待选择的超时清理配置
	Selection SelectionConfig `yaml:"selection"`
	// Slack 通知集成配置
	Slack SlackConfig `yaml:"slack"`
	// Jira 工单集成配置
	Jira JiraConfig `yaml:"jira"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// RequestTimeout 单个请求的处理超时
	// 默认值：60 秒
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 认证配置结构体。
// 定义了 JWT 和 API Key 认证相关的设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// JWTSecret JWT 签名密钥，可通过环境变量 TRIAGE_AUTH_JWT_SECRET 或
	// TRIAGE_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration JWT 令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeys 静态 API Key 列表，加载后以 SHA-256 哈希形式保存在内存中
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig 单个静态 API Key
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Driver 运行存储后端，可选值：memory、postgres、redis
	// 默认值：memory
	Driver string `yaml:"driver"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库服务器主机名或 IP 地址
	Host string `yaml:"host"`
	// Port 数据库服务器端口
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 TRIAGE_POSTGRES_PASSWORD 或
	// TRIAGE_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 sslmode 参数
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 TRIAGE_REDIS_PASSWORD 或
	// TRIAGE_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// KeyPrefix 所有键的前缀
	// 默认值：triage
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig 事件配置结构体。
// 定义了 NATS 事件总线的连接设置。
type EventsConfig struct {
	// NatsURL NATS 服务器连接 URL，为空时只使用进程内广播
	NatsURL string `yaml:"nats_url"`
	// IngestSubject 日志接入主题，收到的消息会启动新的运行
	// 默认值：triage.ingest
	IngestSubject string `yaml:"ingest_subject"`
	// IngestEnabled 是否订阅日志接入主题
	IngestEnabled bool `yaml:"ingest_enabled"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：triage
	Namespace string `yaml:"namespace"`
}

// OrchestratorConfig 编排引擎配置结构体。
type OrchestratorConfig struct {
	// Workers 分发工作协程数
	// 默认值：4
	Workers int `yaml:"workers"`
	// QueueSize 分发队列大小
	// 默认值：256
	QueueSize int `yaml:"queue_size"`
	// MaxAttempts 每个步骤的最大尝试次数
	// 默认值：2
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff 分发重试前的等待时间
	// 默认值：2 秒
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// DispatchTimeout 单次分发（通知 + 工单）的超时时间
	// 默认值：30 秒
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// LockTTL 分布式运行锁的过期时间
	// 默认值：1 分钟
	LockTTL time.Duration `yaml:"lock_ttl"`
	// RecoveryEnabled 是否启用运行恢复（重启后继续未完成的运行）
	// 默认值：true
	RecoveryEnabled *bool `yaml:"recovery_enabled"`
	// RecoveryInterval 恢复检查间隔
	// 默认值：30 秒
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// Recovery 返回是否启用运行恢复
func (o OrchestratorConfig) Recovery() bool {
	return o.RecoveryEnabled == nil || *o.RecoveryEnabled
}

// SelectionConfig 等待选择超时配置结构体。
type SelectionConfig struct {
	// TTL 运行停留在等待选择状态的最长时间，0 表示永不过期
	TTL time.Duration `yaml:"ttl"`
	// SweepSchedule 清理任务的 cron 表达式
	// 默认值：@every 1m
	SweepSchedule string `yaml:"sweep_schedule"`
}

// SlackConfig Slack 通知配置结构体。
type SlackConfig struct {
	// BotToken Bot 令牌，可通过环境变量 SLACK_BOT_TOKEN 或 TRIAGE_SLACK_BOT_TOKEN_FILE 覆盖
	BotToken string `yaml:"bot_token"`
	// DefaultChannel 未指定频道时使用的默认频道
	// 默认值：#general
	DefaultChannel string `yaml:"default_channel"`
	// BaseURL Slack Web API 地址
	// 默认值：https://slack.com/api
	BaseURL string `yaml:"base_url"`
	// Timeout 单次请求超时
	// 默认值：10 秒
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit 每秒最多发送的消息数
	// 默认值：1
	RateLimit float64 `yaml:"rate_limit"`
	// Burst 限流允许的突发消息数
	// 默认值：5
	Burst int `yaml:"burst"`
}

// Enabled 检查 Slack 是否已配置
func (s SlackConfig) Enabled() bool {
	return s.BotToken != ""
}

// JiraConfig Jira 工单配置结构体。
type JiraConfig struct {
	// BaseURL Jira 站点地址，如 https://example.atlassian.net
	BaseURL string `yaml:"base_url"`
	// Email 用于基本认证的账号邮箱
	Email string `yaml:"email"`
	// APIToken API 令牌，可通过环境变量 JIRA_API_TOKEN 或 TRIAGE_JIRA_API_TOKEN_FILE 覆盖
	APIToken string `yaml:"api_token"`
	// ProjectKey 工单所属项目
	ProjectKey string `yaml:"project_key"`
	// IssueType 工单类型
	// 默认值：Problem
	IssueType string `yaml:"issue_type"`
	// Timeout 单次请求超时
	// 默认值：15 秒
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled 检查 Jira 是否已配置
func (j JiraConfig) Enabled() bool {
	return j.BaseURL != "" && j.APIToken != "" && j.ProjectKey != ""
}

// Load 从指定路径加载配置文件。
// 该函数执行以下步骤：
// 1. 读取 YAML 配置文件
// 2. 解析 YAML 内容到 Config 结构体
// 3. 应用默认值
// 4. 应用环境变量覆盖
//
// 参数：
//   - path: 配置文件的路径，为空时只使用默认值与环境变量
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 敏感配置项支持两种方式：
// 1. 直接设置环境变量（如 TRIAGE_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 TRIAGE_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"TRIAGE_POSTGRES_PASSWORD"},
		[]string{"TRIAGE_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"TRIAGE_REDIS_PASSWORD"},
		[]string{"TRIAGE_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"TRIAGE_AUTH_JWT_SECRET"},
		[]string{"TRIAGE_AUTH_JWT_SECRET_FILE"},
	); v != "" {
		c.Auth.JWTSecret = v
	}

	// 下游集成兼容无前缀的旧变量名
	if v := readEnvOrFileAny(
		[]string{"TRIAGE_SLACK_BOT_TOKEN", "SLACK_BOT_TOKEN"},
		[]string{"TRIAGE_SLACK_BOT_TOKEN_FILE", "SLACK_BOT_TOKEN_FILE"},
	); v != "" {
		c.Slack.BotToken = v
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_SLACK_CHANNEL", "SLACK_CHANNEL"}, nil); v != "" {
		c.Slack.DefaultChannel = v
	}
	if v := readEnvOrFileAny(
		[]string{"TRIAGE_JIRA_API_TOKEN", "JIRA_API_TOKEN"},
		[]string{"TRIAGE_JIRA_API_TOKEN_FILE", "JIRA_API_TOKEN_FILE"},
	); v != "" {
		c.Jira.APIToken = v
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_JIRA_BASE_URL", "JIRA_BASE_URL"}, nil); v != "" {
		c.Jira.BaseURL = strings.TrimRight(v, "/")
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_JIRA_EMAIL", "JIRA_EMAIL"}, nil); v != "" {
		c.Jira.Email = v
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_JIRA_PROJECT_KEY", "JIRA_PROJECT_KEY"}, nil); v != "" {
		c.Jira.ProjectKey = v
	}

	// 非敏感项
	if v := readEnvOrFileAny([]string{"TRIAGE_STORAGE_DRIVER"}, nil); v != "" {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_NATS_URL"}, nil); v != "" {
		c.Events.NatsURL = v
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_LOG_LEVEL"}, nil); v != "" {
		c.Logging.Level = v
	}
	if v := readEnvOrFileAny([]string{"TRIAGE_HTTP_PORT"}, nil); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.HTTPPort = port
		}
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
//
// 参数：
//   - envKeys: 直接存储值的环境变量名（按优先级从高到低）
//   - fileKeys: 存储文件路径的环境变量名（按优先级从高到低）
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	// JWT 过期时间默认为 24 小时
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	// 未指定存储后端时使用内存存储
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 10
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "triage"
	}
	if c.Events.IngestSubject == "" {
		c.Events.IngestSubject = "triage.ingest"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "triage"
	}
	// 遥测服务名称默认为 triage-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "triage-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 4
	}
	if c.Orchestrator.QueueSize == 0 {
		c.Orchestrator.QueueSize = 256
	}
	// 每个步骤默认最多尝试 2 次
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = 2
	}
	if c.Orchestrator.RetryBackoff == 0 {
		c.Orchestrator.RetryBackoff = 2 * time.Second
	}
	if c.Orchestrator.DispatchTimeout == 0 {
		c.Orchestrator.DispatchTimeout = 30 * time.Second
	}
	if c.Orchestrator.LockTTL == 0 {
		c.Orchestrator.LockTTL = time.Minute
	}
	if c.Orchestrator.RecoveryInterval == 0 {
		c.Orchestrator.RecoveryInterval = 30 * time.Second
	}
	if c.Selection.SweepSchedule == "" {
		c.Selection.SweepSchedule = "@every 1m"
	}
	if c.Slack.DefaultChannel == "" {
		c.Slack.DefaultChannel = "#general"
	}
	if c.Slack.BaseURL == "" {
		c.Slack.BaseURL = "https://slack.com/api"
	}
	if c.Slack.Timeout == 0 {
		c.Slack.Timeout = 10 * time.Second
	}
	if c.Slack.RateLimit == 0 {
		c.Slack.RateLimit = 1
	}
	if c.Slack.Burst == 0 {
		c.Slack.Burst = 5
	}
	if c.Jira.IssueType == "" {
		c.Jira.IssueType = "Problem"
	}
	if c.Jira.Timeout == 0 {
		c.Jira.Timeout = 15 * time.Second
	}
	c.Jira.BaseURL = strings.TrimRight(c.Jira.BaseURL, "/")
}
