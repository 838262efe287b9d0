package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"
	"github.com/joho/godotenv"

	"github.com/ifuryst/postwave/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Notify    NotifyConfig    `yaml:"notify"`
	Providers ProvidersConfig `yaml:"providers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port            int    `yaml:"port"`
	Host            string `yaml:"host"`
	Mode            string `yaml:"mode"`
	CertFile        string `yaml:"cert_file"`
	KeyFile         string `yaml:"key_file"`
	AdminTOTPSecret string `yaml:"admin_totp_secret"`
}

type DatabaseConfig struct {
	Type         string `yaml:"type"` // postgres | memory
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	TimeZone     string `yaml:"timezone"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

type SchedulerConfig struct {
	// Disabled turns off the periodic sweep; the admin and CLI sweep still work
	Disabled             bool `yaml:"disabled"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
	ImmediateToleranceMs int  `yaml:"immediate_tolerance_ms"`
	SweepBatchSize       int  `yaml:"sweep_batch_size"`
	// Claims older than this are considered abandoned by a crashed worker
	ClaimTimeoutSeconds  int  `yaml:"claim_timeout_seconds"`
	StatsIntervalSeconds int  `yaml:"stats_interval_seconds"`
}

func (s SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

func (s SchedulerConfig) ImmediateTolerance() time.Duration {
	return time.Duration(s.ImmediateToleranceMs) * time.Millisecond
}

func (s SchedulerConfig) ClaimTimeout() time.Duration {
	return time.Duration(s.ClaimTimeoutSeconds) * time.Second
}

func (s SchedulerConfig) StatsInterval() time.Duration {
	return time.Duration(s.StatsIntervalSeconds) * time.Second
}

type QueueConfig struct {
	Driver      string `yaml:"driver"` // memory | redis
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
	MaxAttempts int    `yaml:"max_attempts"`
	RetryBase   string `yaml:"retry_base"`
	RetryMax    string `yaml:"retry_max"`
	// Redis driver only
	KeyPrefix         string `yaml:"key_prefix"`
	PollInterval      string `yaml:"poll_interval"`
	VisibilityTimeout string `yaml:"visibility_timeout"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

type BreakerConfig struct {
	FailureThreshold uint   `yaml:"failure_threshold"`
	FailureWindow    uint   `yaml:"failure_window"`
	Delay            string `yaml:"delay"`
}

type ExecutorConfig struct {
	ProviderTimeout string        `yaml:"provider_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
	Breaker         BreakerConfig `yaml:"breaker"`
	// Per-provider requests per second; zero disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

type NotifyConfig struct {
	Log     bool        `yaml:"log"`
	Kafka   KafkaConfig `yaml:"kafka"`
	Timeout string      `yaml:"timeout"`
}

type WeChatOfficialConfig struct {
	Enabled             bool   `yaml:"enabled"`
	AppID               string `yaml:"app_id"`
	AppSecret           string `yaml:"app_secret"`
	BaseURL             string `yaml:"base_url"`
	DefaultThumbMediaID string `yaml:"default_thumb_media_id"`
	NeedOpenComment     int    `yaml:"need_open_comment"`
	OnlyFansCanComment  int    `yaml:"only_fans_can_comment"`
}

type SubstackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Domain  string `yaml:"domain"`
	Cookie  string `yaml:"cookie"`
	// BaseURL overrides https://{domain}
	BaseURL string `yaml:"base_url"`
}

type BlogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RepoURL       string `yaml:"repo_url"`
	Branch        string `yaml:"branch"`
	WorkspaceDir  string `yaml:"workspace_dir"`
	BaseURL       string `yaml:"base_url"`
	PostsDir      string `yaml:"posts_dir"`
	CommitMessage string `yaml:"commit_message"`
	GitUsername   string `yaml:"git_username"`
	GitEmail      string `yaml:"git_email"`
	Push          bool   `yaml:"push"`
}

type ProvidersConfig struct {
	WeChatOfficial WeChatOfficialConfig `yaml:"wechat_official"`
	Substack       SubstackConfig       `yaml:"substack"`
	Blog           BlogConfig           `yaml:"blog"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LoadConfig reads .env (when present), expands the YAML file and applies defaults.
func LoadConfig(configPath string) (*Config, error) {
	// Missing .env is the normal case outside development
	_ = godotenv.Load()

	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}

	if cfg.Scheduler.SweepIntervalSeconds == 0 {
		cfg.Scheduler.SweepIntervalSeconds = 60
	}
	if cfg.Scheduler.ImmediateToleranceMs == 0 {
		cfg.Scheduler.ImmediateToleranceMs = 5000
	}
	if cfg.Scheduler.SweepBatchSize == 0 {
		cfg.Scheduler.SweepBatchSize = 100
	}
	if cfg.Scheduler.ClaimTimeoutSeconds == 0 {
		cfg.Scheduler.ClaimTimeoutSeconds = 900
	}
	if cfg.Scheduler.StatsIntervalSeconds == 0 {
		cfg.Scheduler.StatsIntervalSeconds = 30
	}

	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.QueueSize == 0 {
		cfg.Queue.QueueSize = 64
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.RetryBase == "" {
		cfg.Queue.RetryBase = "1s"
	}
	if cfg.Queue.RetryMax == "" {
		cfg.Queue.RetryMax = "1m"
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = "postwave:queue"
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "500ms"
	}
	if cfg.Queue.VisibilityTimeout == "" {
		cfg.Queue.VisibilityTimeout = "5m"
	}
	if len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addrs = []string{"localhost:6379"}
	}

	if cfg.Executor.ProviderTimeout == "" {
		cfg.Executor.ProviderTimeout = "30s"
	}
	if cfg.Executor.Retry.MaxAttempts == 0 {
		cfg.Executor.Retry.MaxAttempts = 3
	}
	if cfg.Executor.Retry.BaseDelay == "" {
		cfg.Executor.Retry.BaseDelay = "30s"
	}
	if cfg.Executor.Retry.MaxDelay == "" {
		cfg.Executor.Retry.MaxDelay = "10m"
	}
	if cfg.Executor.Breaker.FailureThreshold == 0 {
		cfg.Executor.Breaker.FailureThreshold = 5
	}
	if cfg.Executor.Breaker.FailureWindow == 0 {
		cfg.Executor.Breaker.FailureWindow = 10
	}
	if cfg.Executor.Breaker.Delay == "" {
		cfg.Executor.Breaker.Delay = "1m"
	}
	if cfg.Executor.RateBurst == 0 {
		cfg.Executor.RateBurst = 1
	}

	if cfg.Notify.Timeout == "" {
		cfg.Notify.Timeout = "10s"
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = "postwave.notifications"
	}
	if cfg.Notify.Kafka.ClientID == "" {
		cfg.Notify.Kafka.ClientID = "postwave"
	}

	if cfg.Providers.WeChatOfficial.BaseURL == "" {
		cfg.Providers.WeChatOfficial.BaseURL = "https://api.weixin.qq.com"
	}
	if cfg.Providers.Blog.Branch == "" {
		cfg.Providers.Blog.Branch = "main"
	}
	if cfg.Providers.Blog.PostsDir == "" {
		cfg.Providers.Blog.PostsDir = "_posts"
	}
	if cfg.Providers.Blog.WorkspaceDir == "" {
		cfg.Providers.Blog.WorkspaceDir = "workspace"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "postwave"
	}
}

// Validate checks values the defaults cannot repair
func (c *Config) Validate() error {
	durations := map[string]string{
		"queue.retry_base":          c.Queue.RetryBase,
		"queue.retry_max":           c.Queue.RetryMax,
		"queue.poll_interval":       c.Queue.PollInterval,
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"executor.provider_timeout": c.Executor.ProviderTimeout,
		"executor.retry.base_delay": c.Executor.Retry.BaseDelay,
		"executor.retry.max_delay":  c.Executor.Retry.MaxDelay,
		"executor.breaker.delay":    c.Executor.Breaker.Delay,
		"notify.timeout":            c.Notify.Timeout,
	}
	for key, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}

	switch c.Database.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}
	if c.Executor.Breaker.FailureThreshold > c.Executor.Breaker.FailureWindow {
		return fmt.Errorf("executor.breaker.failure_threshold must not exceed failure_window")
	}
	return nil
}

// Duration parses a value already checked by Validate
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
