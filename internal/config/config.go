package config

import (
	"fmt"
	"os"
	"time"

	"wisefido-band/internal/common/config"

	"gopkg.in/yaml.v3"
)

// Config 手环告警服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	Identity IdentityConfig `yaml:"identity"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerting AlertingConfig `yaml:"alerting"`
	Queue    QueueConfig    `yaml:"queue"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Notify   NotifyConfig   `yaml:"notify"`
	Forensic ForensicConfig `yaml:"forensic"`
	HTTP     HTTPConfig     `yaml:"http"`

	// OperationTimeout 每次存储/队列/幂等账本调用的超时
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// Workers 告警流水线 worker 数
	Workers int `yaml:"workers"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// IdentityConfig 设备身份配置
type IdentityConfig struct {
	ServerSecret    string        `yaml:"server_secret"`     // token HMAC 密钥
	ServerPublicKey string        `yaml:"server_public_key"` // 注册响应中回传，可为空
	TokenTTL        time.Duration `yaml:"token_ttl"`         // 默认 8760h
	NonceWindow     time.Duration `yaml:"nonce_window"`      // nonce 单次使用窗口，默认 10m
}

// MonitorConfig 健康监控配置
type MonitorConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`     // 默认 30s
	OfflineThreshold  time.Duration `yaml:"offline_threshold"`  // 默认 5m
	DegradedThreshold time.Duration `yaml:"degraded_threshold"` // 默认 2m
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`     // 默认 15m
}

// Direction 阈值方向
type Direction string

const (
	DirectionHigh Direction = "HIGH" // 高于阈值触发
	DirectionLow  Direction = "LOW"  // 低于阈值触发
)

// RuleThreshold 三级阈值
type RuleThreshold struct {
	Enabled    bool      `yaml:"enabled"`
	Direction  Direction `yaml:"direction"`
	Normal     float64   `yaml:"normal"`
	Warning    float64   `yaml:"warning"`
	Critical   float64   `yaml:"critical"`
	BucketSize float64   `yaml:"bucket_size"`
}

// AlertingConfig 规则与流水线配置
type AlertingConfig struct {
	MinConfidence float64       `yaml:"min_confidence"`
	RecencyWindow time.Duration `yaml:"recency_window"` // 默认 5m

	// Rules 按告警类型（HEART_RATE_HIGH 等）覆盖默认阈值
	Rules map[string]RuleThreshold `yaml:"rules"`
}

// QueueConfig 工作队列配置
type QueueConfig struct {
	Backend     string        `yaml:"backend"` // redis | memory
	Stream      string        `yaml:"stream"`
	Group       string        `yaml:"group"`
	Consumer    string        `yaml:"consumer"`
	BatchSize   int64         `yaml:"batch_size"`
	ReadBlock   time.Duration `yaml:"read_block"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	MaxAttempts int           `yaml:"max_attempts"` // 默认 5
	BaseBackoff time.Duration `yaml:"base_backoff"` // 默认 1s
	MaxBackoff  time.Duration `yaml:"max_backoff"`  // 默认 30s
}

// LedgerConfig 幂等账本配置
type LedgerConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// IngestConfig 遥测接入配置
type IngestConfig struct {
	TelemetryTopic string `yaml:"telemetry_topic"` // bands/+/telemetry
}

// NotifyConfig 实时通知配置
type NotifyConfig struct {
	TopicPrefix    string        `yaml:"topic_prefix"` // MQTT 发布主题前缀
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	AsyncLimit     int           `yaml:"async_limit"` // fire-and-forget 并发上限
}

// ForensicConfig 取证只读模式配置
type ForensicConfig struct {
	RedisKey   string `yaml:"redis_key"`
	ReadOnly   bool   `yaml:"read_only"`   // 静态开关
	FailClosed bool   `yaml:"fail_closed"` // Redis 不可用时拒绝写入
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultRuleThresholds 默认规则阈值
func DefaultRuleThresholds() map[string]RuleThreshold {
	return map[string]RuleThreshold{
		"HEART_RATE_HIGH":     {Enabled: true, Direction: DirectionHigh, Normal: 100, Warning: 120, Critical: 150, BucketSize: 10},
		"HEART_RATE_LOW":      {Enabled: true, Direction: DirectionLow, Normal: 60, Warning: 50, Critical: 40, BucketSize: 10},
		"TEMPERATURE_HIGH":    {Enabled: true, Direction: DirectionHigh, Normal: 37.5, Warning: 38.5, Critical: 40.0, BucketSize: 0.5},
		"TEMPERATURE_LOW":     {Enabled: true, Direction: DirectionLow, Normal: 36.0, Warning: 35.0, Critical: 34.0, BucketSize: 0.5},
		"SPO2_LOW":            {Enabled: true, Direction: DirectionLow, Normal: 95, Warning: 90, Critical: 85, BucketSize: 2},
		"BLOOD_PRESSURE_HIGH": {Enabled: true, Direction: DirectionHigh, Normal: 130, Warning: 140, Critical: 180, BucketSize: 10},
		"BATTERY_LOW":         {Enabled: true, Direction: DirectionLow, Normal: 30, Warning: 20, Critical: 10, BucketSize: 5},
		"SIGNAL_WEAK":         {Enabled: true, Direction: DirectionLow, Normal: -80, Warning: -90, Critical: -100, BucketSize: 5},
	}
}

// Default 返回全部默认值
func Default() *Config {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "wisefido_band",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.MQTT = config.MQTTConfig{
		Enabled:        false,
		Broker:         "tcp://localhost:1883",
		ClientID:       "wisefido-band",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}

	cfg.Identity = IdentityConfig{
		TokenTTL:    8760 * time.Hour,
		NonceWindow: 10 * time.Minute,
	}
	cfg.Monitor = MonitorConfig{
		SweepInterval:     30 * time.Second,
		OfflineThreshold:  5 * time.Minute,
		DegradedThreshold: 2 * time.Minute,
		AlertCooldown:     15 * time.Minute,
	}
	cfg.Alerting = AlertingConfig{
		MinConfidence: 0.5,
		RecencyWindow: 5 * time.Minute,
		Rules:         DefaultRuleThresholds(),
	}
	cfg.Queue = QueueConfig{
		Backend:     "redis",
		Stream:      "band:metric_events",
		Group:       "band-alert-workers",
		Consumer:    hostnameOr("band-worker"),
		BatchSize:   10,
		ReadBlock:   2 * time.Second,
		DedupTTL:    time.Hour,
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
	cfg.Ledger = LedgerConfig{
		KeyPrefix: "band:ledger:",
		TTL:       24 * time.Hour,
	}
	cfg.Ingest = IngestConfig{TelemetryTopic: "bands/+/telemetry"}
	cfg.Notify = NotifyConfig{
		TopicPrefix:    "bands/realtime",
		WebhookTimeout: 5 * time.Second,
		AsyncLimit:     64,
	}
	cfg.Forensic = ForensicConfig{RedisKey: "band:forensic_mode"}
	cfg.HTTP = HTTPConfig{
		Addr:            ":8090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	cfg.OperationTimeout = 5 * time.Second
	cfg.Workers = 4
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 -> CONFIG_FILE（可选 YAML）-> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Identity.ServerSecret = getEnv("DEVICE_TOKEN_SECRET", cfg.Identity.ServerSecret)
	cfg.Identity.ServerPublicKey = getEnv("SERVER_PUBLIC_KEY", cfg.Identity.ServerPublicKey)
	cfg.Identity.TokenTTL = config.EnvDuration("DEVICE_TOKEN_TTL", cfg.Identity.TokenTTL)
	cfg.Identity.NonceWindow = config.EnvDuration("DEVICE_NONCE_WINDOW", cfg.Identity.NonceWindow)

	cfg.Monitor.SweepInterval = config.EnvDuration("MONITOR_SWEEP_INTERVAL", cfg.Monitor.SweepInterval)
	cfg.Monitor.OfflineThreshold = config.EnvDuration("MONITOR_OFFLINE_THRESHOLD", cfg.Monitor.OfflineThreshold)
	cfg.Monitor.DegradedThreshold = config.EnvDuration("MONITOR_DEGRADED_THRESHOLD", cfg.Monitor.DegradedThreshold)
	cfg.Monitor.AlertCooldown = config.EnvDuration("MONITOR_ALERT_COOLDOWN", cfg.Monitor.AlertCooldown)

	cfg.Alerting.MinConfidence = config.EnvFloat("ALERT_MIN_CONFIDENCE", cfg.Alerting.MinConfidence)
	cfg.Alerting.RecencyWindow = config.EnvDuration("ALERT_RECENCY_WINDOW", cfg.Alerting.RecencyWindow)

	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.Stream = getEnv("QUEUE_STREAM", cfg.Queue.Stream)
	cfg.Queue.Group = getEnv("QUEUE_GROUP", cfg.Queue.Group)
	cfg.Queue.Consumer = getEnv("QUEUE_CONSUMER", cfg.Queue.Consumer)
	cfg.Queue.MaxAttempts = config.EnvInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.BaseBackoff = config.EnvDuration("QUEUE_BASE_BACKOFF", cfg.Queue.BaseBackoff)
	cfg.Queue.MaxBackoff = config.EnvDuration("QUEUE_MAX_BACKOFF", cfg.Queue.MaxBackoff)

	cfg.Ingest.TelemetryTopic = getEnv("MQTT_TELEMETRY_TOPIC", cfg.Ingest.TelemetryTopic)
	cfg.Notify.TopicPrefix = getEnv("MQTT_REALTIME_TOPIC_PREFIX", cfg.Notify.TopicPrefix)
	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Forensic.RedisKey = getEnv("FORENSIC_REDIS_KEY", cfg.Forensic.RedisKey)
	cfg.Forensic.ReadOnly = config.EnvBool("FORENSIC_READ_ONLY", cfg.Forensic.ReadOnly)
	cfg.Forensic.FailClosed = config.EnvBool("FORENSIC_FAIL_CLOSED", cfg.Forensic.FailClosed)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.OperationTimeout = config.EnvDuration("OPERATION_TIMEOUT", cfg.OperationTimeout)
	cfg.Workers = config.EnvInt("ALERT_WORKERS", cfg.Workers)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 用 YAML 文件覆盖当前配置；rules 按条目合并
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	defaults := c.Alerting.Rules
	c.Alerting.Rules = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.Alerting.Rules = defaults
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	merged := make(map[string]RuleThreshold, len(defaults))
	for name, rt := range defaults {
		merged[name] = rt
	}
	for name, rt := range c.Alerting.Rules {
		merged[name] = rt
	}
	c.Alerting.Rules = merged
	return nil
}

// Validate 校验配置一致性
func (c *Config) Validate() error {
	if len(c.Identity.ServerSecret) < 16 {
		return fmt.Errorf("identity.server_secret must be at least 16 characters (DEVICE_TOKEN_SECRET)")
	}

	durations := map[string]time.Duration{
		"identity.token_ttl":         c.Identity.TokenTTL,
		"identity.nonce_window":      c.Identity.NonceWindow,
		"monitor.sweep_interval":     c.Monitor.SweepInterval,
		"monitor.offline_threshold":  c.Monitor.OfflineThreshold,
		"monitor.degraded_threshold": c.Monitor.DegradedThreshold,
		"monitor.alert_cooldown":     c.Monitor.AlertCooldown,
		"alerting.recency_window":    c.Alerting.RecencyWindow,
		"queue.base_backoff":         c.Queue.BaseBackoff,
		"queue.max_backoff":          c.Queue.MaxBackoff,
		"operation_timeout":          c.OperationTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.Monitor.DegradedThreshold >= c.Monitor.OfflineThreshold {
		return fmt.Errorf("monitor.degraded_threshold (%s) must be below offline_threshold (%s)",
			c.Monitor.DegradedThreshold, c.Monitor.OfflineThreshold)
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return fmt.Errorf("queue.max_backoff must not be below base_backoff")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.Backend != "redis" && c.Queue.Backend != "memory" {
		return fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.Alerting.MinConfidence < 0 || c.Alerting.MinConfidence > 1 {
		return fmt.Errorf("alerting.min_confidence must be within [0,1]")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	for name, rt := range c.Alerting.Rules {
		if err := rt.Validate(); err != nil {
			return fmt.Errorf("alerting.rules.%s: %w", name, err)
		}
	}
	return nil
}

// Validate 阈值必须沿方向单调：HIGH 为 normal < warning < critical，LOW 相反
func (r RuleThreshold) Validate() error {
	if r.BucketSize <= 0 {
		return fmt.Errorf("bucket_size must be positive")
	}
	switch r.Direction {
	case DirectionHigh:
		if !(r.Normal < r.Warning && r.Warning < r.Critical) {
			return fmt.Errorf("HIGH ladder requires normal < warning < critical")
		}
	case DirectionLow:
		if !(r.Normal > r.Warning && r.Warning > r.Critical) {
			return fmt.Errorf("LOW ladder requires normal > warning > critical")
		}
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
