package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

const (
	// StateBackendMemory keeps limiter/correlator state in process
	StateBackendMemory = "memory"
	// StateBackendRedis keeps limiter/correlator state in Redis
	StateBackendRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	Logging        LoggingConfig        `yaml:"logging"`
	App            AppConfig            `yaml:"app"`
	Worker         WorkerConfig         `yaml:"worker"`
	Cache          CacheConfig          `yaml:"cache"`
	Provider       ProviderConfig       `yaml:"provider"`
	RateLimit      RateLimitConfig      `yaml:"ratelimit"`
	Abuse          AbuseConfig          `yaml:"abuse"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Deadman        DeadmanConfig        `yaml:"deadman"`
	PaymentVendor  PaymentVendorConfig  `yaml:"payment_vendor"`
	StateBackend   string               `yaml:"state_backend"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Burst              int           `yaml:"burst"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	LeaseTimeout       time.Duration `yaml:"lease_timeout"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MetricsPort        int           `yaml:"metrics_port"`
}

// CacheConfig holds freshness cache configuration
type CacheConfig struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	InflightDedup   bool          `yaml:"inflight_dedup"`
	TerminalStatus  []string      `yaml:"terminal_statuses"`
}

// ProviderConfig holds tracking provider client configuration
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	RequestsPerS float64       `yaml:"requests_per_second"`
	Burst        int           `yaml:"burst"`
}

// RateLimitConfig holds fixed-window limiter configuration
type RateLimitConfig struct {
	PurgeInterval time.Duration          `yaml:"purge_interval"`
	Presets       map[string]PresetValue `yaml:"presets"`
}

// PresetValue overrides a named limiter preset
type PresetValue struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// AbuseConfig holds correlator thresholds
type AbuseConfig struct {
	MaxKeysPerIP        int           `yaml:"max_keys_per_ip"`
	SuspiciousKeyCount  int           `yaml:"suspicious_key_count"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	SuspicionWindow     time.Duration `yaml:"suspicion_window"`
	APIKeyHeader        string        `yaml:"api_key_header"`
}

// ReconciliationConfig holds stuck-transaction resolver configuration
type ReconciliationConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StuckAfter  time.Duration `yaml:"stuck_after"`
	BatchSize   int           `yaml:"batch_size"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DeadmanConfig holds dead-man's-switch configuration
type DeadmanConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	IntervalDays   int                   `yaml:"interval_days"`
	CheckInterval  time.Duration         `yaml:"check_interval"`
	WarningBefore  time.Duration         `yaml:"warning_before"`
	WarningTo      string                `yaml:"warning_to"`
	TriggerActions []TriggerActionConfig `yaml:"trigger_actions"`
}

// TriggerActionConfig describes one action fired when the switch trips
type TriggerActionConfig struct {
	Kind      string         `yaml:"kind"`
	Recipient string         `yaml:"recipient"`
	Message   string         `yaml:"message"`
	JobType   string         `yaml:"job_type"`
	Payload   map[string]any `yaml:"payload"`
}

// PaymentVendorConfig holds payment vendor client configuration
type PaymentVendorConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServerKey    string        `yaml:"server_key"`
	Timeout      time.Duration `yaml:"timeout"`
	RequestsPerS float64       `yaml:"requests_per_second"`
	Burst        int           `yaml:"burst"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.StateBackend == "" {
		c.StateBackend = StateBackendMemory
	}
	if c.Cache.FreshnessWindow <= 0 {
		c.Cache.FreshnessWindow = 4 * time.Hour
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 10 * time.Second
	}
	if c.Worker.DefaultMaxAttempts <= 0 {
		c.Worker.DefaultMaxAttempts = 5
	}
	if c.RateLimit.PurgeInterval <= 0 {
		c.RateLimit.PurgeInterval = 5 * time.Minute
	}
	if c.Reconciliation.StuckAfter <= 0 {
		c.Reconciliation.StuckAfter = 24 * time.Hour
	}
	if c.Reconciliation.Interval <= 0 {
		c.Reconciliation.Interval = time.Hour
	}
	if c.Deadman.CheckInterval <= 0 {
		c.Deadman.CheckInterval = time.Hour
	}
	if c.Deadman.IntervalDays <= 0 {
		c.Deadman.IntervalDays = 30
	}
	if c.Deadman.WarningBefore <= 0 {
		c.Deadman.WarningBefore = 24 * time.Hour
	}
	if c.Abuse.APIKeyHeader == "" {
		c.Abuse.APIKeyHeader = "X-API-Key"
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Database.Driver {
	case "", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	return nil
}

func (c *Config) validateStateBackend() error {
	switch c.StateBackend {
	case StateBackendMemory:
		return nil
	case StateBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when state_backend is redis")
		}
		return nil
	default:
		return fmt.Errorf("unsupported state_backend: %q", c.StateBackend)
	}
}

// validProxy accepts an IP address or a CIDR block
func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateStateBackend(); err != nil {
		return err
	}

	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("invalid server trusted_proxies entry: %q", proxy)
		}
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}

	if c.PaymentVendor.BaseURL == "" {
		return fmt.Errorf("payment_vendor base_url is required")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.Burst <= 0 {
		return fmt.Errorf("worker burst must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.LeaseTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease_timeout must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	for i, action := range c.Deadman.TriggerActions {
		switch action.Kind {
		case "notify":
			if action.Recipient == "" {
				return fmt.Errorf("deadman trigger_actions[%d]: recipient is required", i)
			}
		case "enqueue_job":
			if action.JobType == "" {
				return fmt.Errorf("deadman trigger_actions[%d]: job_type is required", i)
			}
		default:
			return fmt.Errorf("deadman trigger_actions[%d]: unknown kind %q", i, action.Kind)
		}
	}

	return c.validateStateBackend()
}
