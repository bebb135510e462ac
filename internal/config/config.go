// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Resume    ResumeConfig    `mapstructure:"resume"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs admission, the worker pool, and attempt bounds.
type QueueConfig struct {
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RecoverInterval time.Duration `mapstructure:"recover_interval"`
	SampleTimeout   time.Duration `mapstructure:"sample_timeout"`
	SamplePages     bool          `mapstructure:"sample_pages"`
}

// RetryConfig tunes backoff and attempt caps.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	RateLimitMinDelay  time.Duration `mapstructure:"rate_limit_min_delay"`
	TimeoutMultiplier  float64       `mapstructure:"timeout_multiplier"`
	UnknownMaxAttempts int           `mapstructure:"unknown_max_attempts"`
}

// TrustConfig lists the hosts the browser may visit. Empty uses the built-in ATS list.
type TrustConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// RoutingConfig decides which postings are automated.
type RoutingConfig struct {
	MinConfidence         float64 `mapstructure:"min_confidence"`
	BorderlineConfidence  float64 `mapstructure:"borderline_confidence"`
	BorderlineMaxAttempts int     `mapstructure:"borderline_max_attempts"`
	AutomateComplex       bool    `mapstructure:"automate_complex"`
}

// BrowserConfig configures the session pool and Chrome.
type BrowserConfig struct {
	MaxSessions       int           `mapstructure:"max_sessions"`
	Headless          bool          `mapstructure:"headless"`
	RemoteURL         string        `mapstructure:"remote_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	LaunchRetries     int           `mapstructure:"launch_retries"`
	LaunchRetryDelay  time.Duration `mapstructure:"launch_retry_delay"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	RateBurst         int           `mapstructure:"rate_burst"`
	Proxy             ProxyConfig   `mapstructure:"proxy"`
}

// ProxyConfig routes browser traffic through an authenticated proxy.
type ProxyConfig struct {
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ChallengeConfig points at the challenge-solving service.
type ChallengeConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	CostPerSolve float64       `mapstructure:"cost_per_solve"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// MaxRounds bounds solve-and-resubmit rounds after a submit.
	MaxRounds int `mapstructure:"max_rounds"`
}

// LLMConfig configures free-text synthesis. Without an API key the
// deterministic template generator is used.
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// BudgetConfig caps paid operations per user per day.
type BudgetConfig struct {
	DailyLimit float64 `mapstructure:"daily_limit"`
}

// StorageConfig selects the request store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig enables Redis-backed locks and spend counters. An empty Addr
// keeps both in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ResumeConfig selects where resume artifacts are read from.
type ResumeConfig struct {
	// Backend is "local" or "gcs".
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	TempDir string `mapstructure:"temp_dir"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig sizes the attempt event hub.
type EventsConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxBatchEvents  int           `mapstructure:"max_batch_events"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout     time.Duration `mapstructure:"sink_timeout"`
	SubscriberQueue int           `mapstructure:"subscriber_queue"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables use the
// APPLY_ prefix with dots replaced by underscores, e.g. APPLY_QUEUE_WORKERS.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.attempt_timeout", "10m")
	v.SetDefault("queue.lock_ttl", "11m")
	v.SetDefault("queue.stale_after", "15m")
	v.SetDefault("queue.recover_interval", "1m")
	v.SetDefault("queue.sample_timeout", "10s")
	v.SetDefault("queue.sample_pages", true)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "30s")
	v.SetDefault("retry.max_delay", "30m")
	v.SetDefault("retry.rate_limit_min_delay", "5m")
	v.SetDefault("retry.timeout_multiplier", 2.0)
	v.SetDefault("retry.unknown_max_attempts", 2)
	v.SetDefault("routing.min_confidence", 0.6)
	v.SetDefault("routing.borderline_confidence", 0.85)
	v.SetDefault("routing.borderline_max_attempts", 2)
	v.SetDefault("browser.max_sessions", 2)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.acquire_timeout", "60s")
	v.SetDefault("browser.idle_ttl", "5m")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.step_timeout", "15s")
	v.SetDefault("browser.settle_delay", "1500ms")
	v.SetDefault("browser.launch_retries", 2)
	v.SetDefault("browser.launch_retry_delay", "2s")
	v.SetDefault("browser.rate_per_second", 0.5)
	v.SetDefault("browser.rate_burst", 2)
	v.SetDefault("challenge.cost_per_solve", 0.003)
	v.SetDefault("challenge.poll_interval", "5s")
	v.SetDefault("challenge.timeout", "2m")
	v.SetDefault("challenge.max_rounds", 2)
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.max_tokens", 400)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("budget.daily_limit", 1.0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.prefix", "apply")
	v.SetDefault("resume.backend", "local")
	v.SetDefault("resume.base_dir", "./resumes")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "200ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("events.subscriber_queue", 32)
	v.SetDefault("telemetry.service_name", "applyengine")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Queue.AttemptTimeout <= 0 {
		return fmt.Errorf("queue.attempt_timeout must be > 0")
	}
	if c.Queue.LockTTL <= c.Queue.AttemptTimeout {
		return fmt.Errorf("queue.lock_ttl must exceed queue.attempt_timeout")
	}
	// Recovery must not requeue a request whose lease may still be live.
	if c.Queue.StaleAfter <= c.Queue.LockTTL {
		return fmt.Errorf("queue.stale_after must exceed queue.lock_ttl")
	}
	if c.Browser.MaxSessions < c.Queue.Workers {
		return fmt.Errorf("browser.max_sessions must be >= queue.workers")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay > 0")
	}
	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.Resume.Backend {
	case "local":
		if c.Resume.BaseDir == "" {
			return fmt.Errorf("resume.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Resume.Bucket == "" {
			return fmt.Errorf("resume.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("resume.backend must be local or gcs, got %q", c.Resume.Backend)
	}
	if c.Challenge.Enabled && c.Challenge.BaseURL == "" {
		return fmt.Errorf("challenge.base_url must be set when challenge solving is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
