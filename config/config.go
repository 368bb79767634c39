// Package config implements the config/validation component (spec §4.8,
// C8): a single configuration object documenting every tunable,
// validated at startup.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// QueueConfig is the backing-store connection and retry policy for C4.
type QueueConfig struct {
	Host            string        `env:"QUEUE_HOST" envDefault:"localhost" validate:"required"`
	Port            int           `env:"QUEUE_PORT" envDefault:"6379" validate:"min=1,max=65535"`
	Password        string        `env:"QUEUE_PASSWORD"`
	DB              int           `env:"QUEUE_DB" envDefault:"0" validate:"min=0"`
	SentinelAddrs   []string      `env:"QUEUE_SENTINEL_ADDRS" envSeparator:","`
	SentinelMaster  string        `env:"QUEUE_SENTINEL_MASTER"`
	DefaultAttempts int           `env:"QUEUE_DEFAULT_ATTEMPTS" envDefault:"3" validate:"min=1"`
	RetentionDone   time.Duration `env:"QUEUE_RETENTION_DONE" envDefault:"24h" validate:"min=0"`
}

// WorkerConfig bounds the worker pool's concurrency and lifecycle (C5).
type WorkerConfig struct {
	Concurrency           int           `env:"WORKER_CONCURRENCY" envDefault:"5" validate:"min=1,max=1000"`
	StallDetectionInterval time.Duration `env:"WORKER_STALL_DETECTION_INTERVAL" envDefault:"1m" validate:"min=1s"`
	LockDuration          time.Duration `env:"WORKER_LOCK_DURATION" envDefault:"30s" validate:"min=1s"`
	LockRenewInterval     time.Duration `env:"WORKER_LOCK_RENEW_INTERVAL" envDefault:"15s" validate:"min=1s"`
	ShutdownTimeout       time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s" validate:"min=1s"`
}

// HTTPConfig bounds the outbound callout the worker makes (spec §4.5 step 4).
type HTTPConfig struct {
	Timeout         time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s" validate:"min=1s"`
	MaxRedirects    int           `env:"HTTP_MAX_REDIRECTS" envDefault:"5" validate:"min=0,max=20"`
	MaxResponseSize int64         `env:"HTTP_MAX_RESPONSE_SIZE_BYTES" envDefault:"10485760" validate:"min=1"`
	KeepAlive       time.Duration `env:"HTTP_KEEP_ALIVE" envDefault:"30s" validate:"min=0"`
	RetryAttempts   int           `env:"HTTP_RETRY_ATTEMPTS" envDefault:"0" validate:"min=0,max=10"`
}

// RateLimitingConfig is the default rate-limiter gate policy (C2).
type RateLimitingConfig struct {
	DefaultRequestsPerMinute int           `env:"RATE_LIMIT_DEFAULT_RPM" envDefault:"60" validate:"min=1"`
	BackoffMultiplier        float64       `env:"RATE_LIMIT_BACKOFF_MULTIPLIER" envDefault:"2.0" validate:"gt=1"`
	MinBackoff               time.Duration `env:"RATE_LIMIT_MIN_BACKOFF" envDefault:"1s" validate:"min=0"`
	MaxBackoff               time.Duration `env:"RATE_LIMIT_MAX_BACKOFF" envDefault:"1m" validate:"min=0"`
	RemainingHeader          string        `env:"RATE_LIMIT_HEADER_REMAINING" envDefault:"X-RateLimit-Remaining"`
	ResetHeader              string        `env:"RATE_LIMIT_HEADER_RESET" envDefault:"X-RateLimit-Reset"`
	RetryAfterHeader         string        `env:"RATE_LIMIT_HEADER_RETRY_AFTER" envDefault:"Retry-After"`
}

// ResponseHandlingConfig is the response processor's default policy (C3).
type ResponseHandlingConfig struct {
	CompressionThresholdBytes int64  `env:"RESPONSE_COMPRESSION_THRESHOLD_BYTES" envDefault:"1024" validate:"min=0"`
	Algorithm                 string `env:"RESPONSE_COMPRESSION_ALGORITHM" envDefault:"gzip" validate:"oneof=gzip deflate"`
	CompressionLevel          int    `env:"RESPONSE_COMPRESSION_LEVEL" envDefault:"0"`
	ExternalStorageProvider   string `env:"RESPONSE_STORAGE_PROVIDER" envDefault:"local" validate:"oneof=local s3 azure"`
	ExternalStorageBucket     string `env:"RESPONSE_STORAGE_BUCKET"`
	ExternalStoragePath       string `env:"RESPONSE_STORAGE_PATH" envDefault:"executions/"`
	ExternalStorageTTL        time.Duration `env:"RESPONSE_STORAGE_TTL" envDefault:"720h" validate:"min=0"`
}

// TimezoneConfig governs which IANA zones a job's schedule may name (C1).
type TimezoneConfig struct {
	Default string   `env:"TIMEZONE_DEFAULT" envDefault:"UTC" validate:"required"`
	Allowed []string `env:"TIMEZONE_ALLOWED" envSeparator:","`
}

// DuplicatePreventionConfig controls Job Manager Create-time dedup (C6).
type DuplicatePreventionConfig struct {
	Enabled              bool     `env:"DUPLICATE_PREVENTION_ENABLED" envDefault:"true"`
	WindowMinutes        int      `env:"DUPLICATE_PREVENTION_WINDOW_MINUTES" envDefault:"60" validate:"min=1"`
	CheckFingerprint     bool     `env:"DUPLICATE_PREVENTION_CHECK_FINGERPRINT" envDefault:"true"`
	CheckIdempotencyKey  bool     `env:"DUPLICATE_PREVENTION_CHECK_IDEMPOTENCY_KEY" envDefault:"true"`
	FingerprintFields    []string `env:"DUPLICATE_PREVENTION_FINGERPRINT_FIELDS" envSeparator:"," envDefault:"orgId,prompt,targetApi,scheduleType,schedule"`
}

// MonitoringConfig drives the health monitor's probe cadence and alert
// thresholds (C7).
type MonitoringConfig struct {
	ProbeInterval       time.Duration `env:"MONITORING_PROBE_INTERVAL" envDefault:"1m" validate:"min=1s"`
	MaxQueueDepth       int64         `env:"MONITORING_MAX_QUEUE_DEPTH" envDefault:"10000" validate:"min=1"`
	MaxFailureRate      float64       `env:"MONITORING_MAX_FAILURE_RATE" envDefault:"0.5" validate:"min=0,max=1"`
	MaxMeanExecution    time.Duration `env:"MONITORING_MAX_MEAN_EXECUTION" envDefault:"1m" validate:"min=0"`
	AlertCooldown       time.Duration `env:"MONITORING_ALERT_COOLDOWN" envDefault:"15m" validate:"min=0"`
	AlertRecipient      string        `env:"MONITORING_ALERT_RECIPIENT"`
	MetricsInterval     time.Duration `env:"MONITORING_METRICS_INTERVAL" envDefault:"15s" validate:"min=1s"`
	MetricsRetention    time.Duration `env:"MONITORING_METRICS_RETENTION" envDefault:"168h" validate:"min=0"`
}

// SecurityConfig bounds untrusted job inputs (spec §8 security model).
type SecurityConfig struct {
	MaxPromptLength int      `env:"SECURITY_MAX_PROMPT_LENGTH" envDefault:"10000" validate:"min=1"`
	AllowedDomains  []string `env:"SECURITY_ALLOWED_DOMAINS" envSeparator:","`
	BlockedDomains  []string `env:"SECURITY_BLOCKED_DOMAINS" envSeparator:","`
	AllowedSchemes  []string `env:"SECURITY_ALLOWED_SCHEMES" envSeparator:"," envDefault:"http,https"`
}

// DatabaseConfig is the persistence layer's connection and housekeeping
// policy.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL,required" validate:"required"`
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"20" validate:"min=1"`
	CleanupInterval time.Duration `env:"DATABASE_CLEANUP_INTERVAL" envDefault:"1h" validate:"min=1m"`
	ExecutionRetention time.Duration `env:"DATABASE_EXECUTION_RETENTION" envDefault:"720h" validate:"min=0"`
}

// Config is the single object documenting every tunable (spec §4.8).
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`

	// JWTSecret signs the dev-only access-context bearer token (see
	// internal/accessctx); a real deployment's auth service issues its
	// own tokens and this core only ever decodes them.
	JWTSecret string `env:"JWT_SECRET"`

	Queue               QueueConfig
	Worker              WorkerConfig
	HTTP                HTTPConfig
	RateLimiting        RateLimitingConfig
	ResponseHandling    ResponseHandlingConfig
	Timezone            TimezoneConfig
	DuplicatePrevention DuplicatePreventionConfig
	Monitoring          MonitoringConfig
	Security            SecurityConfig
	Database            DatabaseConfig
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
