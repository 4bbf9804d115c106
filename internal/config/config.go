package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Journal  JournalConfig  `yaml:"journal" mapstructure:"journal"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// APIConfig configures the quoting backend client.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Token       string        `yaml:"token" mapstructure:"token"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int           `yaml:"burst" mapstructure:"burst"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// Timeout returns the per-call HTTP timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryConfig configures retries for idempotent reads.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BreakerConfig configures the circuit breaker in front of the backend.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// Cooldown is how long an open circuit rejects calls.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// DispatchConfig configures RFQ fan-out.
type DispatchConfig struct {
	RequestTimeoutSecs int `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxConcurrent      int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	// MaxRetries bounds how often a failed stage is resent from the dead-letter queue.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// RequestTimeout bounds a single stage's send.
func (c DispatchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// PipelineConfig configures pipeline polling.
type PipelineConfig struct {
	PollIntervalMs  int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PollTimeoutMins int `yaml:"poll_timeout_mins" mapstructure:"poll_timeout_mins"`
}

// PollInterval is the delay between two status fetches.
func (c PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollTimeout bounds one poll loop. Zero means unbounded.
func (c PipelineConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMins) * time.Minute
}

// CacheConfig configures the price breakdown cache.
type CacheConfig struct {
	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	DefaultRegion    string `yaml:"default_region" mapstructure:"default_region"`
	DefaultUnit      string `yaml:"default_unit" mapstructure:"default_unit"`
}

// FetchTimeout bounds a single shared lookup.
func (c CacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// JournalConfig configures the local audit journal.
type JournalConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUOTECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout_secs", 30)
	v.SetDefault("api.rate_per_sec", 10)
	v.SetDefault("api.burst", 10)
	v.SetDefault("api.retry.max_attempts", 3)
	v.SetDefault("api.retry.initial_backoff_ms", 500)
	v.SetDefault("api.retry.max_backoff_ms", 5000)
	v.SetDefault("api.breaker.failure_threshold", 5)
	v.SetDefault("api.breaker.cooldown_secs", 30)
	v.SetDefault("dispatch.request_timeout_secs", 30)
	v.SetDefault("dispatch.max_concurrent", 0)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("pipeline.poll_interval_ms", 3000)
	v.SetDefault("pipeline.poll_timeout_mins", 60)
	v.SetDefault("cache.fetch_timeout_secs", 20)
	v.SetDefault("cache.default_region", "estonia")
	v.SetDefault("cache.default_unit", "m2")
	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.database_url", "quotecore.db")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:4200"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name:
// "serve", "dispatch", "pipeline", "bids", or "" for the common checks only.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.API.RatePerSec <= 0 {
		problems = append(problems, "api.rate_per_sec must be positive")
	}

	switch c.Journal.Driver {
	case "sqlite", "postgres":
		if c.Journal.DatabaseURL == "" {
			problems = append(problems, "journal.database_url is required")
		}
	case "none":
	default:
		problems = append(problems, fmt.Sprintf("journal.driver %q is not one of sqlite, postgres, none", c.Journal.Driver))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	case "dispatch":
		if c.Dispatch.RequestTimeoutSecs <= 0 {
			problems = append(problems, "dispatch.request_timeout_secs must be positive")
		}
		if c.Dispatch.MaxConcurrent < 0 {
			problems = append(problems, "dispatch.max_concurrent must not be negative")
		}
		if c.Dispatch.MaxRetries < 0 {
			problems = append(problems, "dispatch.max_retries must not be negative")
		}
	case "pipeline":
		if c.Pipeline.PollIntervalMs <= 0 {
			problems = append(problems, "pipeline.poll_interval_ms must be positive")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %q: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
