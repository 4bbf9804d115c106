package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", cfg.API.BaseURL)
	assert.Empty(t, cfg.API.Token)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout())
	assert.InDelta(t, 10, cfg.API.RatePerSec, 0.001)
	assert.Equal(t, 10, cfg.API.Burst)
	assert.Equal(t, 3, cfg.API.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.API.Retry.InitialBackoffMs)
	assert.Equal(t, 5000, cfg.API.Retry.MaxBackoffMs)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.RequestTimeout())
	assert.Zero(t, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 5, cfg.API.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.API.Breaker.Cooldown())
	assert.Equal(t, 3*time.Second, cfg.Pipeline.PollInterval())
	assert.Equal(t, time.Hour, cfg.Pipeline.PollTimeout())
	assert.Equal(t, 20*time.Second, cfg.Cache.FetchTimeout())
	assert.Equal(t, "estonia", cfg.Cache.DefaultRegion)
	assert.Equal(t, "m2", cfg.Cache.DefaultUnit)
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
	assert.Equal(t, "quotecore.db", cfg.Journal.DatabaseURL)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:4200"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
api:
  base_url: https://quotes.example.com/api
  token: secret
journal:
  driver: postgres
  database_url: postgres://localhost/quotecore
pipeline:
  poll_interval_ms: 1000
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://quotes.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, "postgres", cfg.Journal.Driver)
	assert.Equal(t, time.Second, cfg.Pipeline.PollInterval())
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Pipeline.PollTimeoutMins)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
journal:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("QUOTECORE_JOURNAL_DRIVER", "none")
	t.Setenv("QUOTECORE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Journal.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("QUOTECORE_SERVER_PORT", "3000")
	t.Setenv("QUOTECORE_DISPATCH_REQUEST_TIMEOUT_SECS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.RequestTimeout())
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("api: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.API.BaseURL = "http://localhost:8080/api"
	cfg.API.RatePerSec = 10
	cfg.Dispatch.RequestTimeoutSecs = 30
	cfg.Pipeline.PollIntervalMs = 3000
	cfg.Journal.Driver = "sqlite"
	cfg.Journal.DatabaseURL = "quotecore.db"
	cfg.Server.Port = 8090
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"", "serve", "dispatch", "pipeline", "bids"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateJournal(t *testing.T) {
	cfg := validDefaults()
	cfg.Journal.Driver = "mysql"
	err := cfg.Validate("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.driver")

	cfg = validDefaults()
	cfg.Journal.DatabaseURL = ""
	assert.ErrorContains(t, cfg.Validate(""), "journal.database_url is required")

	cfg.Journal.Driver = "none"
	assert.NoError(t, cfg.Validate(""))
}

func TestValidateServeInvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	assert.ErrorContains(t, cfg.Validate("serve"), "server.port")
}

func TestValidateDispatch(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.RequestTimeoutSecs = 0
	cfg.Dispatch.MaxConcurrent = -1
	cfg.Dispatch.MaxRetries = -1

	err := cfg.Validate("dispatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.request_timeout_secs must be positive")
	assert.Contains(t, err.Error(), "dispatch.max_concurrent must not be negative")
	assert.Contains(t, err.Error(), "dispatch.max_retries must not be negative")
}

func TestValidatePipelineInterval(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.PollIntervalMs = 0
	assert.ErrorContains(t, cfg.Validate("pipeline"), "poll_interval_ms")
}

func TestValidateMissingBaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.API.BaseURL = ""
	assert.ErrorContains(t, cfg.Validate(""), "api.base_url is required")
}
