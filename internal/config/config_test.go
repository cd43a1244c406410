package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// isolate runs the test in an empty directory so no stray config or .env is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	want := domain.DefaultConfig()
	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, want.Engine, cfg.Engine)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.LocalTTL)
	assert.Equal(t, "channel", cfg.EventBus.Type)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("COUPONGUARD_SERVER_PORT", "9090")
	t.Setenv("COUPONGUARD_ENGINE_SCORER_URL", "http://scorer:8000")
	t.Setenv("COUPONGUARD_ENGINE_ANOMALY_ENABLED", "false")
	t.Setenv("COUPONGUARD_ENGINE_SCORER_TIMEOUT_MS", "750")
	t.Setenv("COUPONGUARD_CACHE_LOCAL_TTL", "90s")
	t.Setenv("COUPONGUARD_ADMIN_API_KEY", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://scorer:8000", cfg.Engine.ScorerURL)
	assert.False(t, cfg.Engine.AnomalyEnabled)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.ScorerTimeout())
	assert.Equal(t, 90*time.Second, cfg.Cache.LocalTTL)
	assert.Equal(t, "s3cret", cfg.Admin.APIKey)
}

func TestLoadProTier(t *testing.T) {
	isolate(t)
	t.Setenv("COUPONGUARD_TIER", "pro")
	t.Setenv("COUPONGUARD_REPOSITORY_POSTGRES_HOST", "db.internal")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "db.internal", cfg.Repository.PostgresHost)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  auto_remediate: false
  anomaly_mention_threshold: 0.75
rate_limit:
  requests_per_second: 5
  burst: 10
logging:
  level: debug
  format: text
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Engine.AutoRemediate)
	assert.Equal(t, 0.75, cfg.Engine.AnomalyMentionThreshold)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 2000, cfg.Engine.ScorerTimeoutMS)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COUPONGUARD_ENGINE_WORKERS=9\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("COUPONGUARD_ENGINE_WORKERS") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		valid  bool
	}{
		{"defaults", func(*domain.Config) {}, true},
		{"pro defaults", func(c *domain.Config) { *c = *domain.ProConfig() }, true},
		{"port zero", func(c *domain.Config) { c.Server.Port = 0 }, false},
		{"port too high", func(c *domain.Config) { c.Server.Port = 70000 }, false},
		{"zero read timeout", func(c *domain.Config) { c.Server.ReadTimeout = 0 }, false},
		{"zero scorer timeout", func(c *domain.Config) { c.Engine.ScorerTimeoutMS = 0 }, false},
		{"negative scorer timeout", func(c *domain.Config) { c.Engine.ScorerTimeoutMS = -5 }, false},
		{"mention threshold above one", func(c *domain.Config) { c.Engine.AnomalyMentionThreshold = 1.2 }, false},
		{"mention threshold at one", func(c *domain.Config) { c.Engine.AnomalyMentionThreshold = 1 }, true},
		{"scorer url missing", func(c *domain.Config) { c.Engine.ScorerURL = "" }, false},
		{"scorer url missing but disabled", func(c *domain.Config) { c.Engine.ScorerURL = ""; c.Engine.AnomalyEnabled = false }, true},
		{"unknown driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, false},
		{"unknown tier", func(c *domain.Config) { c.Tier = "enterprise" }, false},
		{"rate limit without burst", func(c *domain.Config) { c.RateLimit.Burst = 0 }, false},
		{"rate limit disabled", func(c *domain.Config) { c.RateLimit = domain.RateLimitConfig{} }, true},
		{"bad log level", func(c *domain.Config) { c.Logging.Level = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelError))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(domain.LoggingConfig{Level: "verbose", Format: "text"}, &buf)
	assert.Error(t, err)
	assert.Nil(t, logger)

	logger, err = NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}
