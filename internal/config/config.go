// Package config loads the Couponguard configuration from defaults, an
// optional YAML file, a .env file and COUPONGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// EnvPrefix is prepended to every environment override,
// e.g. COUPONGUARD_ENGINE_SCORER_URL.
const EnvPrefix = "COUPONGUARD"

// Load builds the configuration. path may be empty, in which case
// ./couponguard.yaml and ./configs/couponguard.yaml are tried.
func Load(path string) (*domain.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("couponguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("no config file found, using defaults and env vars")
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_queue_group", c.EventBus.NATSQueueGroup)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("engine.anomaly_enabled", c.Engine.AnomalyEnabled)
	v.SetDefault("engine.scorer_url", c.Engine.ScorerURL)
	v.SetDefault("engine.scorer_timeout_ms", c.Engine.ScorerTimeoutMS)
	v.SetDefault("engine.auto_remediate", c.Engine.AutoRemediate)
	v.SetDefault("engine.anomaly_mention_threshold", c.Engine.AnomalyMentionThreshold)
	v.SetDefault("engine.workers", c.Engine.Workers)

	v.SetDefault("rate_limit.enabled", c.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_second", c.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", c.RateLimit.Burst)

	v.SetDefault("admin.api_key", c.Admin.APIKey)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", c.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
}

// Validate rejects configurations the service cannot start with.
func Validate(c *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Tier == domain.TierCommunity || c.Tier == domain.TierPro, "tier: unknown tier %q", c.Tier)

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port: %d out of range", c.Server.Port)
	check(c.Server.ReadTimeout > 0, "server.read_timeout: must be positive")
	check(c.Server.WriteTimeout > 0, "server.write_timeout: must be positive")

	check(c.Repository.Driver == "sqlite" || c.Repository.Driver == "postgres",
		"repository.driver: unsupported driver %q", c.Repository.Driver)
	check(c.Cache.Type == "memory" || c.Cache.Type == "redis",
		"cache.type: unsupported cache %q", c.Cache.Type)
	check(c.EventBus.Type == "channel" || c.EventBus.Type == "nats",
		"event_bus.type: unsupported bus %q", c.EventBus.Type)

	check(c.Engine.ScorerTimeoutMS > 0, "engine.scorer_timeout_ms: must be positive")
	check(!c.Engine.AnomalyEnabled || c.Engine.ScorerURL != "", "engine.scorer_url: required when anomaly scoring is enabled")
	check(c.Engine.AnomalyMentionThreshold >= 0 && c.Engine.AnomalyMentionThreshold <= 1,
		"engine.anomaly_mention_threshold: %v outside [0,1]", c.Engine.AnomalyMentionThreshold)
	check(c.Engine.Workers >= 0, "engine.workers: must not be negative")

	if c.RateLimit.Enabled {
		check(c.RateLimit.RequestsPerSecond > 0, "rate_limit.requests_per_second: must be positive")
		check(c.RateLimit.Burst > 0, "rate_limit.burst: must be positive")
	}

	_, err := ParseLevel(c.Logging.Level)
	check(err == nil, "logging.level: unknown level %q", c.Logging.Level)
	check(c.Logging.Format == "json" || c.Logging.Format == "text", "logging.format: unknown format %q", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(c domain.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
