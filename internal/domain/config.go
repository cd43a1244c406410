package domain

import "time"

// Config holds the complete Couponguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backends are used
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus" json:"eventBus"`

	// Decision engine
	Engine EngineConfig `mapstructure:"engine" json:"engine"`

	// Edge protection
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rateLimit"`
	Admin     AdminConfig     `mapstructure:"admin" json:"admin"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
}

// EngineConfig tunes the redemption decision pipeline.
type EngineConfig struct {
	// AnomalyEnabled turns the external scorer on. When off the score is neutral.
	AnomalyEnabled bool `mapstructure:"anomaly_enabled" json:"anomalyEnabled"`

	// ScorerURL is the scorer base URL; "/score" is appended.
	ScorerURL       string `mapstructure:"scorer_url" json:"scorerUrl"`
	ScorerTimeoutMS int    `mapstructure:"scorer_timeout_ms" json:"scorerTimeoutMs"`

	// AutoRemediate blocks the device after a hard-rule hit.
	AutoRemediate bool `mapstructure:"auto_remediate" json:"autoRemediate"`

	// AnomalyMentionThreshold is the score at which the anomaly shows up in reasons.
	AnomalyMentionThreshold float64 `mapstructure:"anomaly_mention_threshold" json:"anomalyMentionThreshold"`

	// Workers is the number of bus subscribers deciding queued redemptions.
	Workers int `mapstructure:"workers" json:"workers"`
}

// ScorerTimeout returns the scorer timeout as a duration.
func (e EngineConfig) ScorerTimeout() time.Duration {
	return time.Duration(e.ScorerTimeoutMS) * time.Millisecond
}

// RateLimitConfig bounds the public decision endpoint.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst" json:"burst"`
}

// AdminConfig guards the /admin routes. An empty key leaves them open.
type AdminConfig struct {
	APIKey string `mapstructure:"api_key" json:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName  string `mapstructure:"service_name" json:"serviceName"`
	ExporterType string `mapstructure:"exporter_type" json:"exporterType"` // stdout, otlp
	Endpoint     string `mapstructure:"endpoint" json:"endpoint"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./couponguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			AnomalyEnabled:          true,
			ScorerURL:               "http://127.0.0.1:8000",
			ScorerTimeoutMS:         2000,
			AutoRemediate:           true,
			AnomalyMentionThreshold: 0.6,
			Workers:                 4,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 200,
			Burst:             400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "couponguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "couponguard",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSQueueGroup:    "couponguard",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
