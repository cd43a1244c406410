package domain

import (
	"context"
	"time"
)

// Cache holds short-lived decision state: the failed coupon attempt counters
// and the active rules config. Counters must be shared by every instance, so
// a multi-node deployment needs the redis backend.
type Cache interface {
	// Get returns nil, nil when key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrementCounter bumps key and returns the new value. The window starts
	// with the first increment; the counter resets to zero when it elapses.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter returns 0 for a missing or expired counter.
	GetCounter(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// EnableTwoPhase puts the local LRU in front of redis for plain values.
	// Counters always go to redis.
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`
}
