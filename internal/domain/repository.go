// Package domain defines the core interfaces and types for Couponguard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// User operations
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)

	// Coupon operations
	SaveCoupon(ctx context.Context, coupon *Coupon) error
	GetCoupon(ctx context.Context, couponID string) (*Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	ListCoupons(ctx context.Context, limit int) ([]*Coupon, error)
	SaveCouponCode(ctx context.Context, code *CouponCode) error
	GetCouponCode(ctx context.Context, code string) (*CouponCode, error)

	// Rules configuration (append-only)
	CreateRulesConfig(ctx context.Context, cfg *RulesConfig) error
	GetRulesConfig(ctx context.Context, id string) (*RulesConfig, error)
	GetActiveRulesConfig(ctx context.Context) (*RulesConfig, error)
	ListRulesConfigs(ctx context.Context, limit int) ([]*RulesConfig, error)

	// Allow/block lists
	UpsertListEntry(ctx context.Context, entry *ListEntry, now time.Time) (*ListEntry, bool, error)
	FindActiveListEntry(ctx context.Context, kind ListKind, values []string, now time.Time) (*ListEntry, error)
	ListListEntries(ctx context.Context, filter ListFilter, now time.Time) ([]*ListEntry, error)
	DeleteListEntry(ctx context.Context, id string) error

	// Redemption audit log
	SaveRedemption(ctx context.Context, rec *RedemptionRecord, claim *CodeClaim) error
	GetRedemption(ctx context.Context, id string) (*RedemptionRecord, error)
	ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]*RedemptionRecord, error)
	CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountRedemptionsByDevice(ctx context.Context, deviceID string, since time.Time) (int, error)
	CountRedemptionsByUser(ctx context.Context, userID string, since time.Time) (int, error)
	CountRedemptionsByCoupon(ctx context.Context, couponID string) (int, error)
	CountDecisions(ctx context.Context, since time.Time) (DecisionCounts, error)
	TopRuleHits(ctx context.Context, since time.Time, limit int) ([]RuleHitCount, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
