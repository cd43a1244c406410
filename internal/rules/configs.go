package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/repository"
)

// ConfigStore is the rules-config side of the repository.
type ConfigStore interface {
	CreateRulesConfig(ctx context.Context, cfg *domain.RulesConfig) error
	GetRulesConfig(ctx context.Context, id string) (*domain.RulesConfig, error)
	GetActiveRulesConfig(ctx context.Context) (*domain.RulesConfig, error)
	ListRulesConfigs(ctx context.Context, limit int) ([]*domain.RulesConfig, error)
}

// Patch overrides selected fields of an existing version.
// Nil fields are copied from the source.
type Patch struct {
	Name          *string            `json:"name,omitempty"`
	Enabled       *bool              `json:"enabled,omitempty"`
	WeightAnomaly *float64           `json:"weightAnomaly,omitempty"`
	Thresholds    *domain.Thresholds `json:"thresholds,omitempty"`
	Rules         []domain.Rule      `json:"rules,omitempty"`
}

const activeConfigKey = "rules_config:active"

// ActiveConfigTTL bounds how long another node may keep deciding with a
// superseded config.
const ActiveConfigTTL = 5 * time.Second

// Configs manages the append-only version history.
type Configs struct {
	store ConfigStore
	cache domain.Cache
}

// NewConfigs creates a Configs over store.
func NewConfigs(store ConfigStore) *Configs {
	return &Configs{store: store}
}

// WithCache serves Active from cache. Create invalidates the entry.
func (c *Configs) WithCache(cache domain.Cache) *Configs {
	c.cache = cache
	return c
}

// Active returns the enabled config with the highest version, or the
// built-in default when none is enabled. The default is not persisted.
func (c *Configs) Active(ctx context.Context) (*domain.RulesConfig, error) {
	if cfg := c.cached(ctx); cfg != nil {
		return cfg, nil
	}

	cfg, err := c.store.GetActiveRulesConfig(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(cfg); err == nil {
			if err := c.cache.Set(ctx, activeConfigKey, data, ActiveConfigTTL); err != nil {
				slog.Warn("failed to cache active rules config", "error", err)
			}
		}
	}
	return cfg, nil
}

func (c *Configs) cached(ctx context.Context) *domain.RulesConfig {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.Get(ctx, activeConfigKey)
	if err != nil {
		slog.Warn("failed to read cached rules config", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var cfg domain.RulesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// History lists stored versions, newest first.
func (c *Configs) History(ctx context.Context, limit int) ([]*domain.RulesConfig, error) {
	return c.store.ListRulesConfigs(ctx, limit)
}

// Create validates cfg and stores it as the next version.
func (c *Configs) Create(ctx context.Context, cfg *domain.RulesConfig, now time.Time) (*domain.RulesConfig, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	out := *cfg
	out.ID = uuid.New().String()
	out.Builtin = false
	out.CreatedAt = now
	if out.Rules == nil {
		out.Rules = []domain.Rule{}
	}
	if err := c.store.CreateRulesConfig(ctx, &out); err != nil {
		return nil, fmt.Errorf("store rules config: %w", err)
	}
	if c.cache != nil {
		if err := c.cache.Delete(ctx, activeConfigKey); err != nil {
			slog.Warn("failed to invalidate cached rules config", "error", err)
		}
	}
	return &out, nil
}

// Patch stores a new version derived from id with p applied.
// The source version is left untouched.
func (c *Configs) Patch(ctx context.Context, id string, p Patch, now time.Time) (*domain.RulesConfig, error) {
	src, err := c.store.GetRulesConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *src
	next.Rules = append([]domain.Rule(nil), src.Rules...)
	next.DerivedFrom = src.ID
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.WeightAnomaly != nil {
		next.WeightAnomaly = *p.WeightAnomaly
	}
	if p.Thresholds != nil {
		next.Thresholds = *p.Thresholds
	}
	if p.Rules != nil {
		next.Rules = p.Rules
	}
	return c.Create(ctx, &next, now)
}
