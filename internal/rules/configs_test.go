package rules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/couponguard/internal/cache"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/repository"
)

func newConfigs(t *testing.T) *Configs {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "rules.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewConfigs(repo)
}

func TestActiveFallsBackToBuiltin(t *testing.T) {
	configs := newConfigs(t)
	ctx := context.Background()

	active, err := configs.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if !active.Builtin || active.Version != 0 {
		t.Errorf("expected builtin default, got %+v", active)
	}

	history, err := configs.History(ctx, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("builtin default must not be persisted, got %d versions", len(history))
	}
}

func TestCreateAndPatch(t *testing.T) {
	configs := newConfigs(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := configs.Create(ctx, &domain.RulesConfig{
		Name:          "launch",
		Enabled:       true,
		WeightAnomaly: 0.3,
		Thresholds:    domain.DefaultThresholds(),
		Rules:         DefaultRules(),
	}, now)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first.Version != 1 || first.ID == "" {
		t.Errorf("expected version 1 with an id, got %+v", first)
	}

	weight := 0.0
	name := "no anomaly"
	second, err := configs.Patch(ctx, first.ID, Patch{Name: &name, WeightAnomaly: &weight}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if second.Version != 2 || second.DerivedFrom != first.ID {
		t.Errorf("expected version 2 derived from %s, got %+v", first.ID, second)
	}
	if second.WeightAnomaly != 0 || second.Name != "no anomaly" || len(second.Rules) != 5 {
		t.Errorf("patch not applied: %+v", second)
	}

	active, err := configs.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("expected newest version active, got %s", active.ID)
	}

	src, err := configs.store.GetRulesConfig(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetRulesConfig failed: %v", err)
	}
	if src.WeightAnomaly != 0.3 || src.Name != "launch" {
		t.Errorf("source version was mutated: %+v", src)
	}
}

func TestPatchDisableFallsBack(t *testing.T) {
	configs := newConfigs(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := configs.Create(ctx, &domain.RulesConfig{
		Enabled: true, WeightAnomaly: 0.3, Thresholds: domain.DefaultThresholds(),
	}, now)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	off := false
	if _, err := configs.Patch(ctx, first.ID, Patch{Enabled: &off}, now); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	// The older enabled version stays active.
	active, err := configs.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("expected version 1 active, got %+v", active)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	configs := newConfigs(t)

	_, err := configs.Create(context.Background(), &domain.RulesConfig{
		Enabled: true, WeightAnomaly: 0.3,
		Thresholds: domain.Thresholds{BlockRisk: 0.5, ChallengeRisk: 0.6},
	}, time.Now())

	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "thresholds" {
		t.Fatalf("expected thresholds ConfigError, got %v", err)
	}

	history, _ := configs.History(context.Background(), 10)
	if len(history) != 0 {
		t.Errorf("invalid config must not be stored")
	}
}

func TestPatchUnknownSource(t *testing.T) {
	configs := newConfigs(t)
	off := false
	_, err := configs.Patch(context.Background(), "missing", Patch{Enabled: &off}, time.Now())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveServedFromCacheUntilCreate(t *testing.T) {
	configs := newConfigs(t).WithCache(cache.NewLRUCache(10))
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	base := &domain.RulesConfig{
		Name:       "v1",
		Enabled:    true,
		Thresholds: domain.DefaultThresholds(),
		Rules:      DefaultRules(),
	}
	if _, err := configs.Create(ctx, base, now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if active, _ := configs.Active(ctx); active.Name != "v1" {
		t.Fatalf("expected v1, got %q", active.Name)
	}

	// A version written behind the cache's back stays invisible until the TTL.
	direct := *base
	direct.ID = "direct"
	direct.Name = "direct"
	direct.CreatedAt = now
	if err := configs.store.CreateRulesConfig(ctx, &direct); err != nil {
		t.Fatalf("CreateRulesConfig failed: %v", err)
	}
	if active, _ := configs.Active(ctx); active.Name != "v1" {
		t.Errorf("expected cached v1, got %q", active.Name)
	}

	next := *base
	next.Name = "v3"
	if _, err := configs.Create(ctx, &next, now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	active, err := configs.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.Name != "v3" || active.Version != 3 {
		t.Errorf("expected v3 after invalidation, got %q version %d", active.Name, active.Version)
	}
}
