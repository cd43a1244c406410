// Couponguard - Coupon redemption risk decisions in one request.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/couponguard/internal/anomaly"
	"github.com/opensource-finance/couponguard/internal/api"
	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/cache"
	"github.com/opensource-finance/couponguard/internal/config"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/pipeline"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/rules"
	"github.com/opensource-finance/couponguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration (file, .env, COUPONGUARD_* environment)
	cfg, err := config.Load(os.Getenv("COUPONGUARD_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting couponguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"anomaly_enabled", cfg.Engine.AnomalyEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository (runs migrations)
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	logActiveConfig(ctx, rules.NewConfigs(repo))

	scorer := anomaly.New(cfg.Engine)
	if cfg.Engine.AnomalyEnabled {
		slog.Info("anomaly scorer enabled",
			"url", cfg.Engine.ScorerURL,
			"timeout_ms", cfg.Engine.ScorerTimeoutMS,
		)
	}

	p, err := pipeline.New(pipeline.Deps{
		Repo:   repo,
		Cache:  cacheImpl,
		Bus:    busImpl,
		Engine: engine,
		Scorer: scorer,
	}, cfg.Engine)
	if err != nil {
		slog.Error("failed to initialize decision pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Engine.Workers > 0 {
		asyncWorker = worker.NewWorker(busImpl, p)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Engine.Workers}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "concurrency", cfg.Engine.Workers)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Pipeline: p,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("couponguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first so in-flight decisions finish
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("couponguard shutdown complete")
}

// logActiveConfig reports which rules config decisions will start with.
func logActiveConfig(ctx context.Context, configs *rules.Configs) {
	active, err := configs.Active(ctx)
	if err != nil {
		slog.Warn("failed to load active rules config", "error", err)
		return
	}
	if active.Builtin {
		slog.Info("no rules config stored - using built-in defaults (configure via POST /admin/rules-config)")
		return
	}
	slog.Info("rules config loaded",
		"id", active.ID,
		"version", active.Version,
		"rules_count", len(active.Rules),
	)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |               COUPONGUARD                 |")
	fmt.Println("  |    Coupon Redemption Risk Decisions       |")
	fmt.Println("  |     Allow, challenge or block.            |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /redemptions/decide            - Decide a redemption")
	fmt.Println("    GET   /admin/rules-config/active     - Active rules config")
	fmt.Println("    GET   /admin/rules-config            - Rules config history")
	fmt.Println("    POST  /admin/rules-config            - Create a config version")
	fmt.Println("    PATCH /admin/rules-config/{id}       - Derive a config version")
	fmt.Println("    GET   /admin/lists                   - List allow/block entries")
	fmt.Println("    POST  /admin/lists                   - Add or refresh an entry")
	fmt.Println("    POST  /admin/lists/{id}/revert       - Deactivate an entry")
	fmt.Println("    GET   /admin/redemptions             - Query audit records")
	fmt.Println("    GET   /admin/redemptions/{id}        - Get one audit record")
	fmt.Println("    GET   /admin/metrics/cards           - Decision totals")
	fmt.Println("    GET   /admin/metrics/top-rules       - Most frequent rule hits")
	fmt.Println("    POST  /admin/coupons                 - Seed a coupon")
	fmt.Println("    GET   /metrics                       - Prometheus metrics")
	fmt.Println("    GET   /health                        - Health check")
	fmt.Println()
}
