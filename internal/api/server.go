package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg *domain.Config, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	router.With(RateLimitMiddleware(limiter)).Post("/redemptions/decide", handler.Decide)

	router.Route("/admin", func(r chi.Router) {
		r.Use(AdminKeyMiddleware(cfg.Admin.APIKey))

		r.Get("/rules-config/active", handler.ActiveRulesConfig)
		r.Get("/rules-config", handler.ListRulesConfigs)
		r.Post("/rules-config", handler.CreateRulesConfig)
		r.Patch("/rules-config/{id}", handler.PatchRulesConfig)

		r.Get("/lists", handler.ListListEntries)
		r.Post("/lists", handler.CreateListEntry)
		r.Post("/lists/{id}/revert", handler.RevertListEntry)

		r.Get("/redemptions", handler.ListRedemptions)
		r.Get("/redemptions/{id}", handler.GetRedemption)

		r.Get("/metrics/cards", handler.MetricsCards)
		r.Get("/metrics/top-rules", handler.TopRules)

		r.Get("/coupons", handler.ListCoupons)
		r.Post("/coupons", handler.CreateCoupon)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg.Server,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
