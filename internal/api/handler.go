package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/couponguard/internal/coupons"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/lists"
	"github.com/opensource-finance/couponguard/internal/pipeline"
	"github.com/opensource-finance/couponguard/internal/rules"
)

// Error codes that are not validation reasons.
const (
	codeInvalidJSON  = "invalid_json"
	codeInvalidQuery = "invalid_query"
	codeNotFound     = "not_found"
	codeInternal     = "internal"
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeInvalidInput = "invalid_input"
)

// Decider runs the redemption pipeline.
type Decider interface {
	Decide(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline Decider
	Configs  *rules.Configs
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	pipeline Decider
	configs  *rules.Configs
	lists    *lists.Service
	seeder   *coupons.Seeder
	version  string
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	h := &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		pipeline: deps.Pipeline,
		configs:  deps.Configs,
		version:  version,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if deps.Repo != nil {
		h.lists = lists.NewService(deps.Repo)
		h.seeder = coupons.NewSeeder(deps.Repo)
		if h.configs == nil {
			h.configs = rules.NewConfigs(deps.Repo).WithCache(deps.Cache)
		}
	}
	return h
}

// Decide handles POST /redemptions/decide.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON request body")
		return
	}

	if strings.TrimSpace(req.DeviceID) == "" {
		req.DeviceID = r.Header.Get(DeviceIDHeader)
	}
	if strings.TrimSpace(req.IP) == "" {
		req.IP = clientIP(r)
	}

	resp, err := h.pipeline.Decide(r.Context(), req)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
			return
		}
		slog.Error("decision failed",
			"user_id", req.UserID,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to record decision")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// clientIP returns the caller address. RealIP has already replaced
// RemoteAddr when a proxy header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the store and bus can take traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			checks["repository"] = err.Error()
			ready = false
		} else {
			checks["repository"] = "ok"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			checks["eventBus"] = err.Error()
			ready = false
		} else {
			checks["eventBus"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
