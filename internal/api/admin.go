package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/couponguard/internal/coupons"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/lists"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/rules"
)

// ============================================================================
// RULES CONFIG HANDLERS
// ============================================================================

// RulesConfigRequest is the body of POST /admin/rules-config.
type RulesConfigRequest struct {
	Name          string            `json:"name"`
	Enabled       *bool             `json:"enabled,omitempty"`
	WeightAnomaly *float64          `json:"weightAnomaly,omitempty"`
	Thresholds    domain.Thresholds `json:"thresholds"`
	Rules         []domain.Rule     `json:"rules"`
}

// ActiveRulesConfig returns the active config, or the built-in default.
func (h *Handler) ActiveRulesConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Active(r.Context())
	if err != nil {
		slog.Error("failed to load active rules config", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load rules config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListRulesConfigs returns the version history, newest first.
func (h *Handler) ListRulesConfigs(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(r.URL.Query().Get("limit"), 50, 1, 500)
	history, err := h.configs.History(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list rules configs", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to list rules configs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configs": history,
		"count":   len(history),
	})
}

// CreateRulesConfig stores a new version.
func (h *Handler) CreateRulesConfig(w http.ResponseWriter, r *http.Request) {
	var req RulesConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON request body")
		return
	}

	cfg := &domain.RulesConfig{
		Name:          req.Name,
		Enabled:       true,
		WeightAnomaly: domain.DefaultWeightAnomaly,
		Thresholds:    req.Thresholds,
		Rules:         req.Rules,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.WeightAnomaly != nil {
		cfg.WeightAnomaly = *req.WeightAnomaly
	}

	created, err := h.configs.Create(r.Context(), cfg, h.now())
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	slog.Info("rules config created", "id", created.ID, "version", created.Version)
	writeJSON(w, http.StatusCreated, created)
}

// PatchRulesConfig stores a new version derived from {id}.
func (h *Handler) PatchRulesConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch rules.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON request body")
		return
	}

	created, err := h.configs.Patch(r.Context(), id, patch, h.now())
	if err != nil {
		h.writeConfigError(w, err)
		return
	}

	slog.Info("rules config patched",
		"id", created.ID,
		"version", created.Version,
		"derived_from", id,
	)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) writeConfigError(w http.ResponseWriter, err error) {
	var cerr *rules.ConfigError
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": cerr.Message,
			"code":  "invalid_rules_config",
			"field": cerr.Field,
		})
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "rules config not found")
	default:
		slog.Error("failed to store rules config", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to store rules config")
	}
}

// ============================================================================
// LIST HANDLERS
// ============================================================================

// ListEntryRequest is the body of POST /admin/lists.
type ListEntryRequest struct {
	Kind       domain.ListKind   `json:"kind"`
	EntityType domain.EntityType `json:"entityType"`
	Value      string            `json:"value"`
	Reason     string            `json:"reason,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	TTLHours   float64           `json:"ttlHours,omitempty"`
}

// ListListEntries handles GET /admin/lists.
func (h *Handler) ListListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Kind:       domain.ListKind(q.Get("kind")),
		EntityType: domain.EntityType(q.Get("entityType")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "kind must be block or allow")
		return
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "unknown entityType")
		return
	}
	if s := q.Get("active"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "active must be true or false")
			return
		}
		filter.Active = &active
	}

	items, err := h.lists.List(r.Context(), filter, h.now())
	if err != nil {
		slog.Error("failed to list entries", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to list entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// CreateListEntry handles POST /admin/lists. An active duplicate is refreshed
// instead of inserted.
func (h *Handler) CreateListEntry(w http.ResponseWriter, r *http.Request) {
	var req ListEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON request body (expiresAt must be RFC3339)")
		return
	}

	entry, created, err := h.lists.Create(r.Context(), lists.CreateRequest{
		Kind:       req.Kind,
		EntityType: req.EntityType,
		Value:      req.Value,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		TTLHours:   req.TTLHours,
		CreatedBy:  "admin",
	}, h.now())
	if err != nil {
		if errors.Is(err, lists.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
			return
		}
		slog.Error("failed to store list entry", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to store list entry")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	slog.Info("list entry stored",
		"id", entry.ID,
		"kind", entry.Kind,
		"entity_type", entry.EntityType,
		"created", created,
	)
	writeJSON(w, status, map[string]any{
		"item":    entry,
		"created": created,
	})
}

// RevertListEntry handles POST /admin/lists/{id}/revert.
func (h *Handler) RevertListEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.lists.Revert(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "list entry not found")
			return
		}
		slog.Error("failed to revert list entry", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to revert list entry")
		return
	}

	slog.Info("list entry reverted", "id", id)
	writeJSON(w, http.StatusOK, map[string]any{"reverted": true})
}

// ============================================================================
// REDEMPTION HANDLERS
// ============================================================================

// ListRedemptions handles GET /admin/redemptions.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RedemptionFilter{
		Decision:   domain.Decision(q.Get("decision")),
		CouponCode: q.Get("couponCode"),
		Limit:      clampInt(q.Get("limit"), 100, 1, 500),
	}
	if filter.Decision != "" && !filter.Decision.Valid() {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "decision must be ALLOW, CHALLENGE or BLOCK")
		return
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, name+" must be RFC3339")
			return
		}
		*dst = &t
	}

	rows, err := h.repo.ListRedemptions(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list redemptions", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load redemptions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":  rows,
		"count": len(rows),
	})
}

// GetRedemption handles GET /admin/redemptions/{id}.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.repo.GetRedemption(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "redemption not found")
			return
		}
		slog.Error("failed to load redemption", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load redemption")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ============================================================================
// DASHBOARD METRICS
// ============================================================================

// MetricsCards handles GET /admin/metrics/cards.
func (h *Handler) MetricsCards(w http.ResponseWriter, r *http.Request) {
	hours := clampInt(r.URL.Query().Get("hours"), 24, 1, 720)
	since := h.now().Add(-time.Duration(hours) * time.Hour)

	counts, err := h.repo.CountDecisions(r.Context(), since)
	if err != nil {
		slog.Error("failed to count decisions", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load metrics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"windowHours":   hours,
		"total":         counts.Total,
		"allowed":       counts.Allowed,
		"challenged":    counts.Challenged,
		"blocked":       counts.Blocked,
		"blockRate":     rate3(counts.Blocked, counts.Total),
		"challengeRate": rate3(counts.Challenged, counts.Total),
	})
}

// TopRules handles GET /admin/metrics/top-rules.
func (h *Handler) TopRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours := clampInt(q.Get("hours"), 24, 1, 720)
	limit := clampInt(q.Get("limit"), 10, 1, 50)
	since := h.now().Add(-time.Duration(hours) * time.Hour)

	top, err := h.repo.TopRuleHits(r.Context(), since, limit)
	if err != nil {
		slog.Error("failed to aggregate rule hits", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load metrics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"windowHours": hours,
		"top":         top,
	})
}

// ============================================================================
// COUPON SEEDING
// ============================================================================

// CouponRequest is the body of POST /admin/coupons.
type CouponRequest struct {
	Name           string              `json:"name"`
	Code           string              `json:"code"`
	Type           domain.CouponType   `json:"type"`
	Value          float64             `json:"value"`
	SingleUse      bool                `json:"singleUse"`
	StartAt        *time.Time          `json:"startAt,omitempty"`
	EndAt          *time.Time          `json:"endAt,omitempty"`
	MaxRedemptions int                 `json:"maxRedemptions,omitempty"`
	MinOrder       float64             `json:"minOrder,omitempty"`
	Status         domain.CouponStatus `json:"status,omitempty"`
	Codes          []string            `json:"codes,omitempty"`
}

// CreateCoupon handles POST /admin/coupons.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON request body")
		return
	}

	c, err := h.seeder.Create(r.Context(), coupons.SeedRequest{
		Name:           req.Name,
		Code:           req.Code,
		Type:           req.Type,
		Value:          req.Value,
		SingleUse:      req.SingleUse,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		MaxRedemptions: req.MaxRedemptions,
		MinOrder:       req.MinOrder,
		Status:         req.Status,
		Codes:          req.Codes,
	}, h.now())
	if err != nil {
		if errors.Is(err, coupons.ErrInvalidCoupon) {
			writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
			return
		}
		slog.Error("failed to create coupon", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create coupon")
		return
	}

	slog.Info("coupon created", "id", c.ID, "code", c.Code)
	writeJSON(w, http.StatusCreated, c)
}

// ListCoupons handles GET /admin/coupons.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(r.URL.Query().Get("limit"), 50, 1, 100)
	items, err := h.seeder.List(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list coupons", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load coupons")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"coupons": items,
		"count":   len(items),
	})
}

// clampInt parses s, falling back to def, and clamps to [lo, hi].
func clampInt(s string, def, lo, hi int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		n = def
	}
	return min(max(n, lo), hi)
}

// rate3 is part/total rounded to three decimals.
func rate3(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 1000
}
