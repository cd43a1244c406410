// Package pipeline runs a redemption attempt through every decision stage
// and writes its audit record.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/couponguard/internal/anomaly"
	"github.com/opensource-finance/couponguard/internal/coupons"
	"github.com/opensource-finance/couponguard/internal/decision"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/enrich"
	"github.com/opensource-finance/couponguard/internal/lists"
	"github.com/opensource-finance/couponguard/internal/metrics"
	"github.com/opensource-finance/couponguard/internal/narrator"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/rules"
)

var tracer = otel.Tracer("couponguard-pipeline")

// Validation codes raised by the pipeline itself. Coupon checks use the
// codes of package coupons.
const (
	CodeUserRequired  = "user_id_required"
	CodeEmailRequired = "user_email_required"
)

// ValidationError rejects a request before a decision is made.
// No audit record exists for a rejected request.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

// Request is one redemption attempt.
type Request struct {
	UserID     string  `json:"userId"`
	UserEmail  string  `json:"userEmail"`
	CouponID   string  `json:"couponId,omitempty"`
	CouponCode string  `json:"couponCode,omitempty"`
	OrderID    string  `json:"orderId,omitempty"`
	Amount     float64 `json:"orderAmount"`
	DeviceID   string  `json:"deviceId,omitempty"`
	IP         string  `json:"ip,omitempty"`

	// FailedCouponAttempts10m overrides the cached attempt counter when set.
	FailedCouponAttempts10m *int `json:"failedCouponAttempts10m,omitempty"`
}

// Response is the decision returned to the caller.
type Response struct {
	Decision      domain.Decision  `json:"decision"`
	Risk          float64          `json:"risk"`
	AnomalyScore  float64          `json:"anomalyScore"`
	Narration     string           `json:"narration"`
	Reasons       []string         `json:"reasons"`
	Hits          []domain.RuleHit `json:"hits"`
	AuditRecordID string           `json:"auditRecordId"`
	OrderID       string           `json:"orderId"`
	ConfigVersion int              `json:"configVersion"`
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Repo   domain.Repository
	Cache  domain.Cache
	Bus    domain.EventBus
	Engine *rules.Engine
	Scorer anomaly.Scorer
	Geo    enrich.GeoLocator
}

// Pipeline decides redemptions.
type Pipeline struct {
	repo       domain.Repository
	bus        domain.EventBus
	validator  *coupons.Validator
	attempts   *coupons.Attempts
	enricher   *enrich.Provider
	resolver   *lists.Resolver
	configs    *rules.Configs
	engine     *rules.Engine
	scorer     anomaly.Scorer
	narrator   *narrator.Narrator
	remediator *lists.Remediator
	now        func() time.Time
}

// New wires a Pipeline from deps and the engine settings.
func New(deps Deps, cfg domain.EngineConfig) (*Pipeline, error) {
	if deps.Repo == nil {
		return nil, errors.New("pipeline: repository is required")
	}
	engine := deps.Engine
	if engine == nil {
		var err error
		if engine, err = rules.NewEngine(); err != nil {
			return nil, fmt.Errorf("pipeline: rule engine: %w", err)
		}
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = anomaly.New(cfg)
	}

	return &Pipeline{
		repo:       deps.Repo,
		bus:        deps.Bus,
		validator:  coupons.NewValidator(deps.Repo),
		attempts:   coupons.NewAttempts(deps.Cache),
		enricher:   enrich.NewProvider(deps.Repo, deps.Geo),
		resolver:   lists.NewResolver(deps.Repo),
		configs:    rules.NewConfigs(deps.Repo).WithCache(deps.Cache),
		engine:     engine,
		scorer:     scorer,
		narrator:   narrator.New(cfg.AnomalyMentionThreshold),
		remediator: lists.NewRemediator(deps.Repo, deps.Bus, cfg.AutoRemediate),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Decide runs the full pipeline for req. It returns *ValidationError for
// rejected requests and a plain error when the audit record cannot be written.
// Once validation passes the pipeline ignores caller cancellation.
func (p *Pipeline) Decide(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Decide")
	defer span.End()

	now := p.now()
	req = normalize(req)

	resolved, err := p.validate(ctx, req, now)
	if err != nil {
		return nil, p.fail(span, start, err)
	}

	// Past this point the decision always runs to completion.
	ctx = context.WithoutCancel(ctx)

	if err := p.repo.UpsertUser(ctx, &domain.User{ID: req.UserID, Email: req.UserEmail, CreatedAt: now}); err != nil {
		return nil, p.fail(span, start, fmt.Errorf("upsert user: %w", err))
	}

	cfg := p.activeConfig(ctx)
	span.SetAttributes(attribute.Int("rules.config_version", configVersion(cfg)))

	enr, ov := p.gather(ctx, req, now)

	failed := p.failedAttempts(ctx, req)
	ruleRes := p.evaluate(ctx, rules.EvalContext{
		AcctAgeHours:            enr.AcctAgeHours,
		CouponValue:             resolved.Value,
		Counters:                enr.Counters,
		FailedCouponAttempts10m: failed,
	}, cfg)

	anom := p.score(ctx, anomaly.Features{
		CouponValue:          resolved.Value,
		AcctAgeHours:         enr.AcctAgeHours,
		DeviceRedemptions24h: enr.Counters.DeviceRedemptions24h,
		IPUniqueAccounts10m:  enr.Counters.IPUniqueAccounts10m,
	})

	out := decision.Combine(decision.Input{
		RulesPoints:   ruleRes.RulesPoints,
		AnomalyScore:  anom.Score,
		AllowOverride: ov.Allow,
		BlockOverride: ov.Block,
		Hits:          ruleRes.Hits,
	}.FromConfig(cfg))

	story := p.narrator.Narrate(narrator.Input{
		Decision: out.Decision,
		Risk:     out.Risk,
		Hits:     ruleRes.Hits,
		Anomaly:  anom,
	})

	rec := &domain.RedemptionRecord{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		CouponID:      resolved.Coupon.ID,
		CouponCode:    resolved.Code,
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		DeviceID:      req.DeviceID,
		IP:            req.IP,
		Geo:           enr.Geo,
		AcctAgeHours:  enr.AcctAgeHours,
		Counters:      enr.Counters,
		RulesHits:     ruleRes.Hits,
		RulesPoints:   ruleRes.RulesPoints,
		Anomaly:       anom,
		Risk:          out.Risk,
		Decision:      out.Decision,
		Narration:     story.Summary,
		Reasons:       story.Reasons,
		ConfigVersion: configVersion(cfg),
		Entities: domain.Entities{
			User:   req.UserEmail,
			Device: req.DeviceID,
			IP:     req.IP,
		},
		CreatedAt: now,
	}
	if rec.OrderID == "" {
		rec.OrderID = "order-" + rec.ID
	}

	if err := p.persist(ctx, rec, resolved.Claim); err != nil {
		return nil, p.fail(span, start, err)
	}

	p.remediator.Remediate(ctx, req.DeviceID, ruleRes.Hits, ov.Allow, now)

	resp := &Response{
		Decision:      out.Decision,
		Risk:          out.Risk,
		AnomalyScore:  anom.Score,
		Narration:     story.Summary,
		Reasons:       story.Reasons,
		Hits:          ruleRes.Hits,
		AuditRecordID: rec.ID,
		OrderID:       rec.OrderID,
		ConfigVersion: rec.ConfigVersion,
	}
	p.publish(ctx, domain.TopicRedemptionDecided, resp)

	metrics.DecisionsTotal.WithLabelValues(string(out.Decision)).Inc()
	for _, h := range ruleRes.Hits {
		metrics.RuleHitsTotal.WithLabelValues(h.ID).Inc()
	}
	metrics.PipelineLatency.WithLabelValues(string(out.Decision)).Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("redemption.id", rec.ID),
		attribute.String("redemption.decision", string(out.Decision)),
		attribute.Float64("redemption.risk", out.Risk),
	)
	slog.Info("redemption decided",
		"redemption_id", rec.ID,
		"user_id", req.UserID,
		"coupon_id", rec.CouponID,
		"decision", out.Decision,
		"risk", out.Risk,
		"rules_points", ruleRes.RulesPoints,
		"anomaly_score", anom.Score,
		"precedence", out.Reason,
		"config_version", rec.ConfigVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func normalize(req Request) Request {
	req.UserID = strings.TrimSpace(req.UserID)
	req.UserEmail = domain.NormalizeEntityValue(domain.EntityEmail, req.UserEmail)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" && req.UserID != "" {
		req.DeviceID = "device-" + req.UserID
	}
	req.IP = domain.NormalizeEntityValue(domain.EntityIP, req.IP)
	req.OrderID = strings.TrimSpace(req.OrderID)
	return req
}

func (p *Pipeline) validate(ctx context.Context, req Request, now time.Time) (*coupons.Resolved, error) {
	ctx, span := tracer.Start(ctx, "pipeline.validate")
	defer span.End()

	if req.UserID == "" {
		return nil, &ValidationError{Code: CodeUserRequired, Message: "userId is required"}
	}
	if req.UserEmail == "" {
		return nil, &ValidationError{Code: CodeEmailRequired, Message: "userEmail is required"}
	}

	resolved, err := p.validator.Validate(ctx, coupons.Request{
		UserID:     req.UserID,
		CouponID:   req.CouponID,
		CouponCode: req.CouponCode,
		Amount:     req.Amount,
	}, now)
	if err == nil {
		return resolved, nil
	}

	var rej *coupons.Rejection
	if errors.As(err, &rej) {
		if rej.Reason.CountsAsAttempt() {
			p.attempts.Record(ctx, req.UserID)
		}
		return nil, &ValidationError{Code: string(rej.Reason), Message: rej.Message}
	}
	return nil, err
}

// activeConfig returns the enabled config, or nil for the built-in defaults.
func (p *Pipeline) activeConfig(ctx context.Context) *domain.RulesConfig {
	cfg, err := p.configs.Active(ctx)
	if err != nil {
		slog.Warn("active rules config unavailable, using defaults", "error", err)
		return nil
	}
	if cfg.Builtin {
		return nil
	}
	return cfg
}

func configVersion(cfg *domain.RulesConfig) int {
	if cfg == nil {
		return 0
	}
	return cfg.Version
}

// gather runs enrichment and override resolution concurrently. Both degrade
// to zero values on failure.
func (p *Pipeline) gather(ctx context.Context, req Request, now time.Time) (enrich.Enrichment, lists.Overrides) {
	ctx, span := tracer.Start(ctx, "pipeline.gather")
	defer span.End()

	var (
		g   errgroup.Group
		enr enrich.Enrichment
		ov  lists.Overrides
	)
	g.Go(func() error {
		// Enrich always returns a usable value and logs its own failures.
		enr, _ = p.enricher.Enrich(ctx, enrich.Event{
			UserID:   req.UserID,
			DeviceID: req.DeviceID,
			IP:       req.IP,
			Amount:   req.Amount,
		}, now)
		return nil
	})
	g.Go(func() error {
		candidates := []domain.Entity{
			domain.EmailEntity(req.UserEmail),
			domain.DeviceEntity(req.DeviceID),
		}
		if req.IP != "" {
			candidates = append(candidates, domain.IPEntity(req.IP))
		}
		var err error
		if ov, err = p.resolver.Resolve(ctx, candidates, now); err != nil {
			slog.Warn("list override lookup failed", "user_id", req.UserID, "error", err)
		}
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(
		attribute.Bool("override.allow", ov.Allow),
		attribute.Bool("override.block", ov.Block),
	)
	return enr, ov
}

func (p *Pipeline) failedAttempts(ctx context.Context, req Request) int {
	if req.FailedCouponAttempts10m != nil {
		if *req.FailedCouponAttempts10m < 0 {
			return 0
		}
		return *req.FailedCouponAttempts10m
	}
	return p.attempts.Count(ctx, req.UserID)
}

func (p *Pipeline) evaluate(ctx context.Context, ec rules.EvalContext, cfg *domain.RulesConfig) rules.Result {
	_, span := tracer.Start(ctx, "pipeline.rules")
	defer span.End()

	res := p.engine.Evaluate(ec, cfg)
	span.SetAttributes(
		attribute.Int("rules.hits", len(res.Hits)),
		attribute.Float64("rules.points", res.RulesPoints),
	)
	return res
}

func (p *Pipeline) score(ctx context.Context, f anomaly.Features) domain.Anomaly {
	ctx, span := tracer.Start(ctx, "pipeline.anomaly")
	defer span.End()

	a := p.scorer.Score(ctx, f)
	span.SetAttributes(attribute.Float64("anomaly.score", a.Score))
	return a
}

func (p *Pipeline) persist(ctx context.Context, rec *domain.RedemptionRecord, claim *domain.CodeClaim) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	err := p.repo.SaveRedemption(ctx, rec, claim)
	if errors.Is(err, repository.ErrCodeUnavailable) {
		p.attempts.Record(ctx, rec.UserID)
		return &ValidationError{
			Code:    string(coupons.ReasonCodeUnavailable),
			Message: fmt.Sprintf("code %q has already been used", rec.CouponCode),
		}
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save redemption: %w", err)
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// fail records metrics and span status for an aborted request.
func (p *Pipeline) fail(span trace.Span, start time.Time, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		metrics.ValidationRejects.WithLabelValues(verr.Code).Inc()
		metrics.PipelineLatency.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("validation.code", verr.Code))
		slog.Debug("redemption rejected", "code", verr.Code, "message", verr.Message)
		return err
	}

	metrics.PipelineLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Error("redemption pipeline failed", "error", err)
	return err
}
