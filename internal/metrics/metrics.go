// Package metrics holds the Prometheus instruments of the decision engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_decisions_total",
		Help: "Redemption decisions by outcome",
	}, []string{"decision"})

	RuleHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_rule_hits_total",
		Help: "Rule hits by rule id",
	}, []string{"rule"})

	PipelineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "couponguard_pipeline_duration_seconds",
		Help:    "Time spent deciding a redemption",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	ScorerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_anomaly_scorer_failures_total",
		Help: "Anomaly scorer calls that degraded to a neutral score",
	}, []string{"reason"})

	Remediations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_remediations_total",
		Help: "Auto-remediation attempts by result",
	}, []string{"result"})

	ValidationRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_validation_rejects_total",
		Help: "Redemption requests rejected before a decision",
	}, []string{"code"})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couponguard_bus_dropped_total",
		Help: "Events dropped by the in-process bus",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_http_requests_total",
		Help: "HTTP requests by route pattern and status class",
	}, []string{"route", "status"})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couponguard_bus_published_total",
		Help: "Events published by topic and bus type",
	}, []string{"topic", "bus"})
)

// Scorer failure reasons.
const (
	ScorerTimeout   = "timeout"
	ScorerTransport = "transport"
	ScorerStatus    = "status"
	ScorerDecode    = "decode"
	ScorerInvalid   = "invalid_score"
)

// Remediation results.
const (
	RemediationCreated   = "created"
	RemediationRefreshed = "refreshed"
	RemediationFailed    = "failed"
)
