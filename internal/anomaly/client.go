// Package anomaly calls the external anomaly scorer.
//
// The scorer is the only remote dependency of a decision. Every failure
// mode degrades to a neutral score; Score never returns an error.
package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/metrics"
)

const maxResponseBytes = 64 << 10

// Features is the request body sent to the scorer.
type Features struct {
	CouponValue          float64 `json:"couponValue"`
	AcctAgeHours         float64 `json:"acctAgeHours"`
	DeviceRedemptions24h int     `json:"device_redemptions24h"`
	IPUniqueAccounts10m  int     `json:"ip_uniqueAccounts10m"`
}

// Scorer returns an anomaly verdict for a feature vector.
type Scorer interface {
	Score(ctx context.Context, f Features) domain.Anomaly
}

// Disabled is a Scorer that never calls out.
type Disabled struct{}

// Score returns the neutral anomaly.
func (Disabled) Score(context.Context, Features) domain.Anomaly {
	return domain.NeutralAnomaly()
}

// Client is the HTTP scorer client.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a client for the scorer at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/score",
		timeout:  timeout,
		// The transport deadline is a backstop; the context deadline is authoritative.
		http: &http.Client{Timeout: timeout + 500*time.Millisecond},
	}
}

// New returns the Scorer configured by cfg.
func New(cfg domain.EngineConfig) Scorer {
	if !cfg.AnomalyEnabled {
		return Disabled{}
	}
	return NewClient(cfg.ScorerURL, cfg.ScorerTimeout())
}

type scoreResponse struct {
	Score *float64        `json:"score"`
	Top   json.RawMessage `json:"top"`
}

// Score posts f to the scorer and returns its verdict, or the neutral result on any failure.
func (c *Client) Score(ctx context.Context, f Features) domain.Anomaly {
	a, reason, err := c.score(ctx, f)
	if err != nil {
		metrics.ScorerFailures.WithLabelValues(reason).Inc()
		slog.Warn("anomaly scorer degraded to neutral",
			"reason", reason,
			"endpoint", c.endpoint,
			"error", err,
		)
		return domain.NeutralAnomaly()
	}
	return a
}

func (c *Client) score(ctx context.Context, f Features) (domain.Anomaly, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(f)
	if err != nil {
		return domain.Anomaly{}, metrics.ScorerTransport, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Anomaly{}, metrics.ScorerTransport, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.Anomaly{}, metrics.ScorerTimeout, fmt.Errorf("timeout after %s: %w", c.timeout, err)
		}
		return domain.Anomaly{}, metrics.ScorerTransport, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Anomaly{}, metrics.ScorerStatus, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&sr); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Anomaly{}, metrics.ScorerTimeout, err
		}
		return domain.Anomaly{}, metrics.ScorerDecode, err
	}
	if sr.Score == nil {
		return domain.Anomaly{}, metrics.ScorerInvalid, errors.New("response has no score")
	}
	s := *sr.Score
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return domain.Anomaly{}, metrics.ScorerInvalid, fmt.Errorf("score %v is not finite", s)
	}

	return domain.Anomaly{Score: clamp(s), TopFeatures: topFeatures(sr.Top)}, "", nil
}

// topFeatures accepts only an array of strings; anything else yields an empty list.
func topFeatures(raw json.RawMessage) []string {
	var top []string
	if len(raw) == 0 || json.Unmarshal(raw, &top) != nil || top == nil {
		return []string{}
	}
	return top
}

func clamp(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
