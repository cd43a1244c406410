package anomaly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/metrics"
)

func scorer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 500*time.Millisecond)
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestScoreSendsFeatures(t *testing.T) {
	var got Features
	c := scorer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(http.StatusOK, `{"score":0.72,"top":["ip10m","acctAgeHours"]}`)(w, r)
	})

	a := c.Score(context.Background(), Features{CouponValue: 50, AcctAgeHours: 2, DeviceRedemptions24h: 6, IPUniqueAccounts10m: 1})

	assert.Equal(t, Features{CouponValue: 50, AcctAgeHours: 2, DeviceRedemptions24h: 6, IPUniqueAccounts10m: 1}, got)
	assert.Equal(t, 0.72, a.Score)
	assert.Equal(t, []string{"ip10m", "acctAgeHours"}, a.TopFeatures)
}

func TestScoreDegrades(t *testing.T) {
	tests := []struct {
		name   string
		h      http.HandlerFunc
		reason string
	}{
		{"server error", reply(http.StatusInternalServerError, `{"score":0.9}`), metrics.ScorerStatus},
		{"not modified", reply(http.StatusNotModified, ``), metrics.ScorerStatus},
		{"malformed json", reply(http.StatusOK, `{"score":`), metrics.ScorerDecode},
		{"string score", reply(http.StatusOK, `{"score":"0.9"}`), metrics.ScorerDecode},
		{"missing score", reply(http.StatusOK, `{"top":["ip10m"]}`), metrics.ScorerInvalid},
		{"null score", reply(http.StatusOK, `{"score":null}`), metrics.ScorerInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.ScorerFailures.WithLabelValues(tt.reason))

			a := scorer(t, tt.h).Score(context.Background(), Features{})

			assert.Equal(t, domain.NeutralAnomaly(), a)
			after := testutil.ToFloat64(metrics.ScorerFailures.WithLabelValues(tt.reason))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestScoreClampsAndNormalisesTop(t *testing.T) {
	a := scorer(t, reply(http.StatusOK, `{"score":1.7,"top":"ip10m"}`)).Score(context.Background(), Features{})
	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, []string{}, a.TopFeatures)

	a = scorer(t, reply(http.StatusOK, `{"score":-0.2}`)).Score(context.Background(), Features{})
	assert.Equal(t, 0.0, a.Score)
	assert.NotNil(t, a.TopFeatures)
}

func TestScoreTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		reply(http.StatusOK, `{"score":0.99}`)(w, r)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 50*time.Millisecond)
	before := testutil.ToFloat64(metrics.ScorerFailures.WithLabelValues(metrics.ScorerTimeout))

	start := time.Now()
	a := c.Score(context.Background(), Features{CouponValue: 10})
	elapsed := time.Since(start)

	assert.Equal(t, domain.NeutralAnomaly(), a)
	assert.Less(t, elapsed, time.Second, "scorer call must be bounded by the timeout")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ScorerFailures.WithLabelValues(metrics.ScorerTimeout)))
}

func TestScoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewClient(url, 200*time.Millisecond).Score(context.Background(), Features{})
	assert.Equal(t, domain.NeutralAnomaly(), a)
}

func TestNew(t *testing.T) {
	_, disabled := New(domain.EngineConfig{AnomalyEnabled: false, ScorerURL: "http://127.0.0.1:1"}).(Disabled)
	assert.True(t, disabled)

	c, ok := New(domain.EngineConfig{AnomalyEnabled: true, ScorerURL: "http://scorer:8000/", ScorerTimeoutMS: 1500}).(*Client)
	require.True(t, ok)
	assert.Equal(t, "http://scorer:8000/score", c.endpoint)
	assert.Equal(t, 1500*time.Millisecond, c.timeout)
}

func TestDisabledNeverCalls(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	a := New(domain.EngineConfig{AnomalyEnabled: false, ScorerURL: srv.URL}).Score(context.Background(), Features{})
	assert.Equal(t, domain.NeutralAnomaly(), a)
	assert.False(t, called)
}
