package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/couponguard/internal/anomaly"
	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/cache"
	"github.com/opensource-finance/couponguard/internal/coupons"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/lists"
	"github.com/opensource-finance/couponguard/internal/repository"
)

type stubScorer struct {
	a     domain.Anomaly
	calls int
	mu    sync.Mutex
}

func (s *stubScorer) Score(context.Context, anomaly.Features) domain.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.a
}

type fixture struct {
	repo  *repository.SQLRepository
	bus   *bus.ChannelBus
	p     *Pipeline
	now   time.Time
	fifty *domain.Coupon
}

func newFixture(t *testing.T, scorer anomaly.Scorer) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	if scorer == nil {
		scorer = anomaly.Disabled{}
	}
	p, err := New(Deps{
		Repo:   repo,
		Cache:  cache.NewLRUCache(1000),
		Bus:    b,
		Scorer: scorer,
	}, domain.EngineConfig{AutoRemediate: true, AnomalyMentionThreshold: 0.6})
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	fifty, err := coupons.NewSeeder(repo).Create(context.Background(), coupons.SeedRequest{
		Name: "Fifty off", Code: "FIFTY", Type: domain.CouponFixed, Value: 50,
	}, now.Add(-24*time.Hour))
	require.NoError(t, err)

	return &fixture{repo: repo, bus: b, p: p, now: now, fifty: fifty}
}

// user registers an account created age before now.
func (f *fixture) user(t *testing.T, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.repo.UpsertUser(context.Background(), &domain.User{
		ID: id, Email: id + "@example.com", CreatedAt: f.now.Add(-age),
	}))
}

func (f *fixture) request(userID string) Request {
	return Request{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		CouponID:  f.fifty.ID,
		Amount:    200,
		DeviceID:  "dev-" + userID,
		IP:        "203.0.113.7",
	}
}

func (f *fixture) priorRedemptions(t *testing.T, deviceID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.repo.SaveRedemption(context.Background(), &domain.RedemptionRecord{
			ID:        uuid.New().String(),
			UserID:    "other-" + uuid.New().String(),
			CouponID:  f.fifty.ID,
			OrderID:   "order",
			Amount:    100,
			DeviceID:  deviceID,
			Decision:  domain.DecisionAllow,
			Reasons:   []string{},
			RulesHits: []domain.RuleHit{},
			CreatedAt: f.now.Add(-time.Hour),
		}, nil))
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	assert.Equal(t, code, verr.Code)
}

func hitIDs(hits []domain.RuleHit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids
}

func TestNewAccountHighValueAllows(t *testing.T) {
	f := newFixture(t, nil)
	f.user(t, "u1", 2*time.Hour)

	resp, err := f.p.Decide(context.Background(), f.request("u1"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, 0.4, resp.Risk)
	assert.Equal(t, 0.0, resp.AnomalyScore)
	assert.Equal(t, []string{"new_acct_high_value"}, hitIDs(resp.Hits))
	assert.Equal(t, 0, resp.ConfigVersion)

	rec, err := f.repo.GetRedemption(context.Background(), resp.AuditRecordID)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "FIFTY", rec.CouponCode)
	assert.Equal(t, resp.Narration, rec.Narration)
	assert.InDelta(t, 2.0, rec.AcctAgeHours, 1e-6)
	assert.Equal(t, "u1@example.com", rec.Entities.User)
	assert.NotEmpty(t, rec.OrderID)
}

func TestBusyDeviceBlocks(t *testing.T) {
	f := newFixture(t, nil)
	f.user(t, "u1", 2*time.Hour)
	f.priorRedemptions(t, "dev-u1", 6)

	resp, err := f.p.Decide(context.Background(), f.request("u1"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	// 0.4 + 0.5 with a neutral anomaly stays below the clamp.
	assert.InDelta(t, 0.9, resp.Risk, 1e-9)
	assert.Equal(t, []string{"new_acct_high_value", "device_duplicate"}, hitIDs(resp.Hits))
	require.Len(t, resp.Reasons, 2)
	assert.Contains(t, resp.Narration, "new account used high-value coupon")
	assert.Contains(t, resp.Narration, "too many redemptions from same device (24h)")

	// Soft hits only: no remediation.
	entries, err := f.repo.ListListEntries(context.Background(), domain.ListFilter{Kind: domain.ListKindBlock}, f.now)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllowListBeatsHardRule(t *testing.T) {
	f := newFixture(t, nil)
	f.user(t, "vip", 2*time.Hour)
	_, _, err := lists.NewService(f.repo).Create(context.Background(), lists.CreateRequest{
		Kind: domain.ListKindAllow, EntityType: domain.EntityEmail, Value: "VIP@example.com",
	}, f.now)
	require.NoError(t, err)

	req := f.request("vip")
	attempts := 10
	req.FailedCouponAttempts10m = &attempts

	resp, err := f.p.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, 1.0, resp.Risk)
	assert.Contains(t, hitIDs(resp.Hits), "code_guessing")

	entries, err := f.repo.ListListEntries(context.Background(), domain.ListFilter{Kind: domain.ListKindBlock}, f.now)
	require.NoError(t, err)
	assert.Empty(t, entries, "allow-listed requests are never remediated")
}

func TestHardRuleBlocksAtBoundaryAndRemediates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "guesser", 30*24*time.Hour)

	cfg := &domain.RulesConfig{
		ID:            uuid.New().String(),
		Name:          "no anomaly",
		Enabled:       true,
		WeightAnomaly: 0,
		Thresholds:    domain.DefaultThresholds(),
		Rules:         []domain.Rule{{ID: "code_guessing", Score: 0.8, Kind: domain.RuleKindHard}},
		CreatedAt:     f.now.Add(-time.Minute),
	}
	require.NoError(t, f.repo.CreateRulesConfig(ctx, cfg))

	remediated := make(chan lists.RemediatedEvent, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicListRemediated, func(_ context.Context, msg *domain.Message) error {
		var ev lists.RemediatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		remediated <- ev
		return nil
	})
	require.NoError(t, err)

	req := f.request("guesser")
	attempts := 7
	req.FailedCouponAttempts10m = &attempts

	resp, err := f.p.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	assert.Equal(t, 0.8, resp.Risk)
	assert.Equal(t, 1, resp.ConfigVersion)

	entries, err := f.repo.ListListEntries(ctx, domain.ListFilter{Kind: domain.ListKindBlock, EntityType: domain.EntityDevice}, f.now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-guesser", entries[0].Value)
	assert.Equal(t, domain.ReasonAutoHardRule, entries[0].Reason)
	require.NotNil(t, entries[0].ExpiresAt)
	assert.WithinDuration(t, f.now.Add(lists.RemediationTTL), *entries[0].ExpiresAt, time.Second)

	select {
	case ev := <-remediated:
		assert.Equal(t, "dev-guesser", ev.Entry.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("expected remediation event")
	}

	// The blocked device is now rejected by the list even without rule hits.
	zero := 0
	req.FailedCouponAttempts10m = &zero
	resp, err = f.p.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	assert.Empty(t, resp.Hits)
}

func TestScorerTimeoutStillDecides(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{"score":0.99}`))
	}))
	defer srv.Close()
	defer close(release)

	f := newFixture(t, anomaly.NewClient(srv.URL, 50*time.Millisecond))
	f.user(t, "u1", 2*time.Hour)

	start := time.Now()
	resp, err := f.p.Decide(context.Background(), f.request("u1"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0.0, resp.AnomalyScore)
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
}

func TestAnomalyBlendsIntoRisk(t *testing.T) {
	scorer := &stubScorer{a: domain.Anomaly{Score: 0.9, TopFeatures: []string{"ip10m"}}}
	f := newFixture(t, scorer)
	f.user(t, "u1", 2*time.Hour)

	resp, err := f.p.Decide(context.Background(), f.request("u1"))
	require.NoError(t, err)

	assert.Equal(t, 1, scorer.calls)
	assert.Equal(t, 0.67, resp.Risk)
	assert.Equal(t, domain.DecisionChallenge, resp.Decision)
	assert.Contains(t, resp.Narration, "anomalous behavior (score 0.90)")
}

func TestValidationRejectsWithoutRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{"missing user", func(r *Request) { r.UserID = "" }, CodeUserRequired},
		{"missing email", func(r *Request) { r.UserEmail = " " }, CodeEmailRequired},
		{"no coupon reference", func(r *Request) { r.CouponID = "" }, string(coupons.ReasonReferenceRequired)},
		{"unknown code", func(r *Request) { r.CouponID = ""; r.CouponCode = "NOPE" }, string(coupons.ReasonNotFound)},
		{"zero amount", func(r *Request) { r.Amount = 0 }, string(coupons.ReasonAmountInvalid)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("u1")
			tt.mutate(&req)
			resp, err := f.p.Decide(ctx, req)
			assert.Nil(t, resp)
			requireCode(t, err, tt.code)
		})
	}

	recs, err := f.repo.ListRedemptions(ctx, domain.RedemptionFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.repo.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound, "rejected requests must not create users")
}

func TestFailedAttemptsFeedCodeGuessing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "u1", 30*24*time.Hour)

	for i := 0; i < 7; i++ {
		req := f.request("u1")
		req.CouponID = ""
		req.CouponCode = "GUESS-" + uuid.New().String()[:4]
		_, err := f.p.Decide(ctx, req)
		requireCode(t, err, string(coupons.ReasonNotFound))
	}

	resp, err := f.p.Decide(ctx, f.request("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"code_guessing"}, hitIDs(resp.Hits))
	assert.Equal(t, domain.DecisionBlock, resp.Decision)
}

func TestSingleUseCodeClaimedOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	one, err := coupons.NewSeeder(f.repo).Create(ctx, coupons.SeedRequest{
		Code: "WELCOME", Type: domain.CouponFixed, Value: 5, SingleUse: true, Codes: []string{"WELCOME-1"},
	}, f.now.Add(-time.Hour))
	require.NoError(t, err)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		decided  []*Response
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request("racer-" + uuid.New().String()[:8])
			req.CouponID = one.ID
			req.CouponCode = "WELCOME-1"
			resp, err := f.p.Decide(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var verr *ValidationError
				if assert.True(t, errors.As(err, &verr), "unexpected error: %v", err) {
					assert.Equal(t, string(coupons.ReasonCodeUnavailable), verr.Code)
				}
				rejected++
				return
			}
			decided = append(decided, resp)
		}(i)
	}
	wg.Wait()

	require.Len(t, decided, 1)
	assert.Equal(t, n-1, rejected)

	recs, err := f.repo.ListRedemptions(ctx, domain.RedemptionFilter{CouponCode: "WELCOME-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, decided[0].AuditRecordID, recs[0].ID)

	code, err := f.repo.GetCouponCode(ctx, "WELCOME-1")
	require.NoError(t, err)
	assert.True(t, code.Used())
}

func TestDecisionPublished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.user(t, "u1", 48*time.Hour)

	got := make(chan Response, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicRedemptionDecided, func(_ context.Context, msg *domain.Message) error {
		var r Response
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			return err
		}
		got <- r
		return nil
	})
	require.NoError(t, err)

	resp, err := f.p.Decide(ctx, f.request("u1"))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, resp.AuditRecordID, r.AuditRecordID)
		assert.Equal(t, domain.DecisionAllow, r.Decision)
	case <-time.After(2 * time.Second):
		t.Fatal("expected decided event")
	}
}
