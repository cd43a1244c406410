package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/pipeline"
)

// fakeDecider rejects zero amounts and allows everything else.
type fakeDecider struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	failErr error
}

func (f *fakeDecider) Decide(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	if f.failErr != nil {
		return nil, f.failErr
	}
	if req.Amount <= 0 {
		return nil, &pipeline.ValidationError{Code: "amount_invalid", Message: "orderAmount must be positive"}
	}
	return &pipeline.Response{Decision: domain.DecisionAllow, AuditRecordID: "rec-" + req.UserID, OrderID: req.OrderID}, nil
}

func publish(t *testing.T, b domain.EventBus, msg SubmittedMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicRedemptionSubmitted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeDecider{})
		if err := w.Start(Config{Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicRedemptionSubmitted {
			t.Errorf("unexpected topics %v", stats.Topics)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRedemption", func(t *testing.T) {
		decider := &fakeDecider{}
		w := NewWorker(eventBus, decider)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, SubmittedMessage{
			RequestID: "req-1",
			Request:   pipeline.Request{UserID: "u1", UserEmail: "u1@example.com", CouponCode: "FIFTY", Amount: 120, OrderID: "o-1"},
		})

		waitFor(t, func() bool { return decider.calls.Load() == 1 })
	})

	t.Run("RejectionPublished", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeDecider{})
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		var (
			mu       sync.Mutex
			rejected *RejectedMessage
		)
		sub, err := eventBus.Subscribe(context.Background(), domain.TopicRedemptionRejected, func(ctx context.Context, msg *domain.Message) error {
			var r RejectedMessage
			if err := json.Unmarshal(msg.Payload, &r); err != nil {
				return err
			}
			mu.Lock()
			rejected = &r
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		publish(t, eventBus, SubmittedMessage{
			RequestID: "req-bad",
			Request:   pipeline.Request{UserID: "u2", UserEmail: "u2@example.com", CouponCode: "FIFTY", OrderID: "o-2"},
		})

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return rejected != nil
		})

		mu.Lock()
		defer mu.Unlock()
		if rejected.RequestID != "req-bad" || rejected.Code != "amount_invalid" || rejected.OrderID != "o-2" {
			t.Errorf("unexpected rejection %+v", rejected)
		}
	})

	t.Run("InternalErrorNotPublished", func(t *testing.T) {
		decider := &fakeDecider{failErr: errors.New("database unavailable")}
		w := NewWorker(eventBus, decider)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		var rejections atomic.Int32
		sub, _ := eventBus.Subscribe(context.Background(), domain.TopicRedemptionRejected, func(ctx context.Context, msg *domain.Message) error {
			rejections.Add(1)
			return nil
		})
		defer sub.Unsubscribe()

		publish(t, eventBus, SubmittedMessage{Request: pipeline.Request{UserID: "u3", Amount: 10}})

		waitFor(t, func() bool { return decider.calls.Load() == 1 })
		time.Sleep(50 * time.Millisecond)
		if n := rejections.Load(); n != 0 {
			t.Errorf("internal errors must not be published as rejections, got %d", n)
		}
	})

	t.Run("ConcurrencyBounded", func(t *testing.T) {
		decider := &fakeDecider{delay: 30 * time.Millisecond}
		w := NewWorker(eventBus, decider)
		if err := w.Start(Config{Concurrency: 3}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		for i := 0; i < 10; i++ {
			publish(t, eventBus, SubmittedMessage{Request: pipeline.Request{UserID: "u", Amount: 10}})
		}

		waitFor(t, func() bool { return decider.calls.Load() == 10 })
		w.Stop()

		if peak := decider.peak.Load(); peak > 3 {
			t.Errorf("expected at most 3 concurrent decisions, got %d", peak)
		}
		if peak := decider.peak.Load(); peak < 2 {
			t.Errorf("expected decisions to overlap, peak %d", peak)
		}
	})
}

func TestSubmittedMessageParsing(t *testing.T) {
	raw := `{"requestId":"r-9","userId":"u1","userEmail":"a@b.c","couponCode":"FIFTY","orderAmount":42.5,"failedCouponAttempts10m":3}`

	var msg SubmittedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if msg.RequestID != "r-9" || msg.UserID != "u1" || msg.CouponCode != "FIFTY" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Amount != 42.5 {
		t.Errorf("expected amount 42.5, got %v", msg.Amount)
	}
	if msg.FailedCouponAttempts10m == nil || *msg.FailedCouponAttempts10m != 3 {
		t.Errorf("expected failed attempts 3, got %v", msg.FailedCouponAttempts10m)
	}
}
