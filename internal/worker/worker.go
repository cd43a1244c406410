// Package worker decides redemptions submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/pipeline"
)

// Decider runs one redemption through the decision pipeline.
type Decider interface {
	Decide(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Worker consumes redemption.submitted messages.
type Worker struct {
	bus     domain.EventBus
	decider Decider

	sem           chan struct{}
	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many redemptions are decided at once.
	Concurrency int
}

// SubmittedMessage is the payload of a redemption.submitted event.
type SubmittedMessage struct {
	RequestID string `json:"requestId,omitempty"`
	pipeline.Request
}

// RejectedMessage is published when a submitted redemption fails validation.
type RejectedMessage struct {
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId"`
	OrderID   string `json:"orderId,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, decider Decider) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		decider: decider,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the submitted topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRedemptionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("redemption worker started",
		"topic", domain.TopicRedemptionSubmitted,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage parses msg and decides it on a pooled goroutine.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var sm SubmittedMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		slog.Error("failed to parse redemption message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sm.RequestID == "" {
		sm.RequestID = msg.RequestID()
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(w.ctx, sm)
	}()
	return nil
}

// process decides one redemption. Accepted decisions are published by the
// pipeline; rejections are published here.
func (w *Worker) process(ctx context.Context, sm SubmittedMessage) {
	start := time.Now()
	ctx = domain.ContextWithRequestID(ctx, sm.RequestID)

	slog.Debug("processing redemption",
		"request_id", sm.RequestID,
		"user_id", sm.UserID,
	)

	resp, err := w.decider.Decide(ctx, sm.Request)
	if err != nil {
		var verr *pipeline.ValidationError
		if !errors.As(err, &verr) {
			slog.Error("redemption decision failed",
				"request_id", sm.RequestID,
				"user_id", sm.UserID,
				"error", err,
			)
			return
		}

		payload, _ := json.Marshal(RejectedMessage{
			RequestID: sm.RequestID,
			UserID:    sm.UserID,
			OrderID:   sm.OrderID,
			Code:      verr.Code,
			Error:     verr.Message,
		})
		if err := w.bus.Publish(ctx, domain.TopicRedemptionRejected, payload); err != nil {
			slog.Error("failed to publish rejection",
				"request_id", sm.RequestID,
				"error", err,
			)
		}
		return
	}

	slog.Info("queued redemption processed",
		"request_id", sm.RequestID,
		"redemption_id", resp.AuditRecordID,
		"decision", resp.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight decisions.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
