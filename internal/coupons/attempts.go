package coupons

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// AttemptWindow is the window of the failed-attempt counter.
const AttemptWindow = 10 * time.Minute

// Attempts counts failed coupon attempts per user in the cache.
type Attempts struct {
	cache domain.Cache
}

// NewAttempts creates an attempt counter. A nil cache disables counting.
func NewAttempts(cache domain.Cache) *Attempts {
	return &Attempts{cache: cache}
}

func attemptKey(userID string) string {
	return "failed_coupon:" + userID
}

// Record bumps the user's counter. Cache errors are logged and ignored.
func (a *Attempts) Record(ctx context.Context, userID string) int64 {
	if a.cache == nil || userID == "" {
		return 0
	}
	n, err := a.cache.IncrementCounter(ctx, attemptKey(userID), AttemptWindow)
	if err != nil {
		slog.Warn("failed to record coupon attempt", "user_id", userID, "error", err)
		return 0
	}
	return n
}

// Count returns the user's failed attempts in the current window.
func (a *Attempts) Count(ctx context.Context, userID string) int {
	if a.cache == nil || userID == "" {
		return 0
	}
	n, err := a.cache.GetCounter(ctx, attemptKey(userID))
	if err != nil {
		slog.Warn("failed to read coupon attempts", "user_id", userID, "error", err)
		return 0
	}
	return int(n)
}
