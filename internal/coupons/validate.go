// Package coupons resolves the coupon of a redemption request and checks it is redeemable.
package coupons

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/repository"
)

// Reason is a machine-readable rejection code.
type Reason string

const (
	ReasonReferenceRequired Reason = "coupon_reference_required"
	ReasonAmountInvalid     Reason = "amount_invalid"
	ReasonNotFound          Reason = "coupon_not_found"
	ReasonNotActive         Reason = "coupon_not_active"
	ReasonNotStarted        Reason = "coupon_not_started"
	ReasonExpired           Reason = "coupon_expired"
	ReasonBelowMinimum      Reason = "below_minimum_order"
	ReasonCodeRequired      Reason = "single_use_code_required"
	ReasonCodeUnavailable   Reason = "single_use_code_unavailable"
	ReasonCapReached        Reason = "redemption_cap_reached"
)

// CountsAsAttempt reports whether a rejection looks like a coupon guess
// and should feed the failed-attempt counter.
func (r Reason) CountsAsAttempt() bool {
	switch r {
	case ReasonNotFound, ReasonNotActive, ReasonNotStarted, ReasonExpired, ReasonCodeUnavailable:
		return true
	}
	return false
}

// Rejection is returned when a request cannot be decided.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return string(r.Reason) + ": " + r.Message
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Store is the coupon side of the repository.
type Store interface {
	GetCoupon(ctx context.Context, couponID string) (*domain.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error)
	GetCouponCode(ctx context.Context, code string) (*domain.CouponCode, error)
	CountRedemptionsByCoupon(ctx context.Context, couponID string) (int, error)
}

// Request is the coupon part of a redemption request.
type Request struct {
	UserID     string
	CouponID   string
	CouponCode string
	Amount     float64
}

// Resolved is a coupon that passed validation.
type Resolved struct {
	Coupon *domain.Coupon

	// Code is the code recorded on the audit record.
	Code string

	// Value is the discount the redemption is worth.
	Value float64

	// Claim is set for single-use coupons; the code is consumed when the audit record is written.
	Claim *domain.CodeClaim
}

// Validator checks redemption requests against the coupon tables.
type Validator struct {
	store Store
}

// NewValidator creates a Validator over store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate resolves the coupon and applies the redeemability checks in order:
// reference, amount, existence, status, schedule, minimum order, single-use code
// and redemption cap. Rejections are *Rejection; any other error is a store failure.
func (v *Validator) Validate(ctx context.Context, req Request, now time.Time) (*Resolved, error) {
	couponID := strings.TrimSpace(req.CouponID)
	code := strings.TrimSpace(req.CouponCode)

	if couponID == "" && code == "" {
		return nil, reject(ReasonReferenceRequired, "couponId or couponCode is required")
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return nil, reject(ReasonAmountInvalid, "orderAmount must be a positive number")
	}

	coupon, codeRow, err := v.resolve(ctx, couponID, code)
	if err != nil {
		return nil, err
	}

	if coupon.Status != domain.CouponActive {
		return nil, reject(ReasonNotActive, "coupon is %s", coupon.Status)
	}
	if coupon.StartAt != nil && now.Before(*coupon.StartAt) {
		return nil, reject(ReasonNotStarted, "coupon starts at %s", coupon.StartAt.Format(time.RFC3339))
	}
	if coupon.EndAt != nil && !now.Before(*coupon.EndAt) {
		return nil, reject(ReasonExpired, "coupon ended at %s", coupon.EndAt.Format(time.RFC3339))
	}
	if coupon.MinOrder > 0 && req.Amount < coupon.MinOrder {
		return nil, reject(ReasonBelowMinimum, "order amount %.2f is below the minimum of %.2f", req.Amount, coupon.MinOrder)
	}

	res := &Resolved{Coupon: coupon, Code: code}
	if res.Code == "" {
		res.Code = coupon.Code
	}

	if coupon.SingleUse {
		claim, err := v.checkCode(ctx, coupon, code, codeRow, req.UserID)
		if err != nil {
			return nil, err
		}
		res.Claim = claim
	}

	if coupon.MaxRedemptions > 0 {
		used, err := v.store.CountRedemptionsByCoupon(ctx, coupon.ID)
		if err != nil {
			return nil, fmt.Errorf("count coupon redemptions: %w", err)
		}
		if used >= coupon.MaxRedemptions {
			return nil, reject(ReasonCapReached, "coupon reached its cap of %d redemptions", coupon.MaxRedemptions)
		}
	}

	res.Value = Value(coupon, req.Amount)
	return res, nil
}

// resolve finds the coupon by id, else by code. A code row resolves its parent
// coupon; a code without a row must be a coupon's public code.
func (v *Validator) resolve(ctx context.Context, couponID, code string) (*domain.Coupon, *domain.CouponCode, error) {
	if couponID != "" {
		c, err := v.store.GetCoupon(ctx, couponID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, reject(ReasonNotFound, "coupon %q does not exist", couponID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("get coupon: %w", err)
		}
		return c, nil, nil
	}

	row, err := v.store.GetCouponCode(ctx, code)
	switch {
	case err == nil:
		c, err := v.store.GetCoupon(ctx, row.CouponID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, reject(ReasonNotFound, "coupon for code %q does not exist", code)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("get coupon: %w", err)
		}
		return c, row, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, nil, fmt.Errorf("get coupon code: %w", err)
	}

	c, err := v.store.GetCouponByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, reject(ReasonNotFound, "coupon code %q does not exist", code)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get coupon by code: %w", err)
	}
	return c, nil, nil
}

// checkCode verifies a single-use code is unused and belongs to coupon.
// It only reads: the code is consumed atomically with the audit write.
func (v *Validator) checkCode(ctx context.Context, coupon *domain.Coupon, code string, row *domain.CouponCode, userID string) (*domain.CodeClaim, error) {
	if code == "" {
		return nil, reject(ReasonCodeRequired, "couponCode is required for a single-use coupon")
	}
	if row == nil {
		var err error
		row, err = v.store.GetCouponCode(ctx, code)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, reject(ReasonCodeUnavailable, "code %q is not valid for this coupon", code)
		}
		if err != nil {
			return nil, fmt.Errorf("get coupon code: %w", err)
		}
	}

	switch {
	case row.CouponID != coupon.ID:
		return nil, reject(ReasonCodeUnavailable, "code %q is not valid for this coupon", code)
	case row.Used():
		return nil, reject(ReasonCodeUnavailable, "code %q has already been used", code)
	case row.AssignedTo != "" && row.AssignedTo != userID:
		return nil, reject(ReasonCodeUnavailable, "code %q is assigned to another user", code)
	}
	return &domain.CodeClaim{CouponID: coupon.ID, Code: row.Code, UserID: userID}, nil
}

// Value is the discount a coupon grants on amount: the fixed value, or the
// percentage of amount rounded to cents.
func Value(c *domain.Coupon, amount float64) float64 {
	if c.Type == domain.CouponPercent {
		return decimal.NewFromFloat(amount).
			Mul(decimal.NewFromFloat(c.Value)).
			Div(decimal.NewFromInt(100)).
			Round(2).
			InexactFloat64()
	}
	return c.Value
}
