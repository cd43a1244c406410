package coupons

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// ErrInvalidCoupon is returned for malformed seed requests.
var ErrInvalidCoupon = errors.New("invalid coupon")

// SeedStore is the write side used for seeding.
type SeedStore interface {
	SaveCoupon(ctx context.Context, coupon *domain.Coupon) error
	SaveCouponCode(ctx context.Context, code *domain.CouponCode) error
	ListCoupons(ctx context.Context, limit int) ([]*domain.Coupon, error)
}

// SeedRequest creates a coupon with its public code and optional extra codes.
type SeedRequest struct {
	Name           string
	Code           string
	Type           domain.CouponType
	Value          float64
	SingleUse      bool
	StartAt        *time.Time
	EndAt          *time.Time
	MaxRedemptions int
	MinOrder       float64
	Status         domain.CouponStatus
	Codes          []string
}

// Seeder writes coupons for environments without a coupon service.
type Seeder struct {
	store SeedStore
}

// NewSeeder creates a Seeder.
func NewSeeder(store SeedStore) *Seeder {
	return &Seeder{store: store}
}

// Create validates and stores the coupon, then one code row for its public
// code and one per extra code.
func (s *Seeder) Create(ctx context.Context, req SeedRequest, now time.Time) (*domain.Coupon, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidCoupon)
	}
	if req.Type != domain.CouponPercent && req.Type != domain.CouponFixed {
		return nil, fmt.Errorf("%w: type must be percent or fixed", ErrInvalidCoupon)
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) || req.Value <= 0 {
		return nil, fmt.Errorf("%w: value must be positive", ErrInvalidCoupon)
	}
	if req.Type == domain.CouponPercent && req.Value > 100 {
		return nil, fmt.Errorf("%w: percent value cannot exceed 100", ErrInvalidCoupon)
	}
	if req.MaxRedemptions < 0 || req.MinOrder < 0 {
		return nil, fmt.Errorf("%w: limits cannot be negative", ErrInvalidCoupon)
	}
	if req.StartAt != nil && req.EndAt != nil && !req.EndAt.After(*req.StartAt) {
		return nil, fmt.Errorf("%w: endAt must be after startAt", ErrInvalidCoupon)
	}

	status := req.Status
	if status == "" {
		status = domain.CouponActive
	}
	switch status {
	case domain.CouponDraft, domain.CouponActive, domain.CouponPaused, domain.CouponArchived:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCoupon, status)
	}

	c := &domain.Coupon{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(req.Name),
		Code:           code,
		Type:           req.Type,
		Value:          req.Value,
		SingleUse:      req.SingleUse,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		MaxRedemptions: req.MaxRedemptions,
		MinOrder:       req.MinOrder,
		Status:         status,
		CreatedAt:      now.UTC(),
	}
	if err := s.store.SaveCoupon(ctx, c); err != nil {
		return nil, fmt.Errorf("save coupon: %w", err)
	}

	codes := append([]string{code}, req.Codes...)
	seen := make(map[string]bool, len(codes))
	for _, cc := range codes {
		cc = strings.TrimSpace(cc)
		if cc == "" || seen[cc] {
			continue
		}
		seen[cc] = true
		if err := s.store.SaveCouponCode(ctx, &domain.CouponCode{
			ID:        uuid.New().String(),
			CouponID:  c.ID,
			Code:      cc,
			CreatedAt: now.UTC(),
		}); err != nil {
			return nil, fmt.Errorf("save code %q: %w", cc, err)
		}
	}
	return c, nil
}

// List returns the most recent coupons.
func (s *Seeder) List(ctx context.Context, limit int) ([]*domain.Coupon, error) {
	return s.store.ListCoupons(ctx, limit)
}
