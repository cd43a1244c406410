package domain

import "time"

// CouponType decides how a coupon's value is computed.
type CouponType string

const (
	CouponPercent CouponType = "percent"
	CouponFixed   CouponType = "fixed"
)

// CouponStatus is the lifecycle state of a coupon.
type CouponStatus string

const (
	CouponDraft    CouponStatus = "draft"
	CouponActive   CouponStatus = "active"
	CouponPaused   CouponStatus = "paused"
	CouponArchived CouponStatus = "archived"
)

// Coupon is the campaign-level definition. Its lifecycle is owned elsewhere;
// the decision engine only reads it.
type Coupon struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Code           string       `json:"code"`
	Type           CouponType   `json:"type"`
	Value          float64      `json:"value"`
	SingleUse      bool         `json:"singleUse"`
	StartAt        *time.Time   `json:"startAt,omitempty"`
	EndAt          *time.Time   `json:"endAt,omitempty"`
	MaxRedemptions int          `json:"maxRedemptions,omitempty"`
	MinOrder       float64      `json:"minOrder,omitempty"`
	Status         CouponStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// CouponCode is one redeemable code of a coupon. For single-use coupons
// UsedBy is set exactly once.
type CouponCode struct {
	ID         string     `json:"id"`
	CouponID   string     `json:"couponId"`
	Code       string     `json:"code"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	UsedBy     string     `json:"usedBy,omitempty"`
	UsedAt     *time.Time `json:"usedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Used reports whether the code has been consumed.
func (c *CouponCode) Used() bool {
	return c.UsedBy != ""
}

// User is the minimal account view needed for enrichment.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}
