package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// UpsertUser inserts the user or refreshes its email. CreatedAt is only set on insert.
func (r *SQLRepository) UpsertUser(ctx context.Context, user *domain.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), user.ID, user.Email, createdAt.UTC())
	return err
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT id, email, created_at FROM users WHERE id = ?`

	var u domain.User
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

const couponColumns = `id, name, code, type, value, single_use, start_at, end_at, max_redemptions, min_order, status, created_at`

// SaveCoupon stores a new coupon.
func (r *SQLRepository) SaveCoupon(ctx context.Context, c *domain.Coupon) error {
	if c == nil || c.ID == "" || c.Code == "" {
		return fmt.Errorf("%w: coupon id and code are required", ErrInvalidInput)
	}

	query := `INSERT INTO coupons (` + couponColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.Name, c.Code, string(c.Type), c.Value, boolToInt(c.SingleUse),
		nullTime(c.StartAt), nullTime(c.EndAt), c.MaxRedemptions, c.MinOrder,
		string(c.Status), c.CreatedAt.UTC(),
	)
	return err
}

// GetCoupon retrieves a coupon by ID.
func (r *SQLRepository) GetCoupon(ctx context.Context, couponID string) (*domain.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = ?`
	return scanCoupon(r.db.QueryRowContext(ctx, r.rebind(query), couponID))
}

// GetCouponByCode retrieves a coupon by its public code.
func (r *SQLRepository) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = ?`
	return scanCoupon(r.db.QueryRowContext(ctx, r.rebind(query), code))
}

// ListCoupons returns the most recently created coupons.
func (r *SQLRepository) ListCoupons(ctx context.Context, limit int) ([]*domain.Coupon, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := []*domain.Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

func scanCoupon(row rowScanner) (*domain.Coupon, error) {
	var c domain.Coupon
	var typ, status string
	var singleUse int
	var startAt, endAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &c.Code, &typ, &c.Value, &singleUse,
		&startAt, &endAt, &c.MaxRedemptions, &c.MinOrder, &status, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Type = domain.CouponType(typ)
	c.Status = domain.CouponStatus(status)
	c.SingleUse = singleUse == 1
	c.StartAt = timePtr(startAt)
	c.EndAt = timePtr(endAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// SaveCouponCode stores a redeemable code row.
func (r *SQLRepository) SaveCouponCode(ctx context.Context, code *domain.CouponCode) error {
	if code == nil || code.ID == "" || code.CouponID == "" || code.Code == "" {
		return fmt.Errorf("%w: code id, coupon id and code are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO coupon_codes (id, coupon_id, code, assigned_to, used_by, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		code.ID, code.CouponID, code.Code, nullString(code.AssignedTo),
		nullString(code.UsedBy), nullTime(code.UsedAt), code.CreatedAt.UTC(),
	)
	return err
}

// GetCouponCode retrieves a code row by its code.
func (r *SQLRepository) GetCouponCode(ctx context.Context, code string) (*domain.CouponCode, error) {
	query := `
		SELECT id, coupon_id, code, assigned_to, used_by, used_at, created_at
		FROM coupon_codes
		WHERE code = ?
	`

	var cc domain.CouponCode
	var assignedTo, usedBy sql.NullString
	var usedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), code).Scan(
		&cc.ID, &cc.CouponID, &cc.Code, &assignedTo, &usedBy, &usedAt, &cc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cc.AssignedTo = assignedTo.String
	cc.UsedBy = usedBy.String
	cc.UsedAt = timePtr(usedAt)
	cc.CreatedAt = cc.CreatedAt.UTC()
	return &cc, nil
}
