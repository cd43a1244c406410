package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

const redemptionColumns = `id, user_id, coupon_id, coupon_code, order_id, amount, device_id, ip, geo,
	acct_age_hours, counters, rules_hits, rules_points, anomaly, risk, decision,
	narration, reasons, config_version, entities, created_at`

// SaveRedemption writes the audit record. When claim is set, the single-use
// code is consumed in the same transaction; if the code is already used the
// whole write is rolled back and ErrCodeUnavailable is returned.
func (r *SQLRepository) SaveRedemption(ctx context.Context, rec *domain.RedemptionRecord, claim *domain.CodeClaim) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: redemption id is required", ErrInvalidInput)
	}

	geo, err := json.Marshal(rec.Geo)
	if err != nil {
		return err
	}
	counters, err := json.Marshal(rec.Counters)
	if err != nil {
		return err
	}
	hits, err := json.Marshal(rec.RulesHits)
	if err != nil {
		return err
	}
	anomaly, err := json.Marshal(rec.Anomaly)
	if err != nil {
		return err
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return err
	}
	entities, err := json.Marshal(rec.Entities)
	if err != nil {
		return err
	}
	createdAt := rec.CreatedAt.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if claim != nil {
		update := `
			UPDATE coupon_codes SET used_by = ?, used_at = ?
			WHERE code = ? AND coupon_id = ? AND used_by IS NULL
		`
		result, err := tx.ExecContext(ctx, r.rebind(update), claim.UserID, createdAt, claim.Code, claim.CouponID)
		if err != nil {
			return fmt.Errorf("claim code: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrCodeUnavailable
		}
	}

	insert := `INSERT INTO redemptions (` + redemptionColumns + `) VALUES (` + placeholders(21) + `)`
	if _, err := tx.ExecContext(ctx, r.rebind(insert),
		rec.ID, rec.UserID, rec.CouponID, nullString(rec.CouponCode), rec.OrderID,
		rec.Amount, rec.DeviceID, nullString(rec.IP), string(geo),
		rec.AcctAgeHours, string(counters), string(hits), rec.RulesPoints,
		string(anomaly), rec.Risk, string(rec.Decision),
		rec.Narration, string(reasons), rec.ConfigVersion, string(entities), createdAt,
	); err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}

	seen := make(map[string]bool, len(rec.RulesHits))
	hitInsert := r.rebind(`INSERT INTO redemption_rule_hits (redemption_id, rule_id, created_at) VALUES (?, ?, ?)`)
	for _, h := range rec.RulesHits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		if _, err := tx.ExecContext(ctx, hitInsert, rec.ID, h.ID, createdAt); err != nil {
			return fmt.Errorf("insert rule hit: %w", err)
		}
	}

	return tx.Commit()
}

// GetRedemption retrieves an audit record by ID.
func (r *SQLRepository) GetRedemption(ctx context.Context, id string) (*domain.RedemptionRecord, error) {
	query := `SELECT ` + redemptionColumns + ` FROM redemptions WHERE id = ?`
	return scanRedemption(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// ListRedemptions returns audit records matching the filter, newest first.
func (r *SQLRepository) ListRedemptions(ctx context.Context, filter domain.RedemptionFilter) ([]*domain.RedemptionRecord, error) {
	var where []string
	var args []any

	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	if filter.CouponCode != "" {
		where = append(where, "coupon_code = ?")
		args = append(args, filter.CouponCode)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + redemptionColumns + ` FROM redemptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*domain.RedemptionRecord{}
	for rows.Next() {
		rec, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountDistinctUsersByIP counts distinct users redeeming from ip since the given time.
func (r *SQLRepository) CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	if ip == "" {
		return 0, nil
	}
	query := `SELECT COUNT(DISTINCT user_id) FROM redemptions WHERE ip = ? AND created_at >= ?`
	return r.count(ctx, query, ip, since.UTC())
}

// CountRedemptionsByDevice counts records from deviceID since the given time.
func (r *SQLRepository) CountRedemptionsByDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM redemptions WHERE device_id = ? AND created_at >= ?`
	return r.count(ctx, query, deviceID, since.UTC())
}

// CountRedemptionsByUser counts records of userID since the given time.
func (r *SQLRepository) CountRedemptionsByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM redemptions WHERE user_id = ? AND created_at >= ?`
	return r.count(ctx, query, userID, since.UTC())
}

// CountRedemptionsByCoupon counts redemptions of a coupon that were not blocked.
func (r *SQLRepository) CountRedemptionsByCoupon(ctx context.Context, couponID string) (int, error) {
	query := `SELECT COUNT(*) FROM redemptions WHERE coupon_id = ? AND decision <> ?`
	return r.count(ctx, query, couponID, string(domain.DecisionBlock))
}

func (r *SQLRepository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountDecisions aggregates decisions since the given time.
func (r *SQLRepository) CountDecisions(ctx context.Context, since time.Time) (domain.DecisionCounts, error) {
	query := `SELECT decision, COUNT(*) FROM redemptions WHERE created_at >= ? GROUP BY decision`

	var counts domain.DecisionCounts
	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		switch domain.Decision(decision) {
		case domain.DecisionAllow:
			counts.Allowed += n
		case domain.DecisionChallenge:
			counts.Challenged += n
		case domain.DecisionBlock:
			counts.Blocked += n
		}
	}
	return counts, rows.Err()
}

// TopRuleHits returns the most frequently triggered rules since the given time.
func (r *SQLRepository) TopRuleHits(ctx context.Context, since time.Time, limit int) ([]domain.RuleHitCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT rule_id, COUNT(*) AS hits
		FROM redemption_rule_hits
		WHERE created_at >= ?
		GROUP BY rule_id
		ORDER BY hits DESC, rule_id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RuleHitCount{}
	for rows.Next() {
		var rc domain.RuleHitCount
		if err := rows.Scan(&rc.RuleID, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func scanRedemption(row rowScanner) (*domain.RedemptionRecord, error) {
	var rec domain.RedemptionRecord
	var couponCode, ip sql.NullString
	var geo, counters, hits, anomaly, reasons, entities, decision string

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.CouponID, &couponCode, &rec.OrderID, &rec.Amount,
		&rec.DeviceID, &ip, &geo, &rec.AcctAgeHours, &counters, &hits, &rec.RulesPoints,
		&anomaly, &rec.Risk, &decision, &rec.Narration, &reasons, &rec.ConfigVersion,
		&entities, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.CouponCode = couponCode.String
	rec.IP = ip.String
	rec.Decision = domain.Decision(decision)
	rec.CreatedAt = rec.CreatedAt.UTC()

	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"geo", geo, &rec.Geo},
		{"counters", counters, &rec.Counters},
		{"rules_hits", hits, &rec.RulesHits},
		{"anomaly", anomaly, &rec.Anomaly},
		{"reasons", reasons, &rec.Reasons},
		{"entities", entities, &rec.Entities},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to parse %s of redemption %s: %w", f.name, rec.ID, err)
		}
	}
	return &rec, nil
}
