package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/couponguard/internal/domain"
)

const rulesConfigColumns = `id, version, name, enabled, weight_anomaly, block_risk, challenge_risk, rules, derived_from, created_at`

// CreateRulesConfig appends a new config version. The version is assigned
// here as max(version)+1 and written back into cfg.
func (r *SQLRepository) CreateRulesConfig(ctx context.Context, cfg *domain.RulesConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("%w: rules config id is required", ErrInvalidInput)
	}

	rules, err := json.Marshal(cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM rules_configs`).Scan(&version); err != nil {
		return err
	}

	query := `INSERT INTO rules_configs (` + rulesConfigColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		cfg.ID, version, cfg.Name, boolToInt(cfg.Enabled), cfg.WeightAnomaly,
		cfg.Thresholds.BlockRisk, cfg.Thresholds.ChallengeRisk,
		string(rules), nullString(cfg.DerivedFrom), cfg.CreatedAt.UTC(),
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	cfg.Version = version
	return nil
}

// GetRulesConfig retrieves one config version by ID.
func (r *SQLRepository) GetRulesConfig(ctx context.Context, id string) (*domain.RulesConfig, error) {
	query := `SELECT ` + rulesConfigColumns + ` FROM rules_configs WHERE id = ?`
	return scanRulesConfig(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// GetActiveRulesConfig returns the enabled config with the highest version.
func (r *SQLRepository) GetActiveRulesConfig(ctx context.Context) (*domain.RulesConfig, error) {
	query := `
		SELECT ` + rulesConfigColumns + `
		FROM rules_configs
		WHERE enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`
	return scanRulesConfig(r.db.QueryRowContext(ctx, query))
}

// ListRulesConfigs returns config history, newest first.
func (r *SQLRepository) ListRulesConfigs(ctx context.Context, limit int) ([]*domain.RulesConfig, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + rulesConfigColumns + ` FROM rules_configs ORDER BY version DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []*domain.RulesConfig{}
	for rows.Next() {
		cfg, err := scanRulesConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func scanRulesConfig(row rowScanner) (*domain.RulesConfig, error) {
	var cfg domain.RulesConfig
	var enabled int
	var rules string
	var derivedFrom sql.NullString

	err := row.Scan(
		&cfg.ID, &cfg.Version, &cfg.Name, &enabled, &cfg.WeightAnomaly,
		&cfg.Thresholds.BlockRisk, &cfg.Thresholds.ChallengeRisk,
		&rules, &derivedFrom, &cfg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	cfg.DerivedFrom = derivedFrom.String
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(rules), &cfg.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules for config %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}
