package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// ConfigError reports a rules config that violates a write-time invariant.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rules config: %s: %s", e.Field, e.Message)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func unit(f float64) bool {
	return finite(f) && f >= 0 && f <= 1
}

// Validate rejects configs whose thresholds, weight or rules are malformed.
// Nothing is clamped: a bad config is refused as a whole.
func Validate(cfg *domain.RulesConfig) error {
	if cfg == nil {
		return &ConfigError{Field: "config", Message: "is required"}
	}

	t := cfg.Thresholds
	if !unit(t.BlockRisk) {
		return &ConfigError{Field: "thresholds.blockRisk", Message: "must be within [0,1]"}
	}
	if !unit(t.ChallengeRisk) {
		return &ConfigError{Field: "thresholds.challengeRisk", Message: "must be within [0,1]"}
	}
	if t.BlockRisk <= t.ChallengeRisk {
		return &ConfigError{Field: "thresholds", Message: "blockRisk must be greater than challengeRisk"}
	}
	if !unit(cfg.WeightAnomaly) {
		return &ConfigError{Field: "weightAnomaly", Message: "must be within [0,1]"}
	}

	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			return &ConfigError{Field: field + ".id", Message: "is required"}
		}
		if seen[r.ID] {
			return &ConfigError{Field: field + ".id", Message: fmt.Sprintf("duplicate rule %q", r.ID)}
		}
		seen[r.ID] = true

		if !r.Kind.Valid() {
			return &ConfigError{Field: field + ".kind", Message: "must be soft or hard"}
		}
		if !finite(r.Score) || r.Score < 0 {
			return &ConfigError{Field: field + ".score", Message: "must be a finite non-negative number"}
		}
		for k, v := range r.Params {
			if !finite(v) {
				return &ConfigError{Field: field + ".params." + k, Message: "must be finite"}
			}
		}
	}
	return nil
}
