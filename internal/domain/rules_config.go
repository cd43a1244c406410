package domain

import "time"

// RuleKind distinguishes rules that only add points from rules that force a block.
type RuleKind string

const (
	RuleKindSoft RuleKind = "soft"
	RuleKindHard RuleKind = "hard"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool {
	return k == RuleKindSoft || k == RuleKindHard
}

// Rule is one entry of a RulesConfig.
// ID names a predicate in the rule catalog; Params overrides its default thresholds.
type Rule struct {
	ID     string             `json:"id"`
	Score  float64            `json:"score"`
	Kind   RuleKind           `json:"kind"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Thresholds map a risk value to a decision.
type Thresholds struct {
	BlockRisk     float64 `json:"blockRisk"`
	ChallengeRisk float64 `json:"challengeRisk"`
}

// RulesConfig is one immutable version of the fraud rule set.
// Configs are never updated in place; a change appends a new version.
type RulesConfig struct {
	ID            string     `json:"id"`
	Version       int        `json:"version"`
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	WeightAnomaly float64    `json:"weightAnomaly"`
	Thresholds    Thresholds `json:"thresholds"`
	Rules         []Rule     `json:"rules"`

	// DerivedFrom is the ID of the version this one was patched from, if any.
	DerivedFrom string    `json:"derivedFrom,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	// Builtin marks the in-memory default returned when no config is enabled.
	Builtin bool `json:"builtin,omitempty"`
}

// Defaults used when no RulesConfig is enabled.
const (
	DefaultBlockRisk     = 0.8
	DefaultChallengeRisk = 0.6
	DefaultWeightAnomaly = 0.3
)

// DefaultThresholds returns the built-in decision thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BlockRisk:     DefaultBlockRisk,
		ChallengeRisk: DefaultChallengeRisk,
	}
}

// HasHard reports whether any hit came from a hard rule.
func HasHard(hits []RuleHit) bool {
	for _, h := range hits {
		if h.Kind == RuleKindHard {
			return true
		}
	}
	return false
}
