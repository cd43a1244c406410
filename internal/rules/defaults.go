package rules

import "github.com/opensource-finance/couponguard/internal/domain"

// BuiltinConfigID identifies the in-memory default config.
const BuiltinConfigID = "builtin"

// DefaultRules returns the rule set used when no config is enabled.
func DefaultRules() []domain.Rule {
	return []domain.Rule{
		{ID: RuleNewAccountHighValue, Score: 0.4, Kind: domain.RuleKindSoft, Params: map[string]float64{"ageHours": 24, "minValue": 20}},
		{ID: RuleDeviceDuplicate, Score: 0.5, Kind: domain.RuleKindSoft, Params: map[string]float64{"maxPerDevice24h": 5}},
		{ID: RuleIPBurst, Score: 0.5, Kind: domain.RuleKindSoft, Params: map[string]float64{"maxAccounts10m": 8}},
		{ID: RuleRedemptionVelocity, Score: 0.4, Kind: domain.RuleKindSoft, Params: map[string]float64{"maxUser24h": 3}},
		{ID: RuleCodeGuessing, Score: 0.8, Kind: domain.RuleKindHard, Params: map[string]float64{"maxFailed10m": 6}},
	}
}

// DefaultConfig returns the built-in config. It is never persisted.
func DefaultConfig() *domain.RulesConfig {
	return &domain.RulesConfig{
		ID:            BuiltinConfigID,
		Version:       0,
		Name:          "built-in defaults",
		Enabled:       true,
		WeightAnomaly: domain.DefaultWeightAnomaly,
		Thresholds:    domain.DefaultThresholds(),
		Rules:         DefaultRules(),
		Builtin:       true,
	}
}
