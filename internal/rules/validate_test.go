package rules

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/couponguard/internal/domain"
)

func validConfig() *domain.RulesConfig {
	return &domain.RulesConfig{
		WeightAnomaly: 0.3,
		Thresholds:    domain.Thresholds{BlockRisk: 0.8, ChallengeRisk: 0.6},
		Rules:         DefaultRules(),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RulesConfig)
		field  string
	}{
		{"valid", func(*domain.RulesConfig) {}, ""},
		{"no rules is valid", func(c *domain.RulesConfig) { c.Rules = nil }, ""},
		{"block equals challenge", func(c *domain.RulesConfig) { c.Thresholds.BlockRisk = 0.6 }, "thresholds"},
		{"block below challenge", func(c *domain.RulesConfig) { c.Thresholds = domain.Thresholds{BlockRisk: 0.5, ChallengeRisk: 0.7} }, "thresholds"},
		{"block above one", func(c *domain.RulesConfig) { c.Thresholds.BlockRisk = 1.2 }, "thresholds.blockRisk"},
		{"negative challenge", func(c *domain.RulesConfig) { c.Thresholds.ChallengeRisk = -0.1 }, "thresholds.challengeRisk"},
		{"weight above one", func(c *domain.RulesConfig) { c.WeightAnomaly = 1.5 }, "weightAnomaly"},
		{"weight NaN", func(c *domain.RulesConfig) { c.WeightAnomaly = math.NaN() }, "weightAnomaly"},
		{"empty rule id", func(c *domain.RulesConfig) { c.Rules[0].ID = "" }, "rules[0].id"},
		{"duplicate rule id", func(c *domain.RulesConfig) { c.Rules[1].ID = c.Rules[0].ID }, "rules[1].id"},
		{"bad kind", func(c *domain.RulesConfig) { c.Rules[2].Kind = "medium" }, "rules[2].kind"},
		{"infinite score", func(c *domain.RulesConfig) { c.Rules[0].Score = math.Inf(1) }, "rules[0].score"},
		{"negative score", func(c *domain.RulesConfig) { c.Rules[0].Score = -1 }, "rules[0].score"},
		{"NaN param", func(c *domain.RulesConfig) { c.Rules[0].Params["ageHours"] = math.NaN() }, "rules[0].params.ageHours"},
		{"boundary thresholds", func(c *domain.RulesConfig) { c.Thresholds = domain.Thresholds{BlockRisk: 1, ChallengeRisk: 0} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}

			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cerr.Field)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Error("expected error for nil config")
	}
}
