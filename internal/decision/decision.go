// Package decision turns rule points and an anomaly score into a final decision.
package decision

import (
	"math"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// Input contains everything the combiner needs for one redemption.
type Input struct {
	RulesPoints   float64
	AnomalyScore  float64
	WeightAnomaly float64
	Thresholds    domain.Thresholds
	AllowOverride bool
	BlockOverride bool
	Hits          []domain.RuleHit
}

// Outcome is the classified result.
type Outcome struct {
	Risk     float64
	RiskRaw  float64
	Decision domain.Decision
	HardHit  bool

	// Reason names the precedence step that produced the decision.
	Reason Reason
}

// Reason identifies which step of the precedence ladder decided.
type Reason string

const (
	ReasonAllowList Reason = "allow_list"
	ReasonBlockList Reason = "block_list"
	ReasonHardRule  Reason = "hard_rule"
	ReasonBlockRisk Reason = "block_threshold"
	ReasonChallenge Reason = "challenge_threshold"
	ReasonBelowRisk Reason = "below_threshold"
)

// FromConfig fills weight and thresholds from cfg, or the defaults when cfg is nil.
func (in Input) FromConfig(cfg *domain.RulesConfig) Input {
	if cfg == nil {
		in.WeightAnomaly = domain.DefaultWeightAnomaly
		in.Thresholds = domain.DefaultThresholds()
		return in
	}
	in.WeightAnomaly = cfg.WeightAnomaly
	in.Thresholds = cfg.Thresholds
	return in
}

// Combine blends the inputs into a bounded risk and applies the decision precedence:
// allow list, block list, block threshold or hard rule, challenge threshold, allow.
func Combine(in Input) Outcome {
	raw := in.RulesPoints + in.WeightAnomaly*in.AnomalyScore
	out := Outcome{
		RiskRaw: raw,
		Risk:    Round4(Clamp01(raw)),
		HardHit: domain.HasHard(in.Hits),
	}

	switch {
	case in.AllowOverride:
		out.Decision, out.Reason = domain.DecisionAllow, ReasonAllowList
	case in.BlockOverride:
		out.Decision, out.Reason = domain.DecisionBlock, ReasonBlockList
	case out.Risk >= in.Thresholds.BlockRisk:
		out.Decision, out.Reason = domain.DecisionBlock, ReasonBlockRisk
	case out.HardHit:
		out.Decision, out.Reason = domain.DecisionBlock, ReasonHardRule
	case out.Risk >= in.Thresholds.ChallengeRisk:
		out.Decision, out.Reason = domain.DecisionChallenge, ReasonChallenge
	default:
		out.Decision, out.Reason = domain.DecisionAllow, ReasonBelowRisk
	}
	return out
}

// Clamp01 bounds f to [0,1]. NaN maps to 0.
func Clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Round4 rounds to four decimal places.
func Round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
