// Package narrator renders a decision and its contributing factors as text.
package narrator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// DefaultMentionThreshold is the anomaly score at which the scorer is mentioned.
const DefaultMentionThreshold = 0.6

// NoRuleHits is the sole reason when nothing fired.
const NoRuleHits = "no rule hits"

const maxDrivers = 3

var ruleLabels = map[string]string{
	"new_acct_high_value": "new account used high-value coupon",
	"device_duplicate":    "too many redemptions from same device (24h)",
	"ip_burst":            "many unique accounts from the same IP (10m)",
	"redemption_velocity": "too many redemptions by the same user (24h)",
	"code_guessing":       "repeated invalid coupon attempts (10m)",
}

var featureLabels = map[string]string{
	"acctAgeHours":          "account age",
	"device24h":             "device activity (24h)",
	"device_redemptions24h": "device activity (24h)",
	"ip10m":                 "IP fan-out (10m)",
	"ip_uniqueAccounts10m":  "IP fan-out (10m)",
	"user24h":               "user activity (24h)",
	"value":                 "coupon value",
	"couponValue":           "coupon value",
}

// Input is what the narrator explains.
type Input struct {
	Decision domain.Decision
	Risk     float64
	Hits     []domain.RuleHit
	Anomaly  domain.Anomaly
}

// Narration is an ordered list of reasons plus a one-line summary.
type Narration struct {
	Reasons []string
	Summary string
}

// Narrator renders narrations.
type Narrator struct {
	mentionThreshold float64
}

// New creates a Narrator that mentions the anomaly score at or above threshold.
func New(threshold float64) *Narrator {
	return &Narrator{mentionThreshold: threshold}
}

// Narrate builds the reasons and summary for in. It always returns at least one reason.
func (n *Narrator) Narrate(in Input) Narration {
	reasons := make([]string, 0, len(in.Hits)+1)
	for _, h := range in.Hits {
		reasons = append(reasons, hitReason(h))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, NoRuleHits)
	}
	if in.Anomaly.Score >= n.mentionThreshold {
		reasons = append(reasons, anomalyReason(in.Anomaly))
	}

	risk := in.Risk
	if math.IsNaN(risk) || math.IsInf(risk, 0) {
		risk = 0
	}
	summary := fmt.Sprintf("%s (risk %.2f): %s", capitalize(string(in.Decision)), risk, strings.Join(reasons, "; "))

	return Narration{Reasons: reasons, Summary: summary}
}

// RuleLabel returns the human label for a rule id, or the id itself.
func RuleLabel(id string) string {
	if l, ok := ruleLabels[id]; ok {
		return l
	}
	return id
}

func hitReason(h domain.RuleHit) string {
	label := RuleLabel(h.ID)
	if len(h.Detail) == 0 {
		return label
	}

	keys := make([]string, 0, len(h.Detail))
	for k := range h.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + formatValue(h.Detail[k])
	}
	return label + " (" + strings.Join(pairs, ", ") + ")"
}

func anomalyReason(a domain.Anomaly) string {
	msg := fmt.Sprintf("anomalous behavior (score %.2f)", a.Score)

	drivers := make([]string, 0, maxDrivers)
	for _, f := range a.TopFeatures {
		if len(drivers) == maxDrivers {
			break
		}
		if f == "" {
			continue
		}
		if l, ok := featureLabels[f]; ok {
			f = l
		}
		drivers = append(drivers, f)
	}
	if len(drivers) > 0 {
		msg += "; drivers: " + strings.Join(drivers, ", ")
	}
	return msg
}

// formatValue renders floats with at most two decimals and no trailing zeros.
func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(math.Round(x*100)/100, 'f', -1, 64)
	case float32:
		return formatValue(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

// capitalize upper-cases only the first letter: "BLOCK" stays "BLOCK".
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
