package narrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/couponguard/internal/domain"
)

func TestNarrateNoHits(t *testing.T) {
	n := New(DefaultMentionThreshold)

	out := n.Narrate(Input{Decision: domain.DecisionAllow, Risk: 0, Anomaly: domain.NeutralAnomaly()})

	require.Equal(t, []string{NoRuleHits}, out.Reasons)
	assert.Equal(t, "ALLOW (risk 0.00): no rule hits", out.Summary)
}

func TestNarrateHits(t *testing.T) {
	n := New(DefaultMentionThreshold)

	out := n.Narrate(Input{
		Decision: domain.DecisionBlock,
		Risk:     1,
		Hits: []domain.RuleHit{
			{ID: "new_acct_high_value", Score: 0.4, Kind: domain.RuleKindSoft, Detail: map[string]any{"couponValue": 50.0, "acctAgeHours": 2.0004}},
			{ID: "device_duplicate", Score: 0.5, Kind: domain.RuleKindSoft, Detail: map[string]any{"device24h": 6}},
		},
	})

	require.Len(t, out.Reasons, 2)
	assert.Equal(t, "new account used high-value coupon (acctAgeHours=2, couponValue=50)", out.Reasons[0])
	assert.Equal(t, "too many redemptions from same device (24h) (device24h=6)", out.Reasons[1])
	assert.Equal(t,
		"BLOCK (risk 1.00): new account used high-value coupon (acctAgeHours=2, couponValue=50); too many redemptions from same device (24h) (device24h=6)",
		out.Summary)
}

func TestNarrateUnknownRuleWithoutDetail(t *testing.T) {
	n := New(DefaultMentionThreshold)

	out := n.Narrate(Input{
		Decision: domain.DecisionChallenge,
		Risk:     0.656,
		Hits:     []domain.RuleHit{{ID: "custom_rule", Score: 0.7}},
	})

	assert.Equal(t, []string{"custom_rule"}, out.Reasons)
	assert.Equal(t, "CHALLENGE (risk 0.66): custom_rule", out.Summary)
}

func TestNarrateAnomaly(t *testing.T) {
	tests := []struct {
		name    string
		anomaly domain.Anomaly
		want    []string
	}{
		{
			name:    "below threshold",
			anomaly: domain.Anomaly{Score: 0.59, TopFeatures: []string{"ip10m"}},
			want:    []string{NoRuleHits},
		},
		{
			name:    "at threshold without drivers",
			anomaly: domain.Anomaly{Score: 0.6, TopFeatures: []string{}},
			want:    []string{NoRuleHits, "anomalous behavior (score 0.60)"},
		},
		{
			name:    "top three drivers labelled",
			anomaly: domain.Anomaly{Score: 0.912, TopFeatures: []string{"ip10m", "acctAgeHours", "mystery", "device24h"}},
			want:    []string{NoRuleHits, "anomalous behavior (score 0.91); drivers: IP fan-out (10m), account age, mystery"},
		},
	}

	n := New(DefaultMentionThreshold)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := n.Narrate(Input{Decision: domain.DecisionAllow, Anomaly: tt.anomaly})
			assert.Equal(t, tt.want, out.Reasons)
		})
	}
}

func TestNarrateCustomThreshold(t *testing.T) {
	n := New(0.9)
	out := n.Narrate(Input{Decision: domain.DecisionAllow, Anomaly: domain.Anomaly{Score: 0.8}})
	assert.Equal(t, []string{NoRuleHits}, out.Reasons)
}

func TestRuleLabel(t *testing.T) {
	assert.Equal(t, "many unique accounts from the same IP (10m)", RuleLabel("ip_burst"))
	assert.Equal(t, "whatever", RuleLabel("whatever"))
}
