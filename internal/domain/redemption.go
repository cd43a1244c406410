package domain

import "time"

// Decision is the outcome of a redemption attempt.
type Decision string

const (
	DecisionAllow     Decision = "ALLOW"
	DecisionChallenge Decision = "CHALLENGE"
	DecisionBlock     Decision = "BLOCK"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionChallenge || d == DecisionBlock
}

// CounterSnapshot holds point-in-time counts derived from the audit log.
type CounterSnapshot struct {
	IPUniqueAccounts10m  int     `json:"ip_uniqueAccounts10m"`
	DeviceRedemptions24h int     `json:"device_redemptions24h"`
	UserRedemptions24h   int     `json:"user_redemptions24h"`
	OrderAmount          float64 `json:"orderAmount"`
}

// Geo is a coarse location.
type Geo struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// RuleHit is a triggered rule together with the feature values that caused it.
type RuleHit struct {
	ID     string         `json:"id"`
	Score  float64        `json:"score"`
	Kind   RuleKind       `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Anomaly is the external scorer's verdict.
type Anomaly struct {
	Score       float64  `json:"score"`
	TopFeatures []string `json:"topFeatures"`
}

// NeutralAnomaly is used whenever the scorer is disabled or unavailable.
func NeutralAnomaly() Anomaly {
	return Anomaly{Score: 0, TopFeatures: []string{}}
}

// Entities names the parties of a redemption for later list lookups.
type Entities struct {
	User    string `json:"user"`
	Device  string `json:"device"`
	IP      string `json:"ip,omitempty"`
	Address string `json:"address,omitempty"`
	Payment string `json:"payment,omitempty"`
}

// RedemptionRecord is the immutable audit record of one decision.
type RedemptionRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	CouponID      string          `json:"couponId"`
	CouponCode    string          `json:"couponCode,omitempty"`
	OrderID       string          `json:"orderId"`
	Amount        float64         `json:"amount"`
	DeviceID      string          `json:"deviceId"`
	IP            string          `json:"ip,omitempty"`
	Geo           Geo             `json:"geo"`
	AcctAgeHours  float64         `json:"acctAgeHours"`
	Counters      CounterSnapshot `json:"counters"`
	RulesHits     []RuleHit       `json:"rulesHits"`
	RulesPoints   float64         `json:"rulesPoints"`
	Anomaly       Anomaly         `json:"anomaly"`
	Risk          float64         `json:"risk"`
	Decision      Decision        `json:"decision"`
	Narration     string          `json:"narration"`
	Reasons       []string        `json:"reasons"`
	ConfigVersion int             `json:"configVersion"`
	Entities      Entities        `json:"entities"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// RedemptionFilter selects audit records for administration.
type RedemptionFilter struct {
	Decision   Decision
	CouponCode string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// DecisionCounts aggregates decisions over a window.
type DecisionCounts struct {
	Total      int `json:"total"`
	Allowed    int `json:"allowed"`
	Challenged int `json:"challenged"`
	Blocked    int `json:"blocked"`
}

// RuleHitCount is one row of the top-rules aggregate.
type RuleHitCount struct {
	RuleID string `json:"id"`
	Count  int    `json:"count"`
}

// CodeClaim asks the persister to consume a single-use code
// in the same transaction as the audit write.
type CodeClaim struct {
	CouponID string
	Code     string
	UserID   string
}
