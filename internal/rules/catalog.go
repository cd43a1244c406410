package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule ids of the predicate catalog.
const (
	RuleNewAccountHighValue = "new_acct_high_value"
	RuleDeviceDuplicate     = "device_duplicate"
	RuleIPBurst             = "ip_burst"
	RuleRedemptionVelocity  = "redemption_velocity"
	RuleCodeGuessing        = "code_guessing"
)

// predicate is one catalog entry: a CEL condition over the evaluation
// context, its default params and the feature values it reports on a hit.
type predicate struct {
	id       string
	expr     string
	defaults map[string]float64
	detail   func(EvalContext) map[string]any
}

var catalog = []predicate{
	{
		id:       RuleNewAccountHighValue,
		expr:     `acctAgeHours < params.ageHours && couponValue > params.minValue`,
		defaults: map[string]float64{"ageHours": 24, "minValue": 20},
		detail: func(ec EvalContext) map[string]any {
			return map[string]any{"acctAgeHours": ec.AcctAgeHours, "couponValue": ec.CouponValue}
		},
	},
	{
		id:       RuleDeviceDuplicate,
		expr:     `device24h > params.maxPerDevice24h`,
		defaults: map[string]float64{"maxPerDevice24h": 5},
		detail: func(ec EvalContext) map[string]any {
			return map[string]any{"device24h": ec.Counters.DeviceRedemptions24h}
		},
	},
	{
		id:       RuleIPBurst,
		expr:     `ip10m > params.maxAccounts10m`,
		defaults: map[string]float64{"maxAccounts10m": 8},
		detail: func(ec EvalContext) map[string]any {
			return map[string]any{"ip10m": ec.Counters.IPUniqueAccounts10m}
		},
	},
	{
		id:       RuleRedemptionVelocity,
		expr:     `user24h > params.maxUser24h`,
		defaults: map[string]float64{"maxUser24h": 3},
		detail: func(ec EvalContext) map[string]any {
			return map[string]any{"user24h": ec.Counters.UserRedemptions24h}
		},
	},
	{
		id:       RuleCodeGuessing,
		expr:     `failed10m > params.maxFailed10m`,
		defaults: map[string]float64{"maxFailed10m": 6},
		detail: func(ec EvalContext) map[string]any {
			return map[string]any{"failed10m": ec.FailedCouponAttempts10m}
		},
	},
}

// newEnv declares the variables every catalog predicate can read.
// Counts are exposed as doubles so they compare directly with params.
func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("acctAgeHours", cel.DoubleType),
		cel.Variable("couponValue", cel.DoubleType),
		cel.Variable("orderAmount", cel.DoubleType),
		cel.Variable("ip10m", cel.DoubleType),
		cel.Variable("device24h", cel.DoubleType),
		cel.Variable("user24h", cel.DoubleType),
		cel.Variable("failed10m", cel.DoubleType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compile(env *cel.Env, p predicate) (*celEvaluator, error) {
	ast, issues := env.Compile(p.expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", p.id, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", p.id, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", p.id, err)
	}

	return &celEvaluator{
		id:       p.id,
		program:  program,
		defaults: p.defaults,
		detail:   p.detail,
	}, nil
}
