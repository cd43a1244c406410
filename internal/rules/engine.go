// Package rules evaluates the fraud rule catalog against a redemption.
package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/couponguard/internal/domain"
)

// EvalContext is the feature set rules are evaluated against.
type EvalContext struct {
	AcctAgeHours            float64
	CouponValue             float64
	Counters                domain.CounterSnapshot
	FailedCouponAttempts10m int
}

// Evaluator decides whether one rule fires for a context.
// params are the rule's configured thresholds; missing keys fall back to defaults.
type Evaluator interface {
	Evaluate(ec EvalContext, params map[string]float64) (bool, map[string]any, error)
}

// Result is the outcome of evaluating a rule set.
type Result struct {
	Hits        []domain.RuleHit
	RulesPoints float64
}

// Engine maps rule ids to evaluators.
type Engine struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewEngine compiles the predicate catalog.
func NewEngine() (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	e := &Engine{evaluators: make(map[string]Evaluator, len(catalog))}
	for _, p := range catalog {
		ev, err := compile(env, p)
		if err != nil {
			return nil, err
		}
		e.evaluators[p.id] = ev
	}
	return e, nil
}

// Register adds or replaces the evaluator for id.
func (e *Engine) Register(id string, ev Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[id] = ev
}

// Lookup returns the evaluator for id. Unknown ids resolve to an evaluator that never fires.
func (e *Engine) Lookup(id string) Evaluator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ev, ok := e.evaluators[id]; ok {
		return ev
	}
	return noop{}
}

// Known reports whether id is in the registry.
func (e *Engine) Known(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.evaluators[id]
	return ok
}

// Evaluate runs the rules of cfg, or the built-in set when cfg has none,
// and sums the scores of the rules that fired. Hits keep rule order.
func (e *Engine) Evaluate(ec EvalContext, cfg *domain.RulesConfig) Result {
	rules := DefaultRules()
	if cfg != nil && len(cfg.Rules) > 0 {
		rules = cfg.Rules
	}

	res := Result{Hits: []domain.RuleHit{}}
	for _, rule := range rules {
		hit, detail, err := e.Lookup(rule.ID).Evaluate(ec, rule.Params)
		if err != nil {
			slog.Warn("rule evaluation failed", "rule", rule.ID, "error", err)
			continue
		}
		if !hit {
			continue
		}

		kind := rule.Kind
		if kind == "" {
			kind = domain.RuleKindSoft
		}
		res.Hits = append(res.Hits, domain.RuleHit{
			ID:     rule.ID,
			Score:  rule.Score,
			Kind:   kind,
			Detail: detail,
		})
		res.RulesPoints += rule.Score
	}
	return res
}

type noop struct{}

func (noop) Evaluate(EvalContext, map[string]float64) (bool, map[string]any, error) {
	return false, nil, nil
}

// celEvaluator runs a compiled catalog predicate.
type celEvaluator struct {
	id       string
	program  cel.Program
	defaults map[string]float64
	detail   func(EvalContext) map[string]any
}

func (c *celEvaluator) Evaluate(ec EvalContext, params map[string]float64) (bool, map[string]any, error) {
	merged := make(map[string]float64, len(c.defaults))
	for k, v := range c.defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	out, _, err := c.program.Eval(map[string]any{
		"acctAgeHours": ec.AcctAgeHours,
		"couponValue":  ec.CouponValue,
		"orderAmount":  ec.Counters.OrderAmount,
		"ip10m":        float64(ec.Counters.IPUniqueAccounts10m),
		"device24h":    float64(ec.Counters.DeviceRedemptions24h),
		"user24h":      float64(ec.Counters.UserRedemptions24h),
		"failed10m":    float64(ec.FailedCouponAttempts10m),
		"params":       merged,
	})
	if err != nil {
		return false, nil, fmt.Errorf("evaluate %s: %w", c.id, err)
	}

	fired, ok := out.Value().(bool)
	if !ok {
		return false, nil, fmt.Errorf("rule %s returned %T, want bool", c.id, out.Value())
	}
	if !fired {
		return false, nil, nil
	}
	return true, c.detail(ec), nil
}
