package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// Rule is a named detection strategy with a fixed score.
type Rule interface {
	Type() domain.RuleType
	Description() string
	Score() int
	Condition() string

	// Evaluate decides whether the rule fires for subject within w.
	Evaluate(ctx context.Context, subject *domain.Subject, w Window) (Outcome, error)
}

// Outcome is what a rule observed and decided.
type Outcome struct {
	Triggered bool
	Signals   map[string]any
}

// Registry holds rules in evaluation order.
type Registry struct {
	rules []Rule
	index map[domain.RuleType]Rule
}

// NewRegistry creates a registry. Rule types must be unique and scores positive.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{index: make(map[domain.RuleType]Rule, len(rules))}
	for _, rule := range rules {
		if rule.Score() <= 0 {
			return nil, fmt.Errorf("rule %s: score must be positive", rule.Type())
		}
		if _, dup := r.index[rule.Type()]; dup {
			return nil, fmt.Errorf("rule %s registered twice", rule.Type())
		}
		r.index[rule.Type()] = rule
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Rules returns the registered rules in evaluation order.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Get returns the rule registered for t.
func (r *Registry) Get(t domain.RuleType) (Rule, bool) {
	rule, ok := r.index[t]
	return rule, ok
}

// Infos describes every registered rule.
func (r *Registry) Infos() []domain.RuleInfo {
	infos := make([]domain.RuleInfo, 0, len(r.rules))
	for _, rule := range r.rules {
		infos = append(infos, domain.RuleInfo{
			Type:        rule.Type(),
			Description: rule.Description(),
			Score:       rule.Score(),
			Condition:   rule.Condition(),
		})
	}
	return infos
}

// EvaluateAll runs every rule against subject in declared order. A rule that
// errors or panics is reported as not triggered with its error recorded; the
// remaining rules still run.
func (r *Registry) EvaluateAll(ctx context.Context, subject *domain.Subject, w Window) []domain.RuleResult {
	results := make([]domain.RuleResult, 0, len(r.rules))
	for _, rule := range r.rules {
		results = append(results, Evaluate(ctx, rule, subject, w))
	}
	return results
}

// Evaluate runs a single rule and converts its outcome into a result.
func Evaluate(ctx context.Context, rule Rule, subject *domain.Subject, w Window) (result domain.RuleResult) {
	start := time.Now()

	result = domain.RuleResult{
		RuleType:    rule.Type(),
		Description: rule.Description(),
		Condition:   rule.Condition(),
	}

	defer func() {
		if p := recover(); p != nil {
			result.Triggered = false
			result.Score = 0
			result.Error = fmt.Sprintf("rule panicked: %v", p)
			slog.Error("rule panicked",
				"rule_type", rule.Type(),
				"subject_id", subject.ID,
				"panic", p,
			)
		}
		result.ProcessMs = time.Since(start).Milliseconds()
	}()

	outcome, err := rule.Evaluate(ctx, subject, w)
	result.Signals = outcome.Signals
	if err != nil {
		result.Error = err.Error()
		slog.Warn("rule evaluation failed",
			"rule_type", rule.Type(),
			"subject_id", subject.ID,
			"error", err,
		)
		return result
	}

	result.Triggered = outcome.Triggered
	if outcome.Triggered {
		result.Score = rule.Score()
	}
	return result
}
