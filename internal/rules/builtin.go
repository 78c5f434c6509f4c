package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// Source supplies the behavioural aggregates rules observe.
type Source interface {
	// OrderStats aggregates completed orders with from <= order_date < to.
	OrderStats(ctx context.Context, subjectID string, from, to time.Time) (domain.OrderStats, error)

	// OpenAppeals counts unresolved appeals with since <= created_at < until.
	OpenAppeals(ctx context.Context, subjectID string, since, until time.Time) (int64, error)
}

// Built-in rule conditions.
const (
	FrequencySpikeCondition  = "previous_count > 0 && current_count > 2 * previous_count"
	VolumeSpikeCondition     = "previous_count > 0 && baseline_mean > 0.0 && current_total > 2.0 * baseline_mean"
	FrequentAppealsCondition = "open_appeals > 2"
)

// Built-in rule scores.
const (
	FrequencySpikeScore  = 30
	VolumeSpikeScore     = 25
	FrequentAppealsScore = 15
)

// celRule carries the parts shared by every built-in rule.
type celRule struct {
	ruleType    domain.RuleType
	description string
	score       int
	predicate   *Predicate
	source      Source
}

func (r *celRule) Type() domain.RuleType { return r.ruleType }
func (r *celRule) Description() string   { return r.description }
func (r *celRule) Score() int            { return r.score }
func (r *celRule) Condition() string     { return r.predicate.Expression }

func (r *celRule) decide(signals map[string]any) (Outcome, error) {
	triggered, err := r.predicate.Eval(signals)
	if err != nil {
		return Outcome{Signals: signals}, fmt.Errorf("%s: %w", r.ruleType, err)
	}
	return Outcome{Triggered: triggered, Signals: signals}, nil
}

// FrequencySpikeRule fires when this month's completed orders are more than
// double last month's.
type FrequencySpikeRule struct{ celRule }

// Evaluate implements Rule.
func (r *FrequencySpikeRule) Evaluate(ctx context.Context, subject *domain.Subject, w Window) (Outcome, error) {
	current, err := r.source.OrderStats(ctx, subject.ID, w.CurrentStart, w.CurrentEnd())
	if err != nil {
		return Outcome{}, fmt.Errorf("current month orders: %w", err)
	}
	previous, err := r.source.OrderStats(ctx, subject.ID, w.PreviousStart, w.CurrentStart)
	if err != nil {
		return Outcome{}, fmt.Errorf("previous month orders: %w", err)
	}

	return r.decide(map[string]any{
		SignalCurrentCount:  current.Count,
		SignalPreviousCount: previous.Count,
	})
}

// VolumeSpikeRule fires when this month's completed order value is more than
// double the mean of the preceding closed months.
type VolumeSpikeRule struct{ celRule }

// Evaluate implements Rule.
func (r *VolumeSpikeRule) Evaluate(ctx context.Context, subject *domain.Subject, w Window) (Outcome, error) {
	current, err := r.source.OrderStats(ctx, subject.ID, w.CurrentStart, w.CurrentEnd())
	if err != nil {
		return Outcome{}, fmt.Errorf("current month orders: %w", err)
	}

	// One query per closed month so each month's aggregate can be cached.
	var previous domain.OrderStats
	baseline := decimal.Zero
	for i := 1; i <= BaselineMonths; i++ {
		from := w.CurrentStart.AddDate(0, -i, 0)
		to := w.CurrentStart.AddDate(0, -i+1, 0)
		month, err := r.source.OrderStats(ctx, subject.ID, from, to)
		if err != nil {
			return Outcome{}, fmt.Errorf("orders for %s: %w", from.Format("2006-01"), err)
		}
		if i == 1 {
			previous = month
		}
		baseline = baseline.Add(month.Total)
	}
	mean := baseline.Div(decimal.NewFromInt(BaselineMonths))

	return r.decide(map[string]any{
		SignalCurrentTotal:  current.Total.InexactFloat64(),
		SignalPreviousCount: previous.Count,
		SignalPreviousTotal: previous.Total.InexactFloat64(),
		SignalBaselineTotal: baseline.InexactFloat64(),
		SignalBaselineMean:  mean.InexactFloat64(),
	})
}

// FrequentAppealsRule fires on more than two open appeals in the trailing 30 days.
type FrequentAppealsRule struct{ celRule }

// Evaluate implements Rule.
func (r *FrequentAppealsRule) Evaluate(ctx context.Context, subject *domain.Subject, w Window) (Outcome, error) {
	open, err := r.source.OpenAppeals(ctx, subject.ID, w.AppealsSince, w.CurrentEnd())
	if err != nil {
		return Outcome{}, fmt.Errorf("open appeals: %w", err)
	}

	return r.decide(map[string]any{
		SignalOpenAppeals: open,
	})
}

// BuiltinRules compiles the built-in rules in evaluation order.
func BuiltinRules(engine *Engine, source Source) ([]Rule, error) {
	specs := []struct {
		ruleType    domain.RuleType
		description string
		score       int
		condition   string
		wrap        func(celRule) Rule
	}{
		{
			domain.RuleOrderFrequencySpike,
			"Completed orders this month exceed twice last month's count",
			FrequencySpikeScore, FrequencySpikeCondition,
			func(c celRule) Rule { return &FrequencySpikeRule{c} },
		},
		{
			domain.RuleOrderVolumeSpike,
			"Completed order value this month exceeds twice the 3-month average",
			VolumeSpikeScore, VolumeSpikeCondition,
			func(c celRule) Rule { return &VolumeSpikeRule{c} },
		},
		{
			domain.RuleFrequentAppeals,
			"More than 2 open appeals in the last 30 days",
			FrequentAppealsScore, FrequentAppealsCondition,
			func(c celRule) Rule { return &FrequentAppealsRule{c} },
		},
	}

	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		p, err := engine.Compile(s.condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", s.ruleType, err)
		}
		rules = append(rules, s.wrap(celRule{
			ruleType:    s.ruleType,
			description: s.description,
			score:       s.score,
			predicate:   p,
			source:      source,
		}))
	}
	return rules, nil
}

// NewBuiltinRegistry compiles the built-in rules into a registry.
func NewBuiltinRegistry(source Source) (*Registry, error) {
	engine, err := NewEngine()
	if err != nil {
		return nil, err
	}
	rules, err := BuiltinRules(engine, source)
	if err != nil {
		return nil, err
	}
	return NewRegistry(rules...)
}
