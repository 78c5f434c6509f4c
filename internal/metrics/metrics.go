// Package metrics exposes Prometheus instrumentation for detection runs and
// the flag lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups riskwatch collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	// Runs by terminal status
	Runs *prometheus.CounterVec

	RunDuration prometheus.Histogram

	SubjectsProcessed prometheus.Counter

	// Flags created by status
	FlagsCreated *prometheus.CounterVec

	// Rule outcomes by rule type
	RuleTriggers *prometheus.CounterVec
	RuleErrors   *prometheus.CounterVec

	LogFailures prometheus.Counter

	// Operator and workflow transitions by action
	Transitions *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_detection_runs_total",
			Help: "Detection runs by terminal status",
		}, []string{"status"}),

		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskwatch_detection_run_duration_seconds",
			Help:    "Duration of a full detection run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		SubjectsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_detection_subjects_processed_total",
			Help: "Subjects evaluated across all runs",
		}),

		FlagsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_flags_created_total",
			Help: "Risk flags created by status",
		}, []string{"status"}),

		RuleTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_rule_triggers_total",
			Help: "Rule evaluations that triggered, by rule type",
		}, []string{"rule_type"}),

		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_rule_errors_total",
			Help: "Rule evaluations that failed, by rule type",
		}, []string{"rule_type"}),

		LogFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_detection_log_failures_total",
			Help: "Detection log rows that could not be written",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_flag_transitions_total",
			Help: "Flag lifecycle transitions by action",
		}, []string{"action"}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration, subjects int) {
	if m != nil {
		m.Runs.WithLabelValues(status).Inc()
		m.RunDuration.Observe(d.Seconds())
		m.SubjectsProcessed.Add(float64(subjects))
	}
}

// IncrementFlagCreated records a new flag.
func (m *Metrics) IncrementFlagCreated(status string) {
	if m != nil {
		m.FlagsCreated.WithLabelValues(status).Inc()
	}
}

// ObserveRule records one rule outcome.
func (m *Metrics) ObserveRule(ruleType string, triggered, failed bool) {
	if m == nil {
		return
	}
	if triggered {
		m.RuleTriggers.WithLabelValues(ruleType).Inc()
	}
	if failed {
		m.RuleErrors.WithLabelValues(ruleType).Inc()
	}
}

// IncrementLogFailure records a detection log write failure.
func (m *Metrics) IncrementLogFailure() {
	if m != nil {
		m.LogFailures.Inc()
	}
}

// IncrementTransition records a lifecycle transition.
func (m *Metrics) IncrementTransition(action string) {
	if m != nil {
		m.Transitions.WithLabelValues(action).Inc()
	}
}

// RegisterBusDrops exposes the in-process bus drop count read from dropped.
func RegisterBusDrops(reg prometheus.Registerer, dropped func() int64) prometheus.CounterFunc {
	return promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "riskwatch_bus_messages_dropped_total",
		Help: "Messages discarded because a subscriber inbox was full",
	}, func() float64 { return float64(dropped()) })
}
