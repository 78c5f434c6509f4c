// Package scoring aggregates rule results into a risk score and classifies it.
package scoring

import (
	"fmt"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// Classification thresholds. A total at or above FlagThreshold flags the
// subject; at or above ReKYCThreshold it also requires re-verification.
const (
	FlagThreshold  = 50
	ReKYCThreshold = 70
)

// Aggregate holds the summed score of one subject's rule results.
type Aggregate struct {
	Total     int
	Triggered []domain.RuleType
	Errors    int
}

// Decision is the aggregate plus the status it classifies to.
type Decision struct {
	Aggregate

	// Status is empty when the total is below FlagThreshold.
	Status domain.FlagStatus
}

// ShouldFlag reports whether the decision calls for a flag.
func (d Decision) ShouldFlag() bool {
	return d.Status != ""
}

// Reason renders the reason stored on automatically created flags.
func (d Decision) Reason() string {
	return fmt.Sprintf("Automated detection: score %d (%s)", d.Total, domain.JoinRuleTypes(d.Triggered))
}

// Sum adds the scores of triggered results. Errored results contribute nothing.
func Sum(results []domain.RuleResult) Aggregate {
	var agg Aggregate
	for _, r := range results {
		if r.Error != "" {
			agg.Errors++
		}
		if !r.Triggered || r.Score <= 0 {
			continue
		}
		agg.Total += r.Score
		agg.Triggered = append(agg.Triggered, r.RuleType)
	}
	return agg
}

// Classify maps a total score to a flag status. ok is false below FlagThreshold.
func Classify(total int) (status domain.FlagStatus, ok bool) {
	switch {
	case total >= ReKYCThreshold:
		return domain.FlagUnderReKYC, true
	case total >= FlagThreshold:
		return domain.FlagFlagged, true
	default:
		return "", false
	}
}

// Decide sums and classifies a subject's rule results.
func Decide(results []domain.RuleResult) Decision {
	agg := Sum(results)
	status, _ := Classify(agg.Total)
	return Decision{Aggregate: agg, Status: status}
}
