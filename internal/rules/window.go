package rules

import "time"

// BaselineMonths is the number of closed calendar months averaged for the
// volume baseline.
const BaselineMonths = 3

// AppealLookback is the trailing period for open appeals.
const AppealLookback = 30 * 24 * time.Hour

// Window is the set of periods a run evaluates. It is derived once from the
// run clock so every subject in a run sees the same boundaries.
type Window struct {
	Now time.Time

	// CurrentStart is the first instant of the current calendar month.
	CurrentStart time.Time

	// PreviousStart is the first instant of the preceding calendar month.
	PreviousStart time.Time

	// BaselineStart is the first instant of the oldest baseline month.
	BaselineStart time.Time

	// AppealsSince is Now minus AppealLookback.
	AppealsSince time.Time
}

// NewWindow derives the evaluation window for now, in UTC.
func NewWindow(now time.Time) Window {
	now = now.UTC()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	return Window{
		Now:           now,
		CurrentStart:  current,
		PreviousStart: current.AddDate(0, -1, 0),
		BaselineStart: current.AddDate(0, -BaselineMonths, 0),
		AppealsSince:  now.Add(-AppealLookback),
	}
}

// CurrentEnd is the exclusive end of the current-month period. The current
// month is read up to and including Now.
func (w Window) CurrentEnd() time.Time {
	return w.Now.Add(time.Nanosecond)
}
