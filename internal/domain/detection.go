package domain

import "time"

// DetectionLogEntry records one rule evaluation for one subject in one run.
// Every rule is logged for every active subject, triggered or not.
type DetectionLogEntry struct {
	ID        string     `json:"id"`
	RunID     string     `json:"runId"`
	SubjectID string     `json:"subjectId"`
	RuleType  RuleType   `json:"ruleType"`
	Seq       int        `json:"seq"`
	Score     int        `json:"score"`
	Triggered bool       `json:"triggered"`
	Details   LogDetails `json:"details"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// LogDetails is the structured payload stored with a log entry.
type LogDetails struct {
	Description string         `json:"description"`
	Triggered   bool           `json:"triggered"`
	Condition   string         `json:"condition,omitempty"`
	Signals     map[string]any `json:"signals,omitempty"`
}

// LogFilter narrows detection log queries.
type LogFilter struct {
	SubjectID string
	RunID     string
	Limit     int
}

// RunStatus is the terminal state of a detection run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// DetectionRun summarises one pass of rule evaluation over all active subjects.
type DetectionRun struct {
	ID                string    `json:"runId"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"timestamp"`
	SubjectsProcessed int       `json:"subjectsProcessed"`
	SubjectsFlagged   int       `json:"subjectsFlagged"`
	ReKYCRequested    int       `json:"rekycRequested"`
	SubjectFailures   int       `json:"subjectFailures"`
	LogFailures       int       `json:"logFailures"`
	FlagFailures      int       `json:"flagFailures"`
	Status            RunStatus `json:"status"`
	Error             string    `json:"error,omitempty"`
}
