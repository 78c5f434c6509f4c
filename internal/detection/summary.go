package detection

import (
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// Summary is the caller-facing view of a run.
type Summary struct {
	RunID           string           `json:"runId"`
	UsersProcessed  int              `json:"usersProcessed"`
	UsersFlagged    int              `json:"usersFlagged"`
	ReKYCRequested  int              `json:"rekycRequested"`
	SubjectFailures int              `json:"subjectFailures"`
	LogFailures     int              `json:"logFailures"`
	FlagFailures    int              `json:"flagFailures"`
	Status          domain.RunStatus `json:"status"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Response is returned to whoever triggered a run, over HTTP or the bus.
type Response struct {
	Success   bool      `json:"success"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSummary converts a stored run.
func NewSummary(run *domain.DetectionRun) *Summary {
	return &Summary{
		RunID:           run.ID,
		UsersProcessed:  run.SubjectsProcessed,
		UsersFlagged:    run.SubjectsFlagged,
		ReKYCRequested:  run.ReKYCRequested,
		SubjectFailures: run.SubjectFailures,
		LogFailures:     run.LogFailures,
		FlagFailures:    run.FlagFailures,
		Status:          run.Status,
		Timestamp:       run.FinishedAt,
	}
}

// NewResponse builds the response for the outcome of Run.
func NewResponse(run *domain.DetectionRun, err error, now time.Time) Response {
	if err != nil {
		return Response{Success: false, Error: err.Error(), Timestamp: now.UTC()}
	}
	if run == nil {
		return Response{Success: false, Error: "no run summary", Timestamp: now.UTC()}
	}
	return Response{Success: true, Summary: NewSummary(run), Timestamp: now.UTC()}
}
