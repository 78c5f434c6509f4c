package domain

import "time"

// FlagStatus is the lifecycle state of a risk flag.
type FlagStatus string

const (
	FlagFlagged     FlagStatus = "FLAGGED"
	FlagUnderReKYC  FlagStatus = "UNDER_REKYC"
	FlagCleared     FlagStatus = "CLEARED"
	FlagBlacklisted FlagStatus = "BLACKLISTED"
)

// AllFlagStatuses lists every status in lifecycle order.
var AllFlagStatuses = []FlagStatus{FlagFlagged, FlagUnderReKYC, FlagCleared, FlagBlacklisted}

// Valid reports whether s is a known status.
func (s FlagStatus) Valid() bool {
	switch s {
	case FlagFlagged, FlagUnderReKYC, FlagCleared, FlagBlacklisted:
		return true
	}
	return false
}

// Active reports whether a flag in this status blocks new flags for its subject.
// At most one active flag may exist per subject.
func (s FlagStatus) Active() bool {
	return s == FlagFlagged || s == FlagUnderReKYC
}

// RiskFlag is the persistent lifecycle record for a subject.
// Rows are never deleted; history is kept as separate rows.
type RiskFlag struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subjectId"`
	FlagType   string     `json:"flagType"`
	Reason     string     `json:"reason"`
	RiskScore  *int       `json:"riskScore"` // nil for manual flags
	Status     FlagStatus `json:"status"`
	ResolvedOn *time.Time `json:"resolvedOn,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	AdminNotes string     `json:"adminNotes,omitempty"`
	CreatedBy  string     `json:"createdBy,omitempty"`

	// SupersededBy points at the FLAGGED row that replaced this one on unblacklist.
	SupersededBy string    `json:"supersededBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RuleTypes returns the rule types recorded in FlagType.
func (f *RiskFlag) RuleTypes() []RuleType {
	return SplitRuleTypes(f.FlagType)
}

// NewFlag is the input for creating a flag.
type NewFlag struct {
	SubjectID  string
	Status     FlagStatus
	Reason     string
	RiskScore  *int
	RuleTypes  []RuleType
	CreatedBy  string // operator for manual flags, empty for automatic ones
	AdminNotes string
	At         time.Time
}

// FlagCreation is the result of an insert-if-absent.
type FlagCreation struct {
	Flag    *RiskFlag     `json:"flag,omitempty"`
	ReKYC   *ReKYCRequest `json:"rekyc,omitempty"`
	Created bool          `json:"created"`
}

// FlagFilter narrows flag queries.
type FlagFilter struct {
	Status    FlagStatus
	SubjectID string
	Limit     int
}

// Transition is an operator-requested change of flag status.
type Transition struct {
	FlagID     string
	From       FlagStatus
	To         FlagStatus
	OperatorID string
	Notes      string
	At         time.Time
}

// ReKYCStatus is the state of a re-verification request.
type ReKYCStatus string

const (
	ReKYCPending  ReKYCStatus = "PENDING"
	ReKYCApproved ReKYCStatus = "APPROVED"
	ReKYCRejected ReKYCStatus = "REJECTED"
)

// ReKYCRequest is a re-verification task linked 1:1 to an UNDER_REKYC flag.
type ReKYCRequest struct {
	ID         string      `json:"id"`
	FlagID     string      `json:"flagId"`
	SubjectID  string      `json:"subjectId"`
	Status     ReKYCStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	ResolvedOn *time.Time  `json:"resolvedOn,omitempty"`
	ResolvedBy string      `json:"resolvedBy,omitempty"`
}

// Flag lifecycle actions, used in events, metrics and logs.
const (
	ActionAutoFlag      = "auto_flag"
	ActionManualFlag    = "manual_flag"
	ActionClear         = "clear"
	ActionBlacklist     = "blacklist"
	ActionUnblacklist   = "unblacklist"
	ActionRequestReKYC  = "request_rekyc"
	ActionCompleteReKYC = "complete_rekyc"
)

// FlagEvent is published on the event bus whenever a flag changes.
type FlagEvent struct {
	Action     string        `json:"action"`
	Flag       *RiskFlag     `json:"flag"`
	Previous   *RiskFlag     `json:"previous,omitempty"`
	ReKYC      *ReKYCRequest `json:"rekyc,omitempty"`
	OperatorID string        `json:"operatorId,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}
