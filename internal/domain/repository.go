// Package domain defines the core interfaces and types for riskwatch.
package domain

import (
	"context"
	"time"
)

// BehaviorSource is the read-only view of business data the rules examine.
type BehaviorSource interface {
	// ListActiveSubjects returns every subject with status active.
	ListActiveSubjects(ctx context.Context) ([]*Subject, error)

	// GetOrderStats aggregates completed orders with from <= order_date < to.
	GetOrderStats(ctx context.Context, subjectID string, from, to time.Time) (OrderStats, error)

	// CountOpenAppeals counts unresolved appeals with since <= created_at < until.
	CountOpenAppeals(ctx context.Context, subjectID string, since, until time.Time) (int64, error)
}

// DetectionLog persists the audit trail of detection runs.
type DetectionLog interface {
	SaveDetectionLog(ctx context.Context, entry *DetectionLogEntry) error
	ListDetectionLogs(ctx context.Context, filter LogFilter) ([]*DetectionLogEntry, error)

	SaveDetectionRun(ctx context.Context, run *DetectionRun) error
	ListDetectionRuns(ctx context.Context, limit int) ([]*DetectionRun, error)
}

// FlagStore owns risk flags and ReKYC requests.
// Every mutating method is a single transaction.
type FlagStore interface {
	// CreateFlagIfAbsent inserts an automatic flag unless the subject already has
	// an active flag or is currently blacklisted. UNDER_REKYC flags get a
	// PENDING ReKYC request in the same transaction.
	CreateFlagIfAbsent(ctx context.Context, nf NewFlag) (*FlagCreation, error)

	// CreateManualFlag inserts an operator flag; fails with ErrActiveFlagExists
	// when an active flag exists.
	CreateManualFlag(ctx context.Context, nf NewFlag) (*RiskFlag, error)

	// FindActiveFlag returns the subject's FLAGGED or UNDER_REKYC flag, or nil.
	FindActiveFlag(ctx context.Context, subjectID string) (*RiskFlag, error)

	GetFlag(ctx context.Context, flagID string) (*RiskFlag, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]*RiskFlag, error)
	CountFlagsByStatus(ctx context.Context) (map[FlagStatus]int64, error)

	// TransitionFlag applies an in-place status change guarded on t.From.
	// Leaving UNDER_REKYC requires that no request is PENDING.
	TransitionFlag(ctx context.Context, t Transition) (*RiskFlag, error)

	// ReflagBlacklisted stamps a BLACKLISTED row and inserts a new FLAGGED row.
	ReflagBlacklisted(ctx context.Context, t Transition) (*RiskFlag, error)

	// EscalateToReKYC moves a FLAGGED row to UNDER_REKYC and spawns its request.
	// An UNDER_REKYC row with no PENDING request gets a fresh one.
	EscalateToReKYC(ctx context.Context, t Transition) (*RiskFlag, *ReKYCRequest, error)

	GetReKYCRequest(ctx context.Context, requestID string) (*ReKYCRequest, error)
	ListReKYCRequests(ctx context.Context, status ReKYCStatus) ([]*ReKYCRequest, error)

	// ResolveReKYCRequest closes a PENDING request; approval clears its flag.
	ResolveReKYCRequest(ctx context.Context, requestID string, approved bool, operatorID string, at time.Time) (*ReKYCRequest, *RiskFlag, error)
}

// Repository is the full persistence surface.
type Repository interface {
	BehaviorSource
	DetectionLog
	FlagStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
