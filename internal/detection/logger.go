package detection

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/metrics"
)

// Logger writes the per-rule audit trail of a run.
type Logger struct {
	store   domain.DetectionLog
	metrics *metrics.Metrics
}

// NewLogger creates a detection logger.
func NewLogger(store domain.DetectionLog, m *metrics.Metrics) *Logger {
	return &Logger{store: store, metrics: m}
}

// NewEntry builds the log row for the seq-th rule result of a subject.
func NewEntry(runID, subjectID string, seq int, r domain.RuleResult, at time.Time) *domain.DetectionLogEntry {
	return &domain.DetectionLogEntry{
		ID:        uuid.New().String(),
		RunID:     runID,
		SubjectID: subjectID,
		RuleType:  r.RuleType,
		Seq:       seq,
		Score:     r.Score,
		Triggered: r.Triggered,
		Details: domain.LogDetails{
			Description: r.Description,
			Triggered:   r.Triggered,
			Condition:   r.Condition,
			Signals:     r.Signals,
		},
		Error:     r.Error,
		CreatedAt: at.UTC(),
	}
}

// Record writes entry. A failed write is logged and counted, and the error
// is returned so the caller can tally it; it never aborts a run.
func (l *Logger) Record(ctx context.Context, entry *domain.DetectionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := l.store.SaveDetectionLog(ctx, entry); err != nil {
		l.metrics.IncrementLogFailure()
		slog.Error("failed to write detection log",
			"run_id", entry.RunID,
			"subject_id", entry.SubjectID,
			"rule_type", entry.RuleType,
			"error", err,
		)
		return err
	}
	return nil
}
