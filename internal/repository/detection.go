package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

const defaultListLimit = 100

// SaveDetectionLog appends one rule evaluation to the audit trail.
func (r *SQLRepository) SaveDetectionLog(ctx context.Context, entry *domain.DetectionLogEntry) error {
	if entry.ID == "" || entry.RunID == "" || entry.SubjectID == "" {
		return fmt.Errorf("%w: id, run id and subject id are required", domain.ErrInvalidInput)
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode log details: %w", err)
	}

	query := `
		INSERT INTO detection_logs (
			id, run_id, subject_id, rule_type, seq, score, triggered, details, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.RunID, entry.SubjectID, string(entry.RuleType), entry.Seq,
		entry.Score, boolToInt(entry.Triggered), string(details),
		nullString(entry.Error), entry.CreatedAt.UTC(),
	)
	return err
}

// ListDetectionLogs returns log entries, newest first. Within a subject's
// evaluation rows keep rule evaluation order.
func (r *SQLRepository) ListDetectionLogs(ctx context.Context, filter domain.LogFilter) ([]*domain.DetectionLogEntry, error) {
	var conds []string
	var args []any

	if filter.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, run_id, subject_id, rule_type, seq, score, triggered, details, error, created_at
		FROM detection_logs
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, subject_id, seq LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DetectionLogEntry
	for rows.Next() {
		var e domain.DetectionLogEntry
		var ruleType, details string
		var triggered int
		var errText sql.NullString

		if err := rows.Scan(
			&e.ID, &e.RunID, &e.SubjectID, &ruleType, &e.Seq, &e.Score,
			&triggered, &details, &errText, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.RuleType = domain.RuleType(ruleType)
		e.Triggered = triggered == 1
		e.Error = errText.String
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to parse details for log %s: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveDetectionRun stores or replaces a run summary.
func (r *SQLRepository) SaveDetectionRun(ctx context.Context, run *domain.DetectionRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO detection_runs (
			id, started_at, finished_at, subjects_processed, subjects_flagged,
			rekyc_requested, subject_failures, log_failures, flag_failures, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			subjects_processed = excluded.subjects_processed,
			subjects_flagged = excluded.subjects_flagged,
			rekyc_requested = excluded.rekyc_requested,
			subject_failures = excluded.subject_failures,
			log_failures = excluded.log_failures,
			flag_failures = excluded.flag_failures,
			status = excluded.status,
			error = excluded.error
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.SubjectsProcessed, run.SubjectsFlagged, run.ReKYCRequested,
		run.SubjectFailures, run.LogFailures, run.FlagFailures,
		string(run.Status), nullString(run.Error),
	)
	return err
}

// ListDetectionRuns returns the most recent runs first.
func (r *SQLRepository) ListDetectionRuns(ctx context.Context, limit int) ([]*domain.DetectionRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, started_at, finished_at, subjects_processed, subjects_flagged,
			   rekyc_requested, subject_failures, log_failures, flag_failures, status, error
		FROM detection_runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.DetectionRun
	for rows.Next() {
		var run domain.DetectionRun
		var status string
		var errText sql.NullString

		if err := rows.Scan(
			&run.ID, &run.StartedAt, &run.FinishedAt,
			&run.SubjectsProcessed, &run.SubjectsFlagged, &run.ReKYCRequested,
			&run.SubjectFailures, &run.LogFailures, &run.FlagFailures,
			&status, &errText,
		); err != nil {
			return nil, err
		}

		run.Status = domain.RunStatus(status)
		run.Error = errText.String
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}
