package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// ManualFlagType is stored in flag_type for operator-created flags.
const ManualFlagType = "MANUAL"

const flagColumns = `
	id, subject_id, flag_type, reason, risk_score, status, resolved_on,
	resolved_by, admin_notes, created_by, superseded_by, created_at, updated_at
`

const rekycColumns = `id, flag_id, subject_id, status, created_at, resolved_on, resolved_by`

// CreateFlagIfAbsent inserts an automatic flag unless the subject already has
// an active flag or an unsuperseded BLACKLISTED flag.
func (r *SQLRepository) CreateFlagIfAbsent(ctx context.Context, nf domain.NewFlag) (*domain.FlagCreation, error) {
	if nf.SubjectID == "" {
		return nil, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}
	if !nf.Status.Active() {
		return nil, fmt.Errorf("%w: cannot create flag with status %s", domain.ErrInvalidInput, nf.Status)
	}

	at := nf.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	flagType := domain.JoinRuleTypes(nf.RuleTypes)
	reason := nf.Reason
	if reason == "" {
		score := 0
		if nf.RiskScore != nil {
			score = *nf.RiskScore
		}
		reason = fmt.Sprintf("Automated detection: score %d (%s)", score, flagType)
	}

	var result *domain.FlagCreation
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.findActiveFlag(ctx, tx, nf.SubjectID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &domain.FlagCreation{Flag: existing}
			return nil
		}

		blacklisted, err := r.findBlacklistedFlag(ctx, tx, nf.SubjectID)
		if err != nil {
			return err
		}
		if blacklisted != nil {
			result = &domain.FlagCreation{Flag: blacklisted}
			return nil
		}

		flag := &domain.RiskFlag{
			ID:         uuid.New().String(),
			SubjectID:  nf.SubjectID,
			FlagType:   flagType,
			Reason:     reason,
			RiskScore:  nf.RiskScore,
			Status:     nf.Status,
			AdminNotes: nf.AdminNotes,
			CreatedBy:  nf.CreatedBy,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		if err := r.insertFlag(ctx, tx, flag); err != nil {
			return err
		}

		result = &domain.FlagCreation{Flag: flag, Created: true}
		if flag.Status == domain.FlagUnderReKYC {
			req, err := r.insertReKYCRequest(ctx, tx, flag, at)
			if err != nil {
				return fmt.Errorf("failed to create rekyc request: %w", err)
			}
			result.ReKYC = req
		}
		return nil
	})

	if err != nil {
		if isUniqueViolation(err) {
			// Another writer created the active flag first.
			existing, findErr := r.FindActiveFlag(ctx, nf.SubjectID)
			if findErr != nil {
				return nil, findErr
			}
			return &domain.FlagCreation{Flag: existing}, nil
		}
		return nil, err
	}

	return result, nil
}

// CreateManualFlag inserts an operator flag with no score.
func (r *SQLRepository) CreateManualFlag(ctx context.Context, nf domain.NewFlag) (*domain.RiskFlag, error) {
	if nf.SubjectID == "" {
		return nil, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(nf.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	at := nf.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	flagType := domain.JoinRuleTypes(nf.RuleTypes)
	if flagType == "" {
		flagType = ManualFlagType
	}

	flag := &domain.RiskFlag{
		ID:         uuid.New().String(),
		SubjectID:  nf.SubjectID,
		FlagType:   flagType,
		Reason:     nf.Reason,
		Status:     domain.FlagFlagged,
		AdminNotes: nf.AdminNotes,
		CreatedBy:  nf.CreatedBy,
		CreatedAt:  at,
		UpdatedAt:  at,
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.findActiveFlag(ctx, tx, nf.SubjectID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: subject %s has flag %s", domain.ErrActiveFlagExists, nf.SubjectID, existing.ID)
		}
		return r.insertFlag(ctx, tx, flag)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: subject %s", domain.ErrActiveFlagExists, nf.SubjectID)
		}
		return nil, err
	}

	return flag, nil
}

// FindActiveFlag returns the subject's FLAGGED or UNDER_REKYC flag, or nil.
func (r *SQLRepository) FindActiveFlag(ctx context.Context, subjectID string) (*domain.RiskFlag, error) {
	return r.findActiveFlag(ctx, r.db, subjectID)
}

func (r *SQLRepository) findActiveFlag(ctx context.Context, q queryer, subjectID string) (*domain.RiskFlag, error) {
	query := `SELECT ` + flagColumns + `
		FROM risk_flags
		WHERE subject_id = ? AND status IN (?, ?)
		LIMIT 1
	`

	flag, err := scanFlag(q.QueryRowContext(ctx, r.rebind(query),
		subjectID, domain.FlagFlagged, domain.FlagUnderReKYC))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return flag, err
}

// findBlacklistedFlag returns the subject's newest BLACKLISTED row that no
// unblacklist has superseded. Later flags of any status do not lift it.
func (r *SQLRepository) findBlacklistedFlag(ctx context.Context, q queryer, subjectID string) (*domain.RiskFlag, error) {
	query := `SELECT ` + flagColumns + `
		FROM risk_flags
		WHERE subject_id = ? AND status = ? AND superseded_by IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	flag, err := scanFlag(q.QueryRowContext(ctx, r.rebind(query), subjectID, domain.FlagBlacklisted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return flag, err
}

// GetFlag retrieves a flag by id.
func (r *SQLRepository) GetFlag(ctx context.Context, flagID string) (*domain.RiskFlag, error) {
	return r.getFlag(ctx, r.db, flagID)
}

func (r *SQLRepository) getFlag(ctx context.Context, q queryer, flagID string) (*domain.RiskFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM risk_flags WHERE id = ?`

	flag, err := scanFlag(q.QueryRowContext(ctx, r.rebind(query), flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: flag %s", domain.ErrNotFound, flagID)
	}
	return flag, err
}

// ListFlags returns flags, newest first.
func (r *SQLRepository) ListFlags(ctx context.Context, filter domain.FlagFilter) ([]*domain.RiskFlag, error) {
	var conds []string
	var args []any

	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, filter.Status)
		}
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + flagColumns + ` FROM risk_flags`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*domain.RiskFlag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}

	return flags, rows.Err()
}

// CountFlagsByStatus counts standing flags per status. Rows superseded by an
// unblacklist are excluded so each subject is counted once.
func (r *SQLRepository) CountFlagsByStatus(ctx context.Context) (map[domain.FlagStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM risk_flags
		WHERE superseded_by IS NULL
		GROUP BY status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.FlagStatus]int64, len(domain.AllFlagStatuses))
	for _, s := range domain.AllFlagStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.FlagStatus(status)] = n
	}

	return counts, rows.Err()
}

// TransitionFlag applies an in-place status change guarded on t.From. An
// UNDER_REKYC flag may only leave that state once no request is PENDING.
func (r *SQLRepository) TransitionFlag(ctx context.Context, t domain.Transition) (*domain.RiskFlag, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}

	var flag *domain.RiskFlag
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.guardedUpdate(ctx, tx, t); err != nil {
			return err
		}
		if t.From == domain.FlagUnderReKYC {
			if err := r.requireNoPendingReKYC(ctx, tx, t.FlagID); err != nil {
				return err
			}
		}
		var err error
		flag, err = r.getFlag(ctx, tx, t.FlagID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return flag, nil
}

// ReflagBlacklisted closes a BLACKLISTED row and inserts its FLAGGED successor.
// The old row keeps its status; only resolved_on and superseded_by change.
func (r *SQLRepository) ReflagBlacklisted(ctx context.Context, t domain.Transition) (*domain.RiskFlag, error) {
	if strings.TrimSpace(t.Notes) == "" {
		return nil, domain.ErrJustificationRequired
	}
	if t.OperatorID == "" {
		return nil, domain.ErrOperatorRequired
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var next *domain.RiskFlag
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		old, err := r.getFlag(ctx, tx, t.FlagID)
		if err != nil {
			return err
		}
		if old.Status != domain.FlagBlacklisted || old.SupersededBy != "" {
			return fmt.Errorf("%w: flag %s is %s", domain.ErrInvalidTransition, old.ID, old.Status)
		}

		next = &domain.RiskFlag{
			ID:         uuid.New().String(),
			SubjectID:  old.SubjectID,
			FlagType:   old.FlagType,
			Reason:     "Unblacklisted: " + old.Reason,
			RiskScore:  old.RiskScore,
			Status:     domain.FlagFlagged,
			ResolvedOn: &at,
			ResolvedBy: t.OperatorID,
			AdminNotes: t.Notes,
			CreatedBy:  t.OperatorID,
			CreatedAt:  at,
			UpdatedAt:  at,
		}

		query := `
			UPDATE risk_flags
			SET resolved_on = ?, superseded_by = ?, updated_at = ?
			WHERE id = ? AND status = ? AND superseded_by IS NULL
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			at, next.ID, at, old.ID, domain.FlagBlacklisted)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: flag %s changed concurrently", domain.ErrInvalidTransition, old.ID)
		}

		return r.insertFlag(ctx, tx, next)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: subject already has an active flag", domain.ErrActiveFlagExists)
		}
		return nil, err
	}

	return next, nil
}

// EscalateToReKYC moves a FLAGGED row to UNDER_REKYC and creates its request.
// An UNDER_REKYC row whose last request was rejected gets a new PENDING
// request and keeps its status.
func (r *SQLRepository) EscalateToReKYC(ctx context.Context, t domain.Transition) (*domain.RiskFlag, *domain.ReKYCRequest, error) {
	t.From, t.To = domain.FlagFlagged, domain.FlagUnderReKYC
	if err := validateTransition(t); err != nil {
		return nil, nil, err
	}

	var flag *domain.RiskFlag
	var req *domain.ReKYCRequest
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getFlag(ctx, tx, t.FlagID)
		if err != nil {
			return err
		}

		if current.Status == domain.FlagUnderReKYC {
			// Rewrite the row under its own status to hold it against a
			// concurrent clear or blacklist.
			t.From = domain.FlagUnderReKYC
		}
		if err := r.guardedUpdate(ctx, tx, t); err != nil {
			return err
		}
		if err := r.requireNoPendingReKYC(ctx, tx, t.FlagID); err != nil {
			return err
		}

		if flag, err = r.getFlag(ctx, tx, t.FlagID); err != nil {
			return err
		}
		req, err = r.insertReKYCRequest(ctx, tx, flag, t.At.UTC())
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: flag %s already has a pending rekyc request", domain.ErrInvalidTransition, t.FlagID)
		}
		return nil, nil, err
	}
	return flag, req, nil
}

// requireNoPendingReKYC fails when the flag still has an open request.
func (r *SQLRepository) requireNoPendingReKYC(ctx context.Context, tx *sql.Tx, flagID string) error {
	query := `SELECT COUNT(*) FROM rekyc_requests WHERE flag_id = ? AND status = ?`

	var n int64
	if err := tx.QueryRowContext(ctx, r.rebind(query), flagID, domain.ReKYCPending).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: flag %s has a pending rekyc request", domain.ErrInvalidTransition, flagID)
	}
	return nil
}

// GetReKYCRequest retrieves a ReKYC request by id.
func (r *SQLRepository) GetReKYCRequest(ctx context.Context, requestID string) (*domain.ReKYCRequest, error) {
	return r.getReKYCRequest(ctx, r.db, requestID)
}

func (r *SQLRepository) getReKYCRequest(ctx context.Context, q queryer, requestID string) (*domain.ReKYCRequest, error) {
	query := `SELECT ` + rekycColumns + ` FROM rekyc_requests WHERE id = ?`

	req, err := scanReKYC(q.QueryRowContext(ctx, r.rebind(query), requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rekyc request %s", domain.ErrNotFound, requestID)
	}
	return req, err
}

// ListReKYCRequests returns requests, newest first. An empty status lists all.
func (r *SQLRepository) ListReKYCRequests(ctx context.Context, status domain.ReKYCStatus) ([]*domain.ReKYCRequest, error) {
	query := `SELECT ` + rekycColumns + ` FROM rekyc_requests`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*domain.ReKYCRequest
	for rows.Next() {
		req, err := scanReKYC(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

// ResolveReKYCRequest closes a PENDING request. Approval clears the linked
// UNDER_REKYC flag in the same transaction.
func (r *SQLRepository) ResolveReKYCRequest(ctx context.Context, requestID string, approved bool, operatorID string, at time.Time) (*domain.ReKYCRequest, *domain.RiskFlag, error) {
	if operatorID == "" {
		return nil, nil, domain.ErrOperatorRequired
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	status := domain.ReKYCRejected
	if approved {
		status = domain.ReKYCApproved
	}

	var req *domain.ReKYCRequest
	var flag *domain.RiskFlag
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE rekyc_requests
			SET status = ?, resolved_on = ?, resolved_by = ?
			WHERE id = ? AND status = ?
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			status, at, operatorID, requestID, domain.ReKYCPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := r.getReKYCRequest(ctx, tx, requestID); err != nil {
				return err
			}
			return fmt.Errorf("%w: rekyc request %s is not pending", domain.ErrInvalidTransition, requestID)
		}

		if req, err = r.getReKYCRequest(ctx, tx, requestID); err != nil {
			return err
		}

		if approved {
			err = r.guardedUpdate(ctx, tx, domain.Transition{
				FlagID:     req.FlagID,
				From:       domain.FlagUnderReKYC,
				To:         domain.FlagCleared,
				OperatorID: operatorID,
				Notes:      "ReKYC approved",
				At:         at,
			})
			if err != nil {
				return err
			}
		}

		flag, err = r.getFlag(ctx, tx, req.FlagID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return req, flag, nil
}

func validateTransition(t domain.Transition) error {
	if t.FlagID == "" {
		return fmt.Errorf("%w: flagID is required", domain.ErrInvalidInput)
	}
	if t.OperatorID == "" {
		return domain.ErrOperatorRequired
	}
	if !t.From.Valid() || !t.To.Valid() {
		return fmt.Errorf("%w: unknown status", domain.ErrInvalidInput)
	}
	return nil
}

// guardedUpdate changes a flag's status only when it is still in t.From.
func (r *SQLRepository) guardedUpdate(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	query := `
		UPDATE risk_flags
		SET status = ?,
			resolved_on = ?,
			resolved_by = ?,
			admin_notes = COALESCE(NULLIF(?, ''), admin_notes),
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := tx.ExecContext(ctx, r.rebind(query),
		t.To, at, t.OperatorID, t.Notes, at, t.FlagID, t.From)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := r.getFlag(ctx, tx, t.FlagID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: flag %s is %s, expected %s", domain.ErrInvalidTransition, t.FlagID, current.Status, t.From)
	}
	return nil
}

func (r *SQLRepository) insertFlag(ctx context.Context, tx *sql.Tx, f *domain.RiskFlag) error {
	query := `INSERT INTO risk_flags (` + flagColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var score sql.NullInt64
	if f.RiskScore != nil {
		score = sql.NullInt64{Int64: int64(*f.RiskScore), Valid: true}
	}
	var resolvedOn sql.NullTime
	if f.ResolvedOn != nil {
		resolvedOn = sql.NullTime{Time: f.ResolvedOn.UTC(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, r.rebind(query),
		f.ID, f.SubjectID, f.FlagType, f.Reason, score, f.Status, resolvedOn,
		nullString(f.ResolvedBy), nullString(f.AdminNotes), nullString(f.CreatedBy),
		nullString(f.SupersededBy), f.CreatedAt.UTC(), f.UpdatedAt.UTC(),
	)
	return err
}

func (r *SQLRepository) insertReKYCRequest(ctx context.Context, tx *sql.Tx, f *domain.RiskFlag, at time.Time) (*domain.ReKYCRequest, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	req := &domain.ReKYCRequest{
		ID:        uuid.New().String(),
		FlagID:    f.ID,
		SubjectID: f.SubjectID,
		Status:    domain.ReKYCPending,
		CreatedAt: at,
	}

	query := `INSERT INTO rekyc_requests (id, flag_id, subject_id, status, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		req.ID, req.FlagID, req.SubjectID, req.Status, req.CreatedAt,
	); err != nil {
		return nil, err
	}
	return req, nil
}

func scanFlag(row rowScanner) (*domain.RiskFlag, error) {
	var f domain.RiskFlag
	var status string
	var score sql.NullInt64
	var resolvedOn sql.NullTime
	var resolvedBy, notes, createdBy, supersededBy sql.NullString

	err := row.Scan(
		&f.ID, &f.SubjectID, &f.FlagType, &f.Reason, &score, &status, &resolvedOn,
		&resolvedBy, &notes, &createdBy, &supersededBy, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.Status = domain.FlagStatus(status)
	if score.Valid {
		s := int(score.Int64)
		f.RiskScore = &s
	}
	if resolvedOn.Valid {
		t := resolvedOn.Time
		f.ResolvedOn = &t
	}
	f.ResolvedBy = resolvedBy.String
	f.AdminNotes = notes.String
	f.CreatedBy = createdBy.String
	f.SupersededBy = supersededBy.String

	return &f, nil
}

func scanReKYC(row rowScanner) (*domain.ReKYCRequest, error) {
	var req domain.ReKYCRequest
	var status string
	var resolvedOn sql.NullTime
	var resolvedBy sql.NullString

	err := row.Scan(
		&req.ID, &req.FlagID, &req.SubjectID, &status, &req.CreatedAt, &resolvedOn, &resolvedBy,
	)
	if err != nil {
		return nil, err
	}

	req.Status = domain.ReKYCStatus(status)
	if resolvedOn.Valid {
		t := resolvedOn.Time
		req.ResolvedOn = &t
	}
	req.ResolvedBy = resolvedBy.String

	return &req, nil
}
