package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// ListActiveSubjects returns all active subjects ordered by id.
func (r *SQLRepository) ListActiveSubjects(ctx context.Context) ([]*domain.Subject, error) {
	query := `
		SELECT id, display_name, status
		FROM subjects
		WHERE status = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), domain.SubjectActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []*domain.Subject
	for rows.Next() {
		var s domain.Subject
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.Status); err != nil {
			return nil, err
		}
		subjects = append(subjects, &s)
	}

	return subjects, rows.Err()
}

// GetOrderStats aggregates completed orders with from <= order_date < to.
func (r *SQLRepository) GetOrderStats(ctx context.Context, subjectID string, from, to time.Time) (domain.OrderStats, error) {
	if subjectID == "" {
		return domain.OrderStats{}, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM orders
		WHERE subject_id = ?
		  AND status = ?
		  AND order_date >= ?
		  AND order_date < ?
	`

	var stats domain.OrderStats
	var total decimal.Decimal

	err := r.db.QueryRowContext(ctx, r.rebind(query),
		subjectID, domain.OrderCompleted, from.UTC(), to.UTC(),
	).Scan(&stats.Count, &total)
	if err != nil {
		return domain.OrderStats{}, fmt.Errorf("failed to aggregate orders: %w", err)
	}

	stats.Total = total
	return stats, nil
}

// CountOpenAppeals counts unresolved appeals with since <= created_at < until.
func (r *SQLRepository) CountOpenAppeals(ctx context.Context, subjectID string, since, until time.Time) (int64, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM appeals
		WHERE subject_id = ?
		  AND resolved = 0
		  AND created_at >= ?
		  AND created_at < ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), subjectID, since.UTC(), until.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count appeals: %w", err)
	}
	return count, nil
}

// SaveSubject upserts a subject. Business records normally arrive from the
// identity system; this is used for seeding and tests.
func (r *SQLRepository) SaveSubject(ctx context.Context, s *domain.Subject) error {
	if s.ID == "" {
		return fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO subjects (id, display_name, status)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), s.ID, s.DisplayName, s.Status)
	return err
}

// SaveOrder inserts an order record.
func (r *SQLRepository) SaveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" || o.SubjectID == "" {
		return fmt.Errorf("%w: order id and subject id are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO orders (id, subject_id, order_date, total_amount, status)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		o.ID, o.SubjectID, o.OrderDate.UTC(), o.TotalAmount.StringFixed(2), o.Status,
	)
	return err
}

// SaveAppeal inserts an appeal record.
func (r *SQLRepository) SaveAppeal(ctx context.Context, a *domain.Appeal) error {
	if a.ID == "" || a.SubjectID == "" {
		return fmt.Errorf("%w: appeal id and subject id are required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO appeals (id, subject_id, created_at, resolved)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.SubjectID, a.CreatedAt.UTC(), boolToInt(a.Resolved),
	)
	return err
}
