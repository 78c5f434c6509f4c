// Package behavior serves the behavioural aggregates detection rules observe.
package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/cache"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// DefaultClosedPeriodTTL bounds how long a closed period's aggregate is reused.
const DefaultClosedPeriodTTL = time.Hour

// Service reads order and appeal aggregates, caching periods that have ended.
type Service struct {
	source domain.BehaviorSource
	cache  domain.Cache
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used to decide whether a period is closed.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTTL sets the cache TTL for closed periods.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService creates a behaviour service. cache may be nil.
func NewService(source domain.BehaviorSource, c domain.Cache, opts ...Option) *Service {
	s := &Service{
		source: source,
		cache:  c,
		ttl:    DefaultClosedPeriodTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListActiveSubjects returns every active subject.
func (s *Service) ListActiveSubjects(ctx context.Context) ([]*domain.Subject, error) {
	subjects, err := s.source.ListActiveSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subjects: %w", err)
	}
	return subjects, nil
}

// OrderStats aggregates completed orders with from <= order_date < to.
// Periods that ended before now are served from cache when possible.
func (s *Service) OrderStats(ctx context.Context, subjectID string, from, to time.Time) (domain.OrderStats, error) {
	if subjectID == "" {
		return domain.OrderStats{}, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}

	closed := s.cache != nil && !to.After(s.now())
	key := fmt.Sprintf("orders:%s:%d:%d", subjectID, from.Unix(), to.Unix())

	if closed {
		var stats domain.OrderStats
		hit, err := cache.GetJSON(ctx, s.cache, key, &stats)
		if err != nil {
			slog.Debug("order stats cache read failed", "subject_id", subjectID, "error", err)
		}
		if hit {
			return stats, nil
		}
	}

	stats, err := s.source.GetOrderStats(ctx, subjectID, from, to)
	if err != nil {
		return domain.OrderStats{}, err
	}

	if closed {
		if err := cache.SetJSON(ctx, s.cache, key, stats, s.ttl); err != nil {
			slog.Debug("order stats cache write failed", "subject_id", subjectID, "error", err)
		}
	}

	return stats, nil
}

// OpenAppeals counts unresolved appeals with since <= created_at < until.
// Appeal resolution changes over time, so counts are always read live.
func (s *Service) OpenAppeals(ctx context.Context, subjectID string, since, until time.Time) (int64, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}
	return s.source.CountOpenAppeals(ctx, subjectID, since, until)
}
