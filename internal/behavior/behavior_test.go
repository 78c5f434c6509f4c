package behavior

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/cache"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/repository"
)

// countingSource wraps a BehaviorSource and counts order queries.
type countingSource struct {
	domain.BehaviorSource
	orderCalls int
}

func (c *countingSource) GetOrderStats(ctx context.Context, subjectID string, from, to time.Time) (domain.OrderStats, error) {
	c.orderCalls++
	return c.BehaviorSource.GetOrderStats(ctx, subjectID, from, to)
}

func TestBehaviorService(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "behavior-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	feb := march.AddDate(0, -1, 0)

	src := &countingSource{BehaviorSource: repo}
	svc := NewService(src, lruCache, WithClock(func() time.Time { return now }))

	if err := repo.SaveSubject(ctx, &domain.Subject{ID: "sub-001", DisplayName: "Ade", Status: domain.SubjectActive}); err != nil {
		t.Fatalf("SaveSubject failed: %v", err)
	}

	t.Run("EmptyDatabase", func(t *testing.T) {
		stats, err := svc.OrderStats(ctx, "sub-001", march, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Count != 0 || !stats.Total.IsZero() {
			t.Errorf("expected empty stats, got %+v", stats)
		}
	})

	t.Run("ClosedPeriodIsCached", func(t *testing.T) {
		for i, amount := range []string{"10.00", "20.50"} {
			o := &domain.Order{
				ID:          "feb-" + string(rune('a'+i)),
				SubjectID:   "sub-001",
				OrderDate:   feb.AddDate(0, 0, i+1),
				TotalAmount: decimal.RequireFromString(amount),
				Status:      domain.OrderCompleted,
			}
			if err := repo.SaveOrder(ctx, o); err != nil {
				t.Fatalf("SaveOrder failed: %v", err)
			}
		}

		src.orderCalls = 0
		first, err := svc.OrderStats(ctx, "sub-001", feb, march)
		if err != nil {
			t.Fatalf("OrderStats failed: %v", err)
		}
		second, err := svc.OrderStats(ctx, "sub-001", feb, march)
		if err != nil {
			t.Fatalf("OrderStats failed: %v", err)
		}

		if src.orderCalls != 1 {
			t.Errorf("expected 1 database query for a closed month, got %d", src.orderCalls)
		}
		if first.Count != 2 || !second.Total.Equal(decimal.RequireFromString("30.50")) {
			t.Errorf("unexpected stats %+v / %+v", first, second)
		}
	})

	t.Run("OpenPeriodIsLive", func(t *testing.T) {
		src.orderCalls = 0
		_, _ = svc.OrderStats(ctx, "sub-001", march, now.Add(time.Nanosecond))
		_, _ = svc.OrderStats(ctx, "sub-001", march, now.Add(time.Nanosecond))

		if src.orderCalls != 2 {
			t.Errorf("expected current month to bypass cache, got %d queries", src.orderCalls)
		}
	})

	t.Run("OpenAppeals", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			a := &domain.Appeal{
				ID:        "ap-" + string(rune('a'+i)),
				SubjectID: "sub-001",
				CreatedAt: now.AddDate(0, 0, -i-1),
			}
			if err := repo.SaveAppeal(ctx, a); err != nil {
				t.Fatalf("SaveAppeal failed: %v", err)
			}
		}

		n, err := svc.OpenAppeals(ctx, "sub-001", now.AddDate(0, 0, -30), now)
		if err != nil {
			t.Fatalf("OpenAppeals failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 open appeals, got %d", n)
		}
	})

	t.Run("ListActiveSubjects", func(t *testing.T) {
		subjects, err := svc.ListActiveSubjects(ctx)
		if err != nil {
			t.Fatalf("ListActiveSubjects failed: %v", err)
		}
		if len(subjects) != 1 {
			t.Errorf("expected 1 subject, got %d", len(subjects))
		}
	})

	t.Run("RequiresSubjectID", func(t *testing.T) {
		_, err := svc.OrderStats(ctx, "", feb, march)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})
}

func TestServiceWithoutCache(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "behavior-nocache.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	src := &countingSource{BehaviorSource: repo}
	svc := NewService(src, nil)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := svc.OrderStats(context.Background(), "sub-001", from, from.AddDate(0, 1, 0)); err != nil {
			t.Fatalf("OrderStats failed: %v", err)
		}
	}
	if src.orderCalls != 2 {
		t.Errorf("expected every call to reach the database, got %d", src.orderCalls)
	}
}
