// Benchmark tool for timing a detection run over synthetic subjects.
//
// Usage:
//
//	go run ./cmd/riskbench -subjects 5000 -workers 16
//
// This tool:
//  1. Seeds a fresh SQLite database with subjects of known behaviour profiles
//  2. Runs detection once over every subject
//  3. Compares the resulting flag status with each profile's expected status
//  4. Prints a confusion matrix and throughput
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/behavior"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/repository"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/rules"
)

// profile is a synthetic behaviour pattern with a known outcome.
type profile struct {
	name     string
	expected domain.FlagStatus // empty means no flag
	weight   int

	// orders per month, oldest baseline month first, current month last
	orders  [4]int
	appeals int
}

var profiles = []profile{
	{name: "steady", weight: 80, orders: [4]int{4, 4, 4, 4}},
	{name: "appeals-only", weight: 8, orders: [4]int{3, 3, 3, 3}, appeals: 4},
	{name: "spike", expected: domain.FlagFlagged, weight: 8, orders: [4]int{2, 2, 2, 9}},
	{name: "spike+appeals", expected: domain.FlagUnderReKYC, weight: 4, orders: [4]int{2, 2, 2, 9}, appeals: 3},
}

// Outcome tracks benchmark results
type Outcome struct {
	TruePositives  int // expected flag, got the expected status
	WrongStatus    int // flagged, but with a different status
	FalsePositives int // flagged without expectation
	TrueNegatives  int
	FalseNegatives int // expected flag, none created
}

func main() {
	subjects := flag.Int("subjects", 1000, "Number of synthetic subjects")
	workers := flag.Int("workers", 8, "Concurrent subject workers")
	dbPath := flag.String("db", "", "SQLite path (default: temp file)")
	seed := flag.Uint64("seed", 42, "Random seed for profile assignment")
	verbose := flag.Bool("verbose", false, "Print each mismatched subject")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "riskbench")
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "riskbench.db")
	}

	fmt.Printf("\nSubjects:  %d\n", *subjects)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Database:  %s\n", path)

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		fmt.Printf("ERROR: failed to open repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	fmt.Printf("\nSeeding...\n")
	start := time.Now()
	expected, err := seedSubjects(ctx, repo, *subjects, now, rand.New(rand.NewPCG(*seed, *seed)))
	if err != nil {
		fmt.Printf("ERROR: seeding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d subjects in %v\n", len(expected), time.Since(start).Round(time.Millisecond))

	registry, err := rules.NewBuiltinRegistry(behavior.NewService(repo, nil))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	detector := detection.NewService(repo, registry, repo, repo, detection.Config{Workers: *workers})

	fmt.Printf("\nRunning detection...\n")
	run, err := detector.Run(ctx)
	if err != nil {
		fmt.Printf("ERROR: detection failed: %v\n", err)
		os.Exit(1)
	}

	outcome, err := score(ctx, repo, expected, *verbose)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	printResults(run, outcome)
}

func seedSubjects(ctx context.Context, repo *repository.SQLRepository, n int, now time.Time, rng *rand.Rand) (map[string]profile, error) {
	total := 0
	for _, p := range profiles {
		total += p.weight
	}

	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	expected := make(map[string]profile, n)

	for i := 0; i < n; i++ {
		pick := rng.IntN(total)
		var p profile
		for _, candidate := range profiles {
			if pick < candidate.weight {
				p = candidate
				break
			}
			pick -= candidate.weight
		}

		id := fmt.Sprintf("bench-%06d", i)
		expected[id] = p
		if err := repo.SaveSubject(ctx, &domain.Subject{ID: id, DisplayName: p.name, Status: domain.SubjectActive}); err != nil {
			return nil, err
		}

		for m, count := range p.orders {
			monthStart := current.AddDate(0, m-3, 0)
			for k := 0; k < count; k++ {
				at := monthStart.Add(time.Duration(k) * time.Hour)
				if at.After(now) {
					at = now
				}
				err := repo.SaveOrder(ctx, &domain.Order{
					ID:          fmt.Sprintf("%s-o%d-%d", id, m, k),
					SubjectID:   id,
					OrderDate:   at,
					TotalAmount: decimal.NewFromInt(int64(50 + rng.IntN(50))),
					Status:      domain.OrderCompleted,
				})
				if err != nil {
					return nil, err
				}
			}
		}

		for k := 0; k < p.appeals; k++ {
			err := repo.SaveAppeal(ctx, &domain.Appeal{
				ID:        fmt.Sprintf("%s-a%d", id, k),
				SubjectID: id,
				CreatedAt: now.Add(-time.Duration(k+1) * time.Hour),
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return expected, nil
}

func score(ctx context.Context, repo *repository.SQLRepository, expected map[string]profile, verbose bool) (Outcome, error) {
	var o Outcome
	for id, p := range expected {
		active, err := repo.FindActiveFlag(ctx, id)
		if err != nil {
			return o, err
		}

		switch {
		case p.expected == "" && active == nil:
			o.TrueNegatives++
		case p.expected == "":
			o.FalsePositives++
		case active == nil:
			o.FalseNegatives++
		case active.Status == p.expected:
			o.TruePositives++
		default:
			o.WrongStatus++
		}

		if verbose && (active == nil) != (p.expected == "") {
			got := domain.FlagStatus("none")
			if active != nil {
				got = active.Status
			}
			fmt.Printf("  %s  profile=%-14s expected=%-12s got=%s\n", id, p.name, p.expected, got)
		}
	}
	return o, nil
}

func printResults(run *domain.DetectionRun, o Outcome) {
	duration := run.FinishedAt.Sub(run.StartedAt)

	fmt.Printf("\nRUN %s\n", run.ID)
	fmt.Printf("   Status:            %s\n", run.Status)
	fmt.Printf("   Subjects:          %d\n", run.SubjectsProcessed)
	fmt.Printf("   Flagged:           %d\n", run.SubjectsFlagged)
	fmt.Printf("   ReKYC requested:   %d\n", run.ReKYCRequested)
	fmt.Printf("   Failures:          subject=%d log=%d flag=%d\n", run.SubjectFailures, run.LogFailures, run.FlagFailures)

	fmt.Printf("\nOUTCOMES\n")
	fmt.Printf("   Correct flag:      %d\n", o.TruePositives)
	fmt.Printf("   Wrong status:      %d\n", o.WrongStatus)
	fmt.Printf("   Missed:            %d\n", o.FalseNegatives)
	fmt.Printf("   False flags:       %d\n", o.FalsePositives)
	fmt.Printf("   Correctly clean:   %d\n", o.TrueNegatives)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:    %v\n", duration.Round(time.Millisecond))
	if run.SubjectsProcessed > 0 && duration > 0 {
		fmt.Printf("   Avg per subject:   %.3f ms\n", float64(duration.Microseconds())/1000/float64(run.SubjectsProcessed))
		fmt.Printf("   Throughput:        %.1f subjects/sec\n", float64(run.SubjectsProcessed)/duration.Seconds())
	}
	fmt.Println()
}
