// Package detection runs the rule pipeline over every active subject and
// turns high scores into risk flags.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/bus"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/cache"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/metrics"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/rules"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/scoring"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("detection run already in progress")

const (
	runLockKey        = "detection:run"
	lastRunKey        = "detection:last_run"
	lastRunTTL        = 7 * 24 * time.Hour
	subjectLockPrefix = "subject:"
)

var tracer = otel.Tracer("riskwatch-detection")

// SubjectSource lists the subjects a run evaluates.
type SubjectSource interface {
	ListActiveSubjects(ctx context.Context) ([]*domain.Subject, error)
}

// Config tunes a Service.
type Config struct {
	// Workers bounds how many subjects are processed concurrently.
	Workers int

	// LockTTL is the lease on the per-subject flag lock.
	LockTTL time.Duration

	// RunTimeout cancels a run that takes longer; zero disables it.
	RunTimeout time.Duration
}

// Service orchestrates detection runs.
type Service struct {
	subjects SubjectSource
	registry *rules.Registry
	logger   *Logger
	runs     domain.DetectionLog
	flags    domain.FlagStore
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time

	// mu serialises runs within this process; the cache lock covers other nodes.
	mu sync.Mutex
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithCache enables per-subject and per-run locks plus the last-run cache.
func WithCache(c domain.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEventBus publishes run and flag events.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the run clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a detection service.
func NewService(subjects SubjectSource, registry *rules.Registry, runs domain.DetectionLog, flags domain.FlagStore, cfg Config, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	s := &Service{
		subjects: subjects,
		registry: registry,
		runs:     runs,
		flags:    flags,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = NewLogger(runs, s.metrics)
	return s
}

// Rules returns the registry the service evaluates.
func (s *Service) Rules() *rules.Registry {
	return s.registry
}

// subjectOutcome is what processing one subject contributed to a run.
type subjectOutcome struct {
	flagged     bool
	rekyc       bool
	failed      bool
	flagFailed  bool
	logFailures int
}

// Run evaluates every active subject once. Only a failure to list subjects
// fails the run; per-subject problems are counted in the summary. When ctx
// is cancelled no further subjects start and the summary is marked cancelled.
func (s *Service) Run(ctx context.Context) (*domain.DetectionRun, error) {
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	release, err := s.acquireRun(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	startedAt := s.now().UTC()
	run := &domain.DetectionRun{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
	}

	ctx, span := tracer.Start(ctx, "detection.run",
		trace.WithAttributes(attribute.String("run.id", run.ID)),
	)
	defer span.End()

	logger := slog.With("run_id", run.ID)
	logger.Info("detection run started")

	subjects, err := s.subjects.ListActiveSubjects(ctx)
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
		run.FinishedAt = s.now().UTC()
		span.RecordError(err)
		span.SetStatus(codes.Error, "subject load failed")
		logger.Error("detection run failed", "error", err)
		s.finish(ctx, run)
		return run, fmt.Errorf("failed to load subjects: %w", err)
	}

	window := rules.NewWindow(startedAt)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)

	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// A subject that has started runs to completion.
			out := s.processSubject(context.WithoutCancel(ctx), run.ID, subject, window)

			mu.Lock()
			defer mu.Unlock()
			run.SubjectsProcessed++
			run.LogFailures += out.logFailures
			if out.failed {
				run.SubjectFailures++
			}
			if out.flagFailed {
				run.FlagFailures++
			}
			if out.flagged {
				run.SubjectsFlagged++
			}
			if out.rekyc {
				run.ReKYCRequested++
			}
			return nil
		})
	}
	_ = g.Wait()

	run.FinishedAt = s.now().UTC()
	run.Status = domain.RunCompleted
	if err := ctx.Err(); err != nil {
		run.Status = domain.RunCancelled
		run.Error = err.Error()
	}

	span.SetAttributes(
		attribute.Int("run.subjects_processed", run.SubjectsProcessed),
		attribute.Int("run.subjects_flagged", run.SubjectsFlagged),
		attribute.String("run.status", string(run.Status)),
	)

	logger.Info("detection run finished",
		"status", run.Status,
		"subjects_total", len(subjects),
		"subjects_processed", run.SubjectsProcessed,
		"subjects_flagged", run.SubjectsFlagged,
		"rekyc_requested", run.ReKYCRequested,
		"subject_failures", run.SubjectFailures,
		"log_failures", run.LogFailures,
		"flag_failures", run.FlagFailures,
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	)

	s.finish(ctx, run)
	return run, nil
}

// acquireRun takes the run lock, distributed when a cache is configured.
func (s *Service) acquireRun(ctx context.Context) (func(), error) {
	if !s.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	if s.cache == nil {
		return s.mu.Unlock, nil
	}

	ttl := s.cfg.RunTimeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	lock, err := cache.TryLock(ctx, s.cache, runLockKey, ttl)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if lock == nil {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release run lock", "error", err)
		}
		s.mu.Unlock()
	}, nil
}

func (s *Service) processSubject(ctx context.Context, runID string, subject *domain.Subject, w rules.Window) (out subjectOutcome) {
	ctx, span := tracer.Start(ctx, "detection.subject",
		trace.WithAttributes(attribute.String("subject.id", subject.ID)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			out.failed = true
			span.SetStatus(codes.Error, "panic")
			slog.Error("subject processing panicked",
				"run_id", runID,
				"subject_id", subject.ID,
				"panic", p,
			)
		}
	}()

	results := s.registry.EvaluateAll(ctx, subject, w)
	for i, r := range results {
		s.metrics.ObserveRule(string(r.RuleType), r.Triggered, r.Error != "")
		if err := s.logger.Record(ctx, NewEntry(runID, subject.ID, i, r, w.Now)); err != nil {
			out.logFailures++
		}
	}

	decision := scoring.Decide(results)
	span.SetAttributes(attribute.Int("subject.score", decision.Total))
	if !decision.ShouldFlag() {
		return out
	}

	created, err := s.flagSubject(ctx, subject, decision, w.Now)
	if err != nil {
		out.flagFailed = true
		span.RecordError(err)
		slog.Error("failed to flag subject",
			"run_id", runID,
			"subject_id", subject.ID,
			"score", decision.Total,
			"error", err,
		)
		return out
	}
	if created == nil || !created.Created {
		return out
	}

	out.flagged = true
	out.rekyc = created.ReKYC != nil
	s.metrics.IncrementFlagCreated(string(created.Flag.Status))

	slog.Info("subject flagged",
		"run_id", runID,
		"subject_id", subject.ID,
		"flag_id", created.Flag.ID,
		"status", created.Flag.Status,
		"score", decision.Total,
	)

	event := domain.FlagEvent{
		Action:    domain.ActionAutoFlag,
		Flag:      created.Flag,
		ReKYC:     created.ReKYC,
		Timestamp: w.Now,
	}
	_ = bus.PublishJSON(ctx, s.bus, domain.TopicFlagCreated, event)
	if created.ReKYC != nil {
		_ = bus.PublishJSON(ctx, s.bus, domain.TopicReKYCRequested, created.ReKYC)
	}
	return out
}

// flagSubject creates the flag under the per-subject lock. A nil result
// means another holder owns the lock and is handling the subject.
func (s *Service) flagSubject(ctx context.Context, subject *domain.Subject, d scoring.Decision, at time.Time) (*domain.FlagCreation, error) {
	if s.cache != nil {
		lock, err := cache.TryLock(ctx, s.cache, subjectLockPrefix+subject.ID, s.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		if lock == nil {
			slog.Debug("subject locked elsewhere", "subject_id", subject.ID)
			return nil, nil
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				slog.Warn("failed to release subject lock", "subject_id", subject.ID, "error", err)
			}
		}()
	}

	score := d.Total
	return s.flags.CreateFlagIfAbsent(ctx, domain.NewFlag{
		SubjectID: subject.ID,
		Status:    d.Status,
		Reason:    d.Reason(),
		RiskScore: &score,
		RuleTypes: d.Triggered,
		At:        at,
	})
}

// finish persists, caches, publishes and records a finished run.
func (s *Service) finish(ctx context.Context, run *domain.DetectionRun) {
	ctx = context.WithoutCancel(ctx)

	if err := s.runs.SaveDetectionRun(ctx, run); err != nil {
		slog.Error("failed to save detection run", "run_id", run.ID, "error", err)
	}
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, lastRunKey, run, lastRunTTL); err != nil {
			slog.Warn("failed to cache last run", "run_id", run.ID, "error", err)
		}
	}
	_ = bus.PublishJSON(ctx, s.bus, domain.TopicDetectionCompleted, run)
	s.metrics.ObserveRun(string(run.Status), run.FinishedAt.Sub(run.StartedAt), run.SubjectsProcessed)
}

// LastRun returns the most recent run, or nil when none has happened.
func (s *Service) LastRun(ctx context.Context) (*domain.DetectionRun, error) {
	if s.cache != nil {
		var run domain.DetectionRun
		hit, err := cache.GetJSON(ctx, s.cache, lastRunKey, &run)
		if err != nil {
			slog.Debug("last run cache read failed", "error", err)
		}
		if hit {
			return &run, nil
		}
	}

	runs, err := s.runs.ListDetectionRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// Runs lists recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]*domain.DetectionRun, error) {
	return s.runs.ListDetectionRuns(ctx, limit)
}

// Logs lists detection log entries.
func (s *Service) Logs(ctx context.Context, filter domain.LogFilter) ([]*domain.DetectionLogEntry, error) {
	return s.runs.ListDetectionLogs(ctx, filter)
}
