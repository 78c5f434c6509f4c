package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/bus"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// stubRunner returns a fixed outcome and counts calls.
type stubRunner struct {
	run   *domain.DetectionRun
	err   error
	calls atomic.Int32
}

func (s *stubRunner) Run(context.Context) (*domain.DetectionRun, error) {
	s.calls.Add(1)
	return s.run, s.err
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	finished := time.Date(2026, 3, 15, 12, 0, 5, 0, time.UTC)
	runner := &stubRunner{run: &domain.DetectionRun{
		ID:                "run-001",
		SubjectsProcessed: 3,
		SubjectsFlagged:   2,
		ReKYCRequested:    1,
		Status:            domain.RunCompleted,
		FinishedAt:        finished,
	}}

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, runner)

		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicDetectionRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicDetectionRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		payload, _ := json.Marshal(RunRequest{RequestedBy: "scheduler"})
		reply, err := eventBus.Request(ctx, domain.TopicDetectionRequested, payload)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var resp detection.Response
		if err := json.Unmarshal(reply, &resp); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if !resp.Success || resp.Summary == nil {
			t.Fatalf("expected successful response, got %+v", resp)
		}
		if resp.Summary.RunID != "run-001" || resp.Summary.UsersProcessed != 3 || resp.Summary.UsersFlagged != 2 {
			t.Errorf("unexpected summary %+v", resp.Summary)
		}
		if !resp.Summary.Timestamp.Equal(finished) {
			t.Errorf("expected timestamp %v, got %v", finished, resp.Summary.Timestamp)
		}
	})

	t.Run("FireAndForget", func(t *testing.T) {
		r := &stubRunner{run: &domain.DetectionRun{ID: "run-002", Status: domain.RunCompleted}}
		w := NewWorker(eventBus, r)
		if err := w.Start(Config{Topic: "riskwatch.detection.nightly"}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(context.Background(), "riskwatch.detection.nightly", nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		deadline := time.Now().Add(time.Second)
		for r.calls.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if r.calls.Load() != 1 {
			t.Errorf("expected 1 run, got %d", r.calls.Load())
		}
	})

	t.Run("SharedQueueRunsOnce", func(t *testing.T) {
		first := &stubRunner{run: &domain.DetectionRun{ID: "run-a", Status: domain.RunCompleted}}
		second := &stubRunner{run: &domain.DetectionRun{ID: "run-b", Status: domain.RunCompleted}}

		for _, r := range []*stubRunner{first, second} {
			w := NewWorker(eventBus, r)
			if err := w.Start(Config{Topic: "riskwatch.detection.shared"}); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			defer w.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := eventBus.Request(ctx, "riskwatch.detection.shared", nil); err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if total := first.calls.Load() + second.calls.Load(); total != 1 {
			t.Errorf("expected one run across the queue group, got %d", total)
		}
	})

	t.Run("FailureReply", func(t *testing.T) {
		r := &stubRunner{err: detection.ErrRunInProgress}
		w := NewWorker(eventBus, r)
		if err := w.Start(Config{Topic: "riskwatch.detection.busy"}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := eventBus.Request(ctx, "riskwatch.detection.busy", nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var resp detection.Response
		if err := json.Unmarshal(reply, &resp); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if resp.Success {
			t.Error("expected unsuccessful response")
		}
		if resp.Error != detection.ErrRunInProgress.Error() {
			t.Errorf("unexpected error %q", resp.Error)
		}
	})
}

func TestNewResponse(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	resp := detection.NewResponse(nil, errors.New("identity store down"), now)
	if resp.Success || resp.Summary != nil || resp.Error != "identity store down" {
		t.Errorf("unexpected failure response %+v", resp)
	}
	if !resp.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, resp.Timestamp)
	}
}
