// Package worker triggers detection runs from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/bus"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// Runner executes a detection run.
type Runner interface {
	Run(ctx context.Context) (*domain.DetectionRun, error)
}

// Worker runs detection whenever a run is requested on the EventBus.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topic overrides the trigger topic. Defaults to TopicDetectionRequested.
	Topic string

	// Queue is the group workers join so each request starts one run across
	// all nodes. Defaults to DefaultQueue.
	Queue string
}

// DefaultQueue is the queue group shared by detection workers.
const DefaultQueue = "riskwatch-detection"

// RunRequest is the optional payload of a run request.
type RunRequest struct {
	RequestedBy string `json:"requestedBy,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    b,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to run requests.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicDetectionRequested
	}

	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	sub, err := bus.SubscribeShared(w.ctx, w.bus, topic, queue, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("detection worker started", "topic", topic, "queue", queue)
	return nil
}

// handleMessage runs detection and replies with the outcome when the
// message is a request.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var req RunRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Warn("ignoring malformed run request payload",
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	slog.Info("detection run requested",
		"message_id", msg.ID,
		"requested_by", req.RequestedBy,
	)

	// Runs outlive the message context but stop with the worker.
	run, err := w.runner.Run(w.ctx)
	if errors.Is(err, detection.ErrRunInProgress) {
		slog.Info("detection run skipped, another run is in progress", "message_id", msg.ID)
	} else if err != nil {
		slog.Error("detection run failed", "message_id", msg.ID, "error", err)
	}

	payload, mErr := json.Marshal(detection.NewResponse(run, err, time.Now()))
	if mErr != nil {
		return mErr
	}
	if rErr := bus.Reply(ctx, w.bus, msg, payload); rErr != nil {
		slog.Error("failed to reply to run request", "message_id", msg.ID, "error", rErr)
		return rErr
	}
	if errors.Is(err, detection.ErrRunInProgress) {
		return nil
	}
	return err
}

// Stop gracefully stops the worker and waits for an in-flight run.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
