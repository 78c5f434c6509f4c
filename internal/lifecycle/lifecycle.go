// Package lifecycle implements operator-driven flag transitions.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/bus"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/metrics"
)

// Service applies flag lifecycle transitions on behalf of operators.
type Service struct {
	store   domain.FlagStore
	bus     domain.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEventBus publishes a transition event after each successful change.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithMetrics counts transitions by action.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the transition clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lifecycle service.
func NewService(store domain.FlagStore, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clear resolves an active flag as benign. An UNDER_REKYC flag can only be
// cleared once its verification request has been completed.
func (s *Service) Clear(ctx context.Context, flagID, operatorID, notes string) (*domain.RiskFlag, error) {
	return s.transition(ctx, domain.ActionClear, domain.Transition{
		FlagID:     flagID,
		To:         domain.FlagCleared,
		OperatorID: operatorID,
		Notes:      notes,
	})
}

// Blacklist moves an active flag to BLACKLISTED, with the same ReKYC
// condition as Clear.
func (s *Service) Blacklist(ctx context.Context, flagID, operatorID, notes string) (*domain.RiskFlag, error) {
	return s.transition(ctx, domain.ActionBlacklist, domain.Transition{
		FlagID:     flagID,
		To:         domain.FlagBlacklisted,
		OperatorID: operatorID,
		Notes:      notes,
	})
}

// Unblacklist returns a blacklisted subject to FLAGGED. The blacklisted row
// is kept as history and a new FLAGGED row is returned.
func (s *Service) Unblacklist(ctx context.Context, flagID, operatorID, justification string) (*domain.RiskFlag, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, domain.ErrJustificationRequired
	}
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}

	previous, err := s.store.GetFlag(ctx, flagID)
	if err != nil {
		return nil, err
	}

	t := domain.Transition{
		FlagID:     flagID,
		From:       domain.FlagBlacklisted,
		To:         domain.FlagFlagged,
		OperatorID: operatorID,
		Notes:      strings.TrimSpace(justification),
		At:         s.now().UTC(),
	}
	flag, err := s.store.ReflagBlacklisted(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("unblacklist %s: %w", flagID, err)
	}

	s.record(ctx, domain.FlagEvent{
		Action:     domain.ActionUnblacklist,
		Flag:       flag,
		Previous:   previous,
		OperatorID: operatorID,
		Timestamp:  t.At,
	})
	return flag, nil
}

// RequestReKYC escalates a FLAGGED flag and opens a PENDING verification
// request. On an UNDER_REKYC flag whose last request was rejected it opens a
// new request.
func (s *Service) RequestReKYC(ctx context.Context, flagID, operatorID, notes string) (*domain.RiskFlag, *domain.ReKYCRequest, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, nil, err
	}

	t := domain.Transition{
		FlagID:     flagID,
		From:       domain.FlagFlagged,
		To:         domain.FlagUnderReKYC,
		OperatorID: operatorID,
		Notes:      notes,
		At:         s.now().UTC(),
	}
	flag, req, err := s.store.EscalateToReKYC(ctx, t)
	if err != nil {
		return nil, nil, fmt.Errorf("request rekyc for %s: %w", flagID, err)
	}

	s.record(ctx, domain.FlagEvent{
		Action:     domain.ActionRequestReKYC,
		Flag:       flag,
		ReKYC:      req,
		OperatorID: operatorID,
		Timestamp:  t.At,
	})
	_ = bus.PublishJSON(ctx, s.bus, domain.TopicReKYCRequested, req)
	return flag, req, nil
}

// CompleteReKYC closes a PENDING verification request. Approval clears the
// flag; rejection leaves it UNDER_REKYC until an operator acts on it again.
func (s *Service) CompleteReKYC(ctx context.Context, requestID, operatorID string, approved bool) (*domain.ReKYCRequest, *domain.RiskFlag, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, nil, err
	}

	at := s.now().UTC()
	req, flag, err := s.store.ResolveReKYCRequest(ctx, requestID, approved, operatorID, at)
	if err != nil {
		return nil, nil, fmt.Errorf("complete rekyc %s: %w", requestID, err)
	}

	s.record(ctx, domain.FlagEvent{
		Action:     domain.ActionCompleteReKYC,
		Flag:       flag,
		ReKYC:      req,
		OperatorID: operatorID,
		Timestamp:  at,
	})
	return req, flag, nil
}

// FlagManually opens a FLAGGED flag without a risk score.
func (s *Service) FlagManually(ctx context.Context, subjectID, operatorID, reason string) (*domain.RiskFlag, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	at := s.now().UTC()
	flag, err := s.store.CreateManualFlag(ctx, domain.NewFlag{
		SubjectID: subjectID,
		Status:    domain.FlagFlagged,
		Reason:    strings.TrimSpace(reason),
		CreatedBy: operatorID,
		At:        at,
	})
	if err != nil {
		return nil, fmt.Errorf("flag %s: %w", subjectID, err)
	}

	s.metrics.IncrementFlagCreated(string(flag.Status))
	s.record(ctx, domain.FlagEvent{
		Action:     domain.ActionManualFlag,
		Flag:       flag,
		OperatorID: operatorID,
		Timestamp:  at,
	})
	return flag, nil
}

func (s *Service) transition(ctx context.Context, action string, t domain.Transition) (*domain.RiskFlag, error) {
	if err := requireOperator(t.OperatorID); err != nil {
		return nil, err
	}
	t.At = s.now().UTC()
	t.From = s.activeStatus(ctx, t.FlagID)

	flag, err := s.store.TransitionFlag(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, t.FlagID, err)
	}

	s.record(ctx, domain.FlagEvent{
		Action:     action,
		Flag:       flag,
		OperatorID: t.OperatorID,
		Timestamp:  t.At,
	})
	return flag, nil
}

// activeStatus is the guard status for a clear or blacklist. Lookup errors
// fall through to FLAGGED and surface from the store.
func (s *Service) activeStatus(ctx context.Context, flagID string) domain.FlagStatus {
	flag, err := s.store.GetFlag(ctx, flagID)
	if err == nil && flag.Status == domain.FlagUnderReKYC {
		return domain.FlagUnderReKYC
	}
	return domain.FlagFlagged
}

// record logs, counts and publishes a completed transition.
func (s *Service) record(ctx context.Context, ev domain.FlagEvent) {
	s.metrics.IncrementTransition(ev.Action)

	attrs := []any{
		"action", ev.Action,
		"operator_id", ev.OperatorID,
	}
	if ev.Flag != nil {
		attrs = append(attrs, "flag_id", ev.Flag.ID, "subject_id", ev.Flag.SubjectID, "status", ev.Flag.Status)
	}
	slog.Info("flag transitioned", attrs...)

	_ = bus.PublishJSON(ctx, s.bus, domain.TopicFlagTransitioned, ev)
}

func requireOperator(operatorID string) error {
	if strings.TrimSpace(operatorID) == "" {
		return domain.ErrOperatorRequired
	}
	return nil
}
