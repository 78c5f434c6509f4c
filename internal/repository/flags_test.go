package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestCreateFlagIfAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("FlaggedWithoutReKYC", func(t *testing.T) {
		repo := newTestRepo(t)

		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-001",
			Status:    domain.FlagFlagged,
			RiskScore: intPtr(55),
			RuleTypes: []domain.RuleType{domain.RuleOrderFrequencySpike, domain.RuleOrderVolumeSpike},
			At:        now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if !res.Created {
			t.Fatal("expected flag to be created")
		}
		if res.ReKYC != nil {
			t.Error("expected no rekyc request for FLAGGED")
		}
		if res.Flag.FlagType != "ORDER_FREQUENCY_SPIKE,ORDER_VOLUME_SPIKE" {
			t.Errorf("unexpected flag type %q", res.Flag.FlagType)
		}
		if res.Flag.Reason != "Automated detection: score 55 (ORDER_FREQUENCY_SPIKE,ORDER_VOLUME_SPIKE)" {
			t.Errorf("unexpected reason %q", res.Flag.Reason)
		}

		stored, err := repo.GetFlag(ctx, res.Flag.ID)
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if stored.RiskScore == nil || *stored.RiskScore != 55 {
			t.Errorf("expected stored score 55, got %v", stored.RiskScore)
		}
		if !stored.CreatedAt.Equal(now) {
			t.Errorf("expected created_at %v, got %v", now, stored.CreatedAt)
		}

		reqs, err := repo.ListReKYCRequests(ctx, "")
		if err != nil {
			t.Fatalf("ListReKYCRequests failed: %v", err)
		}
		if len(reqs) != 0 {
			t.Errorf("expected no rekyc requests, got %d", len(reqs))
		}
	})

	t.Run("UnderReKYCSpawnsPendingRequest", func(t *testing.T) {
		repo := newTestRepo(t)

		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-002",
			Status:    domain.FlagUnderReKYC,
			RiskScore: intPtr(70),
			RuleTypes: []domain.RuleType{domain.RuleOrderFrequencySpike, domain.RuleOrderVolumeSpike, domain.RuleFrequentAppeals},
			At:        now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if !res.Created || res.ReKYC == nil {
			t.Fatalf("expected flag and rekyc request, got %+v", res)
		}
		if res.ReKYC.FlagID != res.Flag.ID || res.ReKYC.Status != domain.ReKYCPending {
			t.Errorf("unexpected rekyc request %+v", res.ReKYC)
		}

		pending, err := repo.ListReKYCRequests(ctx, domain.ReKYCPending)
		if err != nil {
			t.Fatalf("ListReKYCRequests failed: %v", err)
		}
		if len(pending) != 1 || pending[0].SubjectID != "sub-002" {
			t.Errorf("expected one pending request for sub-002, got %+v", pending)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		repo := newTestRepo(t)
		nf := domain.NewFlag{SubjectID: "sub-003", Status: domain.FlagFlagged, RiskScore: intPtr(50), At: now}

		first, err := repo.CreateFlagIfAbsent(ctx, nf)
		if err != nil {
			t.Fatalf("first create failed: %v", err)
		}

		nf.Status = domain.FlagUnderReKYC
		nf.RiskScore = intPtr(85)
		second, err := repo.CreateFlagIfAbsent(ctx, nf)
		if err != nil {
			t.Fatalf("second create failed: %v", err)
		}
		if second.Created {
			t.Error("expected second create to be skipped")
		}
		if second.Flag.ID != first.Flag.ID {
			t.Errorf("expected existing flag %s, got %s", first.Flag.ID, second.Flag.ID)
		}

		flags, err := repo.ListFlags(ctx, domain.FlagFilter{SubjectID: "sub-003"})
		if err != nil {
			t.Fatalf("ListFlags failed: %v", err)
		}
		if len(flags) != 1 {
			t.Errorf("expected 1 flag, got %d", len(flags))
		}
	})

	t.Run("ConcurrentCreatesYieldOneFlag", func(t *testing.T) {
		repo := newTestRepo(t)

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
					SubjectID: "sub-race", Status: domain.FlagFlagged, RiskScore: intPtr(60), At: now,
				})
				if err != nil {
					t.Errorf("CreateFlagIfAbsent failed: %v", err)
					return
				}
				if res.Created {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Errorf("expected exactly 1 creation, got %d", created)
		}
	})

	t.Run("SkipsBlacklistedSubject", func(t *testing.T) {
		repo := newTestRepo(t)

		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-004", Status: domain.FlagFlagged, RiskScore: intPtr(55), At: now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if _, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagFlagged, To: domain.FlagBlacklisted,
			OperatorID: "op-1", At: now,
		}); err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}

		again, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-004", Status: domain.FlagUnderReKYC, RiskScore: intPtr(90), At: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if again.Created {
			t.Error("expected blacklisted subject not to be re-flagged")
		}
		if again.Flag.Status != domain.FlagBlacklisted {
			t.Errorf("expected blacklisted flag returned, got %s", again.Flag.Status)
		}
	})

	t.Run("LaterFlagsDoNotLiftBlacklist", func(t *testing.T) {
		repo := newTestRepo(t)

		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-008", Status: domain.FlagFlagged, RiskScore: intPtr(55), At: now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if _, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagFlagged, To: domain.FlagBlacklisted, OperatorID: "op-1", At: now,
		}); err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}

		manual, err := repo.CreateManualFlag(ctx, domain.NewFlag{
			SubjectID: "sub-008", Reason: "support escalation", CreatedBy: "op-2", At: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateManualFlag failed: %v", err)
		}
		if _, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: manual.ID, From: domain.FlagFlagged, To: domain.FlagCleared, OperatorID: "op-2", At: now.Add(2 * time.Hour),
		}); err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}

		again, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-008", Status: domain.FlagFlagged, RiskScore: intPtr(60), At: now.Add(3 * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if again.Created {
			t.Error("expected blacklist to keep blocking automatic flags")
		}
		if again.Flag.ID != res.Flag.ID {
			t.Errorf("expected blacklisted flag %s returned, got %s", res.Flag.ID, again.Flag.ID)
		}
	})

	t.Run("ClearedSubjectCanBeFlaggedAgain", func(t *testing.T) {
		repo := newTestRepo(t)

		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-005", Status: domain.FlagFlagged, RiskScore: intPtr(55), At: now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if _, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagFlagged, To: domain.FlagCleared,
			OperatorID: "op-1", At: now,
		}); err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}

		again, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: "sub-005", Status: domain.FlagFlagged, RiskScore: intPtr(55), At: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		if !again.Created {
			t.Error("expected new flag after clear")
		}
	})

	t.Run("RejectsInactiveStatus", func(t *testing.T) {
		repo := newTestRepo(t)

		_, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{SubjectID: "sub-006", Status: domain.FlagCleared})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})
}

func TestFlagTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	newFlag := func(t *testing.T, repo *SQLRepository, subjectID string, status domain.FlagStatus) *domain.FlagCreation {
		t.Helper()
		res, err := repo.CreateFlagIfAbsent(ctx, domain.NewFlag{
			SubjectID: subjectID, Status: status, RiskScore: intPtr(60),
			RuleTypes: []domain.RuleType{domain.RuleOrderFrequencySpike}, At: now,
		})
		if err != nil {
			t.Fatalf("CreateFlagIfAbsent failed: %v", err)
		}
		return res
	}

	t.Run("ClearSetsResolution", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-001", domain.FlagFlagged)

		cleared, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagFlagged, To: domain.FlagCleared,
			OperatorID: "op-1", Notes: "false positive", At: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}
		if cleared.Status != domain.FlagCleared {
			t.Errorf("expected CLEARED, got %s", cleared.Status)
		}
		if cleared.ResolvedBy != "op-1" || cleared.ResolvedOn == nil {
			t.Errorf("expected resolution stamped, got by=%q on=%v", cleared.ResolvedBy, cleared.ResolvedOn)
		}
		if cleared.AdminNotes != "false positive" {
			t.Errorf("expected notes recorded, got %q", cleared.AdminNotes)
		}

		active, err := repo.FindActiveFlag(ctx, "sub-001")
		if err != nil {
			t.Fatalf("FindActiveFlag failed: %v", err)
		}
		if active != nil {
			t.Errorf("expected no active flag, got %s", active.ID)
		}
	})

	t.Run("StaleFromStatusRejected", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-002", domain.FlagFlagged)

		_, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagBlacklisted, To: domain.FlagFlagged,
			OperatorID: "op-1", At: now,
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got: %v", err)
		}

		stored, _ := repo.GetFlag(ctx, res.Flag.ID)
		if stored.Status != domain.FlagFlagged {
			t.Errorf("expected status unchanged, got %s", stored.Status)
		}
	})

	t.Run("UnknownFlag", func(t *testing.T) {
		repo := newTestRepo(t)

		_, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: "missing", From: domain.FlagFlagged, To: domain.FlagCleared,
			OperatorID: "op-1", At: now,
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ReflagBlacklisted", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-003", domain.FlagFlagged)

		blacklisted, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagFlagged, To: domain.FlagBlacklisted,
			OperatorID: "op-x", At: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("blacklist failed: %v", err)
		}

		_, err = repo.ReflagBlacklisted(ctx, domain.Transition{FlagID: blacklisted.ID, OperatorID: "op-y", Notes: "   "})
		if !errors.Is(err, domain.ErrJustificationRequired) {
			t.Fatalf("expected ErrJustificationRequired, got: %v", err)
		}

		next, err := repo.ReflagBlacklisted(ctx, domain.Transition{
			FlagID: blacklisted.ID, OperatorID: "op-y", Notes: "documents verified", At: now.Add(2 * time.Hour),
		})
		if err != nil {
			t.Fatalf("ReflagBlacklisted failed: %v", err)
		}
		if next.Status != domain.FlagFlagged || next.ID == blacklisted.ID {
			t.Errorf("expected new FLAGGED row, got %+v", next)
		}
		if next.AdminNotes != "documents verified" || next.ResolvedBy != "op-y" {
			t.Errorf("unexpected new row fields: notes=%q by=%q", next.AdminNotes, next.ResolvedBy)
		}
		if next.RiskScore == nil || *next.RiskScore != 60 || next.FlagType != blacklisted.FlagType {
			t.Errorf("expected score and type carried over, got %v %q", next.RiskScore, next.FlagType)
		}

		old, err := repo.GetFlag(ctx, blacklisted.ID)
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if old.Status != domain.FlagBlacklisted {
			t.Errorf("expected old row to stay BLACKLISTED, got %s", old.Status)
		}
		if old.ResolvedBy != "op-x" {
			t.Errorf("expected old row resolved_by op-x, got %q", old.ResolvedBy)
		}
		if old.SupersededBy != next.ID {
			t.Errorf("expected old row superseded by %s, got %q", next.ID, old.SupersededBy)
		}

		_, err = repo.ReflagBlacklisted(ctx, domain.Transition{FlagID: blacklisted.ID, OperatorID: "op-y", Notes: "again"})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition on second unblacklist, got: %v", err)
		}

		counts, err := repo.CountFlagsByStatus(ctx)
		if err != nil {
			t.Fatalf("CountFlagsByStatus failed: %v", err)
		}
		if counts[domain.FlagFlagged] != 1 || counts[domain.FlagBlacklisted] != 0 {
			t.Errorf("unexpected counts %v", counts)
		}
	})

	t.Run("EscalateAndResolveReKYC", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-004", domain.FlagFlagged)

		flag, req, err := repo.EscalateToReKYC(ctx, domain.Transition{
			FlagID: res.Flag.ID, OperatorID: "op-1", At: now,
		})
		if err != nil {
			t.Fatalf("EscalateToReKYC failed: %v", err)
		}
		if flag.Status != domain.FlagUnderReKYC || req.Status != domain.ReKYCPending {
			t.Fatalf("unexpected escalation result: %s %s", flag.Status, req.Status)
		}

		rejected, stillFlag, err := repo.ResolveReKYCRequest(ctx, req.ID, false, "op-2", now.Add(time.Hour))
		if err != nil {
			t.Fatalf("ResolveReKYCRequest failed: %v", err)
		}
		if rejected.Status != domain.ReKYCRejected || stillFlag.Status != domain.FlagUnderReKYC {
			t.Errorf("expected rejection to keep flag under rekyc, got %s %s", rejected.Status, stillFlag.Status)
		}

		_, _, err = repo.ResolveReKYCRequest(ctx, req.ID, true, "op-2", now)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition for resolved request, got: %v", err)
		}

		_, _, err = repo.ResolveReKYCRequest(ctx, "missing", true, "op-2", now)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("RejectedReKYCCanBeReopened", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-007", domain.FlagUnderReKYC)

		_, _, err := repo.EscalateToReKYC(ctx, domain.Transition{FlagID: res.Flag.ID, OperatorID: "op-1", At: now})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition with request pending, got: %v", err)
		}
		if _, _, err := repo.ResolveReKYCRequest(ctx, res.ReKYC.ID, false, "op-2", now.Add(time.Hour)); err != nil {
			t.Fatalf("ResolveReKYCRequest failed: %v", err)
		}

		flag, req, err := repo.EscalateToReKYC(ctx, domain.Transition{
			FlagID: res.Flag.ID, OperatorID: "op-1", At: now.Add(2 * time.Hour),
		})
		if err != nil {
			t.Fatalf("EscalateToReKYC after rejection failed: %v", err)
		}
		if flag.Status != domain.FlagUnderReKYC || req.Status != domain.ReKYCPending || req.ID == res.ReKYC.ID {
			t.Errorf("expected a new pending request, got %s %s %s", flag.Status, req.Status, req.ID)
		}

		_, err = repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagUnderReKYC, To: domain.FlagCleared, OperatorID: "op-1", At: now,
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition clearing with request pending, got: %v", err)
		}
		stored, err := repo.GetFlag(ctx, res.Flag.ID)
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if stored.Status != domain.FlagUnderReKYC {
			t.Errorf("expected rolled back status UNDER_REKYC, got %s", stored.Status)
		}

		if _, _, err := repo.ResolveReKYCRequest(ctx, req.ID, false, "op-2", now.Add(3*time.Hour)); err != nil {
			t.Fatalf("ResolveReKYCRequest failed: %v", err)
		}
		cleared, err := repo.TransitionFlag(ctx, domain.Transition{
			FlagID: res.Flag.ID, From: domain.FlagUnderReKYC, To: domain.FlagCleared, OperatorID: "op-1", At: now.Add(4 * time.Hour),
		})
		if err != nil {
			t.Fatalf("TransitionFlag failed: %v", err)
		}
		if cleared.Status != domain.FlagCleared {
			t.Errorf("expected CLEARED, got %s", cleared.Status)
		}
	})

	t.Run("ApproveClearsFlag", func(t *testing.T) {
		repo := newTestRepo(t)
		res := newFlag(t, repo, "sub-005", domain.FlagUnderReKYC)

		approved, flag, err := repo.ResolveReKYCRequest(ctx, res.ReKYC.ID, true, "op-3", now.Add(time.Hour))
		if err != nil {
			t.Fatalf("ResolveReKYCRequest failed: %v", err)
		}
		if approved.Status != domain.ReKYCApproved || approved.ResolvedBy != "op-3" {
			t.Errorf("unexpected request %+v", approved)
		}
		if flag.Status != domain.FlagCleared {
			t.Errorf("expected flag CLEARED, got %s", flag.Status)
		}
	})

	t.Run("ManualFlag", func(t *testing.T) {
		repo := newTestRepo(t)

		flag, err := repo.CreateManualFlag(ctx, domain.NewFlag{
			SubjectID: "sub-006", Reason: "chargeback pattern", CreatedBy: "op-1", At: now,
		})
		if err != nil {
			t.Fatalf("CreateManualFlag failed: %v", err)
		}
		if flag.RiskScore != nil || flag.FlagType != ManualFlagType || flag.Status != domain.FlagFlagged {
			t.Errorf("unexpected manual flag %+v", flag)
		}

		_, err = repo.CreateManualFlag(ctx, domain.NewFlag{SubjectID: "sub-006", Reason: "dup", CreatedBy: "op-1"})
		if !errors.Is(err, domain.ErrActiveFlagExists) {
			t.Errorf("expected ErrActiveFlagExists, got: %v", err)
		}

		stored, err := repo.GetFlag(ctx, flag.ID)
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if stored.RiskScore != nil {
			t.Errorf("expected nil score, got %d", *stored.RiskScore)
		}
	})

	t.Run("ListFlagsRejectsUnknownStatus", func(t *testing.T) {
		repo := newTestRepo(t)

		_, err := repo.ListFlags(ctx, domain.FlagFilter{Status: "PAUSED"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})
}
