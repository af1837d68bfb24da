package investigation_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/swarmstore/internal/investigation"
	"github.com/basket/swarmstore/internal/persistence"
)

func setupController(t *testing.T, iterationCap int) (*investigation.Controller, *persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "swarmstore.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	session, err := store.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateTaskGroup(ctx, session.ID, "auth", "", 3); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return investigation.NewController(store, nil, nil, iterationCap), store, session.ID
}

func twoHypotheses() []investigation.Hypothesis {
	return []investigation.Hypothesis{
		{ID: "h1", Description: "stale cache"},
		{ID: "h2", Description: "race in session teardown"},
	}
}

func TestController_StartRejectsEmptyHypotheses(t *testing.T) {
	ctrl, _, sessionID := setupController(t, 0)

	_, err := ctrl.Start(context.Background(), sessionID, "auth", nil)
	if !persistence.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestController_StartPersistsGroupScopedState(t *testing.T) {
	ctrl, store, sessionID := setupController(t, 0)
	ctx := context.Background()

	doc, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if doc.Iteration != 0 || doc.Status != investigation.StatusInProgress {
		t.Fatalf("unexpected initial doc: %+v", doc)
	}
	if doc.Cap != investigation.DefaultIterationCap {
		t.Fatalf("expected default cap %d, got %d", investigation.DefaultIterationCap, doc.Cap)
	}

	snap, err := store.GetLatestState(ctx, sessionID, persistence.StateTypeInvestigation, "auth")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if snap.Scope != "auth" {
		t.Fatalf("investigation state must be group-scoped, got %q", snap.Scope)
	}

	// A second start on a live investigation conflicts.
	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); !persistence.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestController_ConfirmedHypothesisEndsLoop(t *testing.T) {
	ctrl, _, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h2",
		Result:       investigation.HypothesisConfirmed,
		ProposedFix:  "serialize teardown behind the session lock",
	})
	if err != nil {
		t.Fatalf("record iteration: %v", err)
	}
	if doc.Status != investigation.StatusRootCauseFound {
		t.Fatalf("expected root_cause_found, got %q", doc.Status)
	}
	if doc.RootCause != "h2" || doc.ProposedFix == "" {
		t.Fatalf("confirmation must carry root cause and fix: %+v", doc)
	}

	// Terminal loops accept no further iterations.
	if _, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{HypothesisID: "h1"}); !persistence.IsConflict(err) {
		t.Fatalf("expected ConflictError after terminal, got %v", err)
	}
}

func TestController_AllEliminatedIsExhausted(t *testing.T) {
	ctrl, _, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h1", Result: investigation.HypothesisEliminated,
	})
	if err != nil {
		t.Fatalf("eliminate h1: %v", err)
	}
	if doc.Status != investigation.StatusInProgress {
		t.Fatalf("loop must continue with a pending hypothesis, got %q", doc.Status)
	}
	doc, err = ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h2", Result: investigation.HypothesisEliminated,
	})
	if err != nil {
		t.Fatalf("eliminate h2: %v", err)
	}
	if doc.Status != investigation.StatusExhausted {
		t.Fatalf("expected exhausted, got %q", doc.Status)
	}
}

func TestController_BlockedOnExternalDependency(t *testing.T) {
	ctrl, _, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h1",
		BlockedOn:    "staging database unreachable",
	})
	if err != nil {
		t.Fatalf("record blocked iteration: %v", err)
	}
	if doc.Status != investigation.StatusBlocked || doc.BlockedOn == "" {
		t.Fatalf("expected blocked with reason, got %+v", doc)
	}
}

func TestController_CapTripsIncompleteExactlyOnExceeding(t *testing.T) {
	const iterCap = 3
	ctrl, _, sessionID := setupController(t, iterCap)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Inconclusive iterations up to the cap stay in progress.
	for i := 1; i <= iterCap; i++ {
		doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
			HypothesisID: "h1", Result: "inconclusive",
		})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if doc.Iteration != i {
			t.Fatalf("expected iteration %d, got %d", i, doc.Iteration)
		}
		if doc.Status != investigation.StatusInProgress {
			t.Fatalf("iteration %d must stay in_progress, got %q", i, doc.Status)
		}
	}

	// The iteration that exceeds the cap trips to incomplete.
	doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h1", Result: "inconclusive",
	})
	if err != nil {
		t.Fatalf("cap-exceeding iteration: %v", err)
	}
	if doc.Status != investigation.StatusIncomplete {
		t.Fatalf("expected incomplete at iteration %d, got %q", doc.Iteration, doc.Status)
	}
}

func TestController_RestartAfterTerminalKeepsEventTrail(t *testing.T) {
	ctrl, store, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	doc, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h1",
		Result:       investigation.HypothesisConfirmed,
		ProposedFix:  "invalidate on write",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !doc.Status.Terminal() {
		t.Fatalf("expected terminal status, got %q", doc.Status)
	}

	// A fresh loop after a terminal one is a new run; its events must not be
	// swallowed as replays of the first loop's keys.
	second, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.Run != 2 || second.Iteration != 0 {
		t.Fatalf("expected run 2 iteration 0, got run %d iteration %d", second.Run, second.Iteration)
	}
	if _, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h1",
		Result:       investigation.HypothesisEliminated,
	}); err != nil {
		t.Fatalf("record in second run: %v", err)
	}

	// Two starts plus two iterations, all distinct rows.
	count, err := store.CountEvents(ctx, sessionID, persistence.CategoryInvestigationIteration, "auth")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 investigation events, got %d", count)
	}
}

func TestController_ResumeKeepsIterationCounter(t *testing.T) {
	ctrl, store, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
			HypothesisID: "h1", Result: "inconclusive",
		}); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}

	// A fresh controller (new process) resumes from the stored counter.
	restarted := investigation.NewController(store, nil, nil, 0)
	doc, err := restarted.Resume(ctx, sessionID, "auth")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if doc.Iteration != 2 {
		t.Fatalf("resume must keep the counter, got %d", doc.Iteration)
	}

	doc, err = restarted.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{
		HypothesisID: "h2", Result: "inconclusive",
	})
	if err != nil {
		t.Fatalf("post-resume iteration: %v", err)
	}
	if doc.Iteration != 3 {
		t.Fatalf("expected iteration 3 after resume, got %d", doc.Iteration)
	}
}

func TestController_UnknownHypothesisRejected(t *testing.T) {
	ctrl, _, sessionID := setupController(t, 0)
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, sessionID, "auth", twoHypotheses()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ctrl.RecordIteration(ctx, sessionID, "auth", investigation.Outcome{HypothesisID: "h9"}); !persistence.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
