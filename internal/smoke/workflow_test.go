package smoke

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/investigation"
	"github.com/basket/swarmstore/internal/persistence"
	"github.com/basket/swarmstore/internal/review"
)

// TestWorkflow_FullCoordinationFlow drives one session through the whole
// surface: group registration, an investigation loop to root cause, a review
// cycle with issue flags, and finally session purge.
func TestWorkflow_FullCoordinationFlow(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := persistence.Open(filepath.Join(t.TempDir(), "swarmstore.db"), eventBus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	sess, err := store.CreateSession(ctx, "ckpt-041")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, g := range []string{"auth", "payments"} {
		if _, err := store.CreateTaskGroup(ctx, sess.ID, g, "", 3); err != nil {
			t.Fatalf("CreateTaskGroup(%s): %v", g, err)
		}
	}

	// Investigation on auth: one eliminated, one confirmed.
	ctrl := investigation.NewController(store, eventBus, logger, 5)
	_, err = ctrl.Start(ctx, sess.ID, "auth", []investigation.Hypothesis{
		{ID: "h1", Description: "token clock skew"},
		{ID: "h2", Description: "stale session cache"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := ctrl.RecordIteration(ctx, sess.ID, "auth", investigation.Outcome{
		HypothesisID: "h1", Result: "eliminated",
	}); err != nil {
		t.Fatalf("RecordIteration 1: %v", err)
	}
	doc, err := ctrl.RecordIteration(ctx, sess.ID, "auth", investigation.Outcome{
		HypothesisID: "h2", Result: "confirmed", ProposedFix: "invalidate cache on login",
	})
	if err != nil {
		t.Fatalf("RecordIteration 2: %v", err)
	}
	if doc.Status != investigation.StatusRootCauseFound {
		t.Fatalf("status = %q, want root_cause_found", doc.Status)
	}
	if doc.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", doc.Iteration)
	}

	// Review cycle on payments: two issues, one resolved, one review pass.
	tracker := review.NewTracker(store, eventBus, logger, 2)
	for _, issue := range []string{"pay-1", "pay-2"} {
		if _, err := tracker.FlagIssue(ctx, sess.ID, "payments", issue, "broken rounding"); err != nil {
			t.Fatalf("FlagIssue(%s): %v", issue, err)
		}
	}
	if _, err := tracker.ResolveIssue(ctx, sess.ID, "payments", "pay-1"); err != nil {
		t.Fatalf("ResolveIssue: %v", err)
	}
	result, err := tracker.RecordReview(ctx, sess.ID, "payments", 1)
	if err != nil {
		t.Fatalf("RecordReview: %v", err)
	}
	if result.BlockingIssues != 1 {
		t.Errorf("blocking = %d, want 1 (pay-2 still open)", result.BlockingIssues)
	}
	if result.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", result.Iteration)
	}

	// The group row carries the derived counters.
	group, err := store.GetTaskGroup(ctx, sess.ID, "payments")
	if err != nil {
		t.Fatalf("GetTaskGroup: %v", err)
	}
	// ReviewIteration already points at the next pass.
	if group.BlockingIssuesCount != 1 || group.ReviewIteration != 2 {
		t.Errorf("group counters = (%d blocking, iter %d), want (1, 2)",
			group.BlockingIssuesCount, group.ReviewIteration)
	}

	// Purge removes everything the session wrote.
	if err := store.PurgeSession(ctx, sess.ID); err != nil {
		t.Fatalf("PurgeSession: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !persistence.IsNotFound(err) {
		t.Errorf("GetSession after purge = %v, want NotFoundError", err)
	}
	if events, err := store.GetEvents(ctx, sess.ID, persistence.EventFilter{}); err != nil {
		t.Fatalf("GetEvents after purge: %v", err)
	} else if len(events) != 0 {
		t.Errorf("events after purge = %d, want 0", len(events))
	}
}

// TestWorkflow_EscalationSignal runs consecutive no-progress reviews and
// expects the escalation topic to fire without failing the group.
func TestWorkflow_EscalationSignal(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := persistence.Open(filepath.Join(t.TempDir(), "swarmstore.db"), eventBus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	sess, err := store.CreateSession(ctx, "ckpt-042")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateTaskGroup(ctx, sess.ID, "auth", "", 2); err != nil {
		t.Fatalf("CreateTaskGroup: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicReviewEscalation)
	defer eventBus.Unsubscribe(sub)

	tracker := review.NewTracker(store, eventBus, logger, 2)
	if _, err := tracker.FlagIssue(ctx, sess.ID, "auth", "a-1", "stuck"); err != nil {
		t.Fatalf("FlagIssue: %v", err)
	}

	var escalated bool
	for i := 0; i < 3; i++ {
		result, err := tracker.RecordReview(ctx, sess.ID, "auth", 0)
		if err != nil {
			t.Fatalf("RecordReview %d: %v", i, err)
		}
		escalated = escalated || result.Escalate
	}
	if !escalated {
		t.Fatal("no review pass signalled escalation")
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicReviewEscalation {
			t.Errorf("topic = %q, want %q", ev.Topic, bus.TopicReviewEscalation)
		}
	default:
		t.Fatal("no escalation signal on the bus")
	}

	// Escalation is advisory: the group must still be standing.
	group, err := store.GetTaskGroup(ctx, sess.ID, "auth")
	if err != nil {
		t.Fatalf("GetTaskGroup: %v", err)
	}
	if group.Status == persistence.GroupStatusFailed {
		t.Error("group was hard-failed by escalation; signal must be advisory")
	}
}
