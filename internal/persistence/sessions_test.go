package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/swarmstore/internal/persistence"
)

func TestStore_CreateAndGetSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "main@abc123")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session id")
	}
	if session.Status != persistence.SessionStatusActive {
		t.Fatalf("expected active status, got %q", session.Status)
	}
	if session.StartingCheckpoint != "main@abc123" {
		t.Fatalf("unexpected checkpoint %q", session.StartingCheckpoint)
	}
	if session.CompletedAt != nil {
		t.Fatal("fresh session must not have completed_at")
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("expected %s, got %s", session.ID, got.ID)
	}
}

func TestStore_GetSessionNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.GetSession(context.Background(), "nope")
	if !persistence.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStore_UpdateSessionStatusSetsCompletedAt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.UpdateSessionStatus(ctx, session.ID, persistence.SessionStatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != persistence.SessionStatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal status must set completed_at")
	}

	if err := store.UpdateSessionStatus(ctx, session.ID, "paused"); !persistence.IsValidation(err) {
		t.Fatalf("expected ValidationError for unknown status, got %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "nope", persistence.SessionStatusFailed); !persistence.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStore_PurgeSessionRemovesEverything(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateTaskGroup(ctx, session.ID, "auth", "auth work", 3); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.SaveState(ctx, session.ID, "plan", "", `{"step":1}`); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      session.ID,
		Category:       persistence.CategoryIssueRaised,
		Scope:          "auth",
		IdempotencyKey: "issue-1",
		Payload:        `{"msg":"broken"}`,
	}); err != nil {
		t.Fatalf("save event: %v", err)
	}

	if err := store.PurgeSession(ctx, session.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if _, err := store.GetSession(ctx, session.ID); !persistence.IsNotFound(err) {
		t.Fatalf("expected session gone, got %v", err)
	}
	for _, table := range []string{"task_groups", "state_snapshots", "events"} {
		var n int
		if err := store.DB().QueryRow(`SELECT COUNT(1) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected %s empty after purge, got %d rows", table, n)
		}
	}

	if err := store.PurgeSession(ctx, session.ID); !persistence.IsNotFound(err) {
		t.Fatalf("expected NotFoundError on double purge, got %v", err)
	}
}
