package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/persistence"
	"github.com/basket/swarmstore/internal/shared"
)

func TestStore_SaveEventIdempotentReplay(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	input := persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueRaised,
		Scope:          "auth",
		IdempotencyKey: "issue-42",
		Payload:        `{"msg":"first"}`,
	}
	first, err := store.SaveEvent(ctx, input)
	if err != nil {
		t.Fatalf("save event: %v", err)
	}
	if first.Idempotent {
		t.Fatal("first append must not report idempotent")
	}

	// A retry with a different payload returns the original row untouched.
	input.Payload = `{"msg":"retry"}`
	second, err := store.SaveEvent(ctx, input)
	if err != nil {
		t.Fatalf("replay event: %v", err)
	}
	if !second.Idempotent {
		t.Fatal("replay must report idempotent")
	}
	if second.Event.ID != first.Event.ID {
		t.Fatalf("replay returned a different row: %d vs %d", second.Event.ID, first.Event.ID)
	}
	if second.Event.Payload != `{"msg":"first"}` {
		t.Fatalf("original payload must win, got %s", second.Event.Payload)
	}

	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM events;`).Scan(&rows); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 event row, got %d", rows)
	}
}

func TestStore_ReplayPublishesFlaggedBusEvent(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "swarmstore.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	sessionID := createTestSession(t, store)

	sub := eventBus.Subscribe(bus.TopicEventAppended)
	defer eventBus.Unsubscribe(sub)

	input := persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueRaised,
		Scope:          "auth",
		IdempotencyKey: "issue-7",
		Payload:        `{}`,
	}
	if _, err := store.SaveEvent(ctx, input); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if _, err := store.SaveEvent(ctx, input); err != nil {
		t.Fatalf("replay event: %v", err)
	}

	// Both the append and the deduplicated replay reach subscribers, the
	// replay flagged.
	wantIdempotent := []bool{false, true}
	for i, want := range wantIdempotent {
		select {
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.EventAppendedEvent)
			if !ok {
				t.Fatalf("publish %d: unexpected payload type %T", i, ev.Payload)
			}
			if payload.Idempotent != want {
				t.Fatalf("publish %d: idempotent = %v, want %v", i, payload.Idempotent, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("publish %d: no bus event", i)
		}
	}
}

func TestStore_SaveEventKeyIsScopedPerCategoryAndScope(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	base := persistence.EventInput{
		SessionID:      sessionID,
		IdempotencyKey: "shared-key",
		Payload:        `{}`,
	}
	variants := []persistence.EventInput{
		{SessionID: base.SessionID, Category: persistence.CategoryIssueRaised, Scope: "auth", IdempotencyKey: base.IdempotencyKey, Payload: base.Payload},
		{SessionID: base.SessionID, Category: persistence.CategoryIssueRaised, Scope: "api", IdempotencyKey: base.IdempotencyKey, Payload: base.Payload},
		{SessionID: base.SessionID, Category: persistence.CategoryIssueResolved, Scope: "auth", IdempotencyKey: base.IdempotencyKey, Payload: base.Payload},
		{SessionID: base.SessionID, Category: persistence.CategoryIssueRaised, Scope: "", IdempotencyKey: base.IdempotencyKey, Payload: base.Payload},
	}
	for i, input := range variants {
		result, err := store.SaveEvent(ctx, input)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if result.Idempotent {
			t.Fatalf("variant %d wrongly deduplicated", i)
		}
	}
}

func TestStore_SaveEventConcurrentSameKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	const writers = 8
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := store.SaveEvent(ctx, persistence.EventInput{
				SessionID:      sessionID,
				Category:       persistence.CategoryIssueRaised,
				Scope:          "auth",
				IdempotencyKey: "contended-key",
				Payload:        fmt.Sprintf(`{"writer":%d}`, i),
			})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = result.Event.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	for i := 1; i < writers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("writers observed different rows: %v", ids)
		}
	}
	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM events;`).Scan(&rows); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly 1 row after contention, got %d", rows)
	}
}

func TestStore_SaveEventCarriesTraceContext(t *testing.T) {
	store, _ := openTestStore(t)
	sessionID := createTestSession(t, store)

	ctx := shared.WithTraceID(context.Background(), "trace-123")
	ctx = shared.WithRunID(ctx, "run-456")

	result, err := store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueRaised,
		Scope:          "auth",
		IdempotencyKey: "traced",
	})
	if err != nil {
		t.Fatalf("save event: %v", err)
	}
	if result.Event.TraceID != "trace-123" || result.Event.RunID != "run-456" {
		t.Fatalf("trace context not persisted: %+v", result.Event)
	}
}

func TestStore_SaveEventValidation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	cases := []persistence.EventInput{
		{SessionID: sessionID, Category: "", Scope: "auth", IdempotencyKey: "k"},
		{SessionID: sessionID, Category: persistence.CategoryIssueRaised, Scope: "bad scope", IdempotencyKey: "k"},
		{SessionID: sessionID, Category: persistence.CategoryIssueRaised, Scope: "auth", IdempotencyKey: ""},
		{SessionID: sessionID, Category: persistence.CategoryIssueRaised, Scope: "auth", IdempotencyKey: "k", Payload: "not json"},
	}
	for i, input := range cases {
		if _, err := store.SaveEvent(ctx, input); !persistence.IsValidation(err) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}

	if _, err := store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      "missing",
		Category:       persistence.CategoryIssueRaised,
		IdempotencyKey: "k",
	}); !persistence.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStore_GetEventsFiltersAndOrders(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	for i := 0; i < 3; i++ {
		if _, err := store.SaveEvent(ctx, persistence.EventInput{
			SessionID:      sessionID,
			Category:       persistence.CategoryIssueRaised,
			Scope:          "auth",
			IdempotencyKey: fmt.Sprintf("issue-%d", i),
		}); err != nil {
			t.Fatalf("save event %d: %v", i, err)
		}
	}
	if _, err := store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueResolved,
		Scope:          "api",
		IdempotencyKey: "fix-1",
	}); err != nil {
		t.Fatalf("save resolved event: %v", err)
	}

	all, err := store.GetEvents(ctx, sessionID, persistence.EventFilter{})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	// Newest first.
	if all[0].IdempotencyKey != "fix-1" {
		t.Fatalf("expected newest event first, got %q", all[0].IdempotencyKey)
	}

	raised, err := store.GetEvents(ctx, sessionID, persistence.EventFilter{Category: persistence.CategoryIssueRaised, Scope: "auth"})
	if err != nil {
		t.Fatalf("get filtered: %v", err)
	}
	if len(raised) != 3 {
		t.Fatalf("expected 3 filtered events, got %d", len(raised))
	}

	limited, err := store.GetEvents(ctx, sessionID, persistence.EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("get limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events with limit, got %d", len(limited))
	}
}

func TestStore_CountEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sessionID := createTestSession(t, store)

	for i := 0; i < 2; i++ {
		if _, err := store.SaveEvent(ctx, persistence.EventInput{
			SessionID:      sessionID,
			Category:       persistence.CategoryIssueRaised,
			Scope:          "auth",
			IdempotencyKey: fmt.Sprintf("issue-%d", i),
		}); err != nil {
			t.Fatalf("save event %d: %v", i, err)
		}
	}

	n, err := store.CountEvents(ctx, sessionID, persistence.CategoryIssueRaised, "auth")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	n, err = store.CountEvents(ctx, sessionID, persistence.CategoryIssueRaised, "api")
	if err != nil {
		t.Fatalf("count other scope: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
