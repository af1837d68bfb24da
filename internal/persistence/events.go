package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/shared"
	"github.com/basket/swarmstore/internal/validate"
)

// Event categories written by the store itself and by the review and
// investigation layers. Callers may also use their own categories as long as
// they pass validation.
const (
	CategoryIssueRaised            = "issue_raised"
	CategoryIssueResolved          = "issue_resolved"
	CategoryIssueAccepted          = "issue_accepted"
	CategoryCounterAdjustment      = "counter_adjustment"
	CategoryReviewViolation        = "review_violation"
	CategoryReviewCompleted        = "review_completed"
	CategoryInvestigationIteration = "investigation_iteration"
)

// Event is one append-only log entry. Events are immutable once written;
// replays of the same idempotency key return the original row.
type Event struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Category       string    `json:"category"`
	Scope          string    `json:"scope"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        string    `json:"payload"`
	TraceID        string    `json:"trace_id,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventInput is the caller-supplied portion of an event.
type EventInput struct {
	SessionID      string
	Category       string
	Scope          string
	IdempotencyKey string
	Payload        string
}

// EventResult reports the appended (or replayed) event. Idempotent is true
// when the key had already been written and the original row was returned.
type EventResult struct {
	Event      Event `json:"event"`
	Idempotent bool  `json:"idempotent"`
}

// EventFilter narrows GetEvents. Zero values mean no filter.
type EventFilter struct {
	Category string
	Scope    string
	Limit    int
}

// SaveEvent appends an event. The write is a single INSERT; a UNIQUE
// violation on (session, category, scope, idempotency_key) means the event
// was already recorded, and the original row wins regardless of payload.
func (s *Store) SaveEvent(ctx context.Context, input EventInput) (*EventResult, error) {
	category, err := validate.EventCategory(input.Category)
	if err != nil {
		return nil, validationErr("category", err)
	}
	scope, err := validate.ScopeGlobalOrGroup(input.Scope)
	if err != nil {
		return nil, validationErr("scope", err)
	}
	if input.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if input.Payload == "" {
		input.Payload = "{}"
	}
	if !json.Valid([]byte(input.Payload)) {
		return nil, &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if _, err := s.GetSession(ctx, input.SessionID); err != nil {
		return nil, err
	}

	traceID := shared.TraceID(ctx)
	runID := shared.RunID(ctx)

	var idempotent bool
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, category, scope, idempotency_key, payload, trace_id, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, input.SessionID, category, scope, input.IdempotencyKey, input.Payload, traceID, runID)
		if isUniqueViolation(err) {
			idempotent = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	event, err := s.getEventByKey(ctx, input.SessionID, category, scope, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	// Replays publish too, flagged, so subscribers can count deduplicated
	// appends.
	s.publish(bus.TopicEventAppended, bus.EventAppendedEvent{
		SessionID:  input.SessionID,
		Category:   category,
		Scope:      scope,
		EventID:    event.ID,
		Idempotent: idempotent,
	})
	return &EventResult{Event: *event, Idempotent: idempotent}, nil
}

func (s *Store) getEventByKey(ctx context.Context, sessionID, category, scope, key string) (*Event, error) {
	var e Event
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, session_id, category, scope, idempotency_key, payload, COALESCE(trace_id, ''), COALESCE(run_id, ''), created_at
		FROM events
		WHERE session_id = ? AND category = ? AND scope = ? AND idempotency_key = ?;
	`, sessionID, category, scope, key).Scan(
		&e.ID,
		&e.SessionID,
		&e.Category,
		&e.Scope,
		&e.IdempotencyKey,
		&e.Payload,
		&e.TraceID,
		&e.RunID,
		&e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "event", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("select event: %w", err)
	}
	return &e, nil
}

// GetEvents returns a session's events newest-first, optionally filtered by
// category and scope.
func (s *Store) GetEvents(ctx context.Context, sessionID string, filter EventFilter) ([]Event, error) {
	query := `
		SELECT event_id, session_id, category, scope, idempotency_key, payload, COALESCE(trace_id, ''), COALESCE(run_id, ''), created_at
		FROM events
		WHERE session_id = ?`
	args := []any{sessionID}
	if filter.Category != "" {
		category, err := validate.EventCategory(filter.Category)
		if err != nil {
			return nil, validationErr("category", err)
		}
		query += ` AND category = ?`
		args = append(args, category)
	}
	if filter.Scope != "" {
		scope, err := validate.ScopeGlobalOrGroup(filter.Scope)
		if err != nil {
			return nil, validationErr("scope", err)
		}
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query += ` ORDER BY created_at DESC, event_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.Category,
			&e.Scope,
			&e.IdempotencyKey,
			&e.Payload,
			&e.TraceID,
			&e.RunID,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// CountEvents counts a session's events in one category and scope. The
// review tracker derives blocking-issue counts this way instead of trusting
// caller-supplied numbers.
func (s *Store) CountEvents(ctx context.Context, sessionID, category, scope string) (int, error) {
	category, err := validate.EventCategory(category)
	if err != nil {
		return 0, validationErr("category", err)
	}
	scope, err = validate.ScopeGlobalOrGroup(scope)
	if err != nil {
		return 0, validationErr("scope", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events
		WHERE session_id = ? AND category = ? AND scope = ?;
	`, sessionID, category, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
