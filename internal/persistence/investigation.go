package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/shared"
	"github.com/basket/swarmstore/internal/validate"
)

// SaveInvestigationIteration writes an investigation state snapshot and its
// iteration event in one transaction: either both land or neither does. The
// investigation controller uses this so a crash between the two writes can
// never leave the state and the log disagreeing about the iteration count.
func (s *Store) SaveInvestigationIteration(ctx context.Context, sessionID, groupID, statePayload string, event EventInput) (*StateResult, *EventResult, error) {
	groupID, err := validate.ScopeGroupOnly(groupID)
	if err != nil {
		return nil, nil, validationErr("group_id", err)
	}
	if !json.Valid([]byte(statePayload)) {
		return nil, nil, &ValidationError{Field: "state payload", Reason: "must be valid JSON"}
	}
	category, err := validate.EventCategory(event.Category)
	if err != nil {
		return nil, nil, validationErr("category", err)
	}
	if event.IdempotencyKey == "" {
		return nil, nil, &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if event.Payload == "" {
		event.Payload = "{}"
	}
	if !json.Valid([]byte(event.Payload)) {
		return nil, nil, &ValidationError{Field: "event payload", Reason: "must be valid JSON"}
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	traceID := shared.TraceID(ctx)
	runID := shared.RunID(ctx)

	var stateCreated bool
	var eventIdempotent bool
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin investigation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM state_snapshots
			WHERE session_id = ? AND state_type = ? AND scope = ?;
		`, sessionID, StateTypeInvestigation, groupID).Scan(&exists); err != nil {
			return fmt.Errorf("check investigation state: %w", err)
		}
		stateCreated = exists == 0

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_snapshots (session_id, state_type, scope, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT (session_id, state_type, scope) DO UPDATE SET
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP;
		`, sessionID, StateTypeInvestigation, groupID, statePayload); err != nil {
			return fmt.Errorf("upsert investigation state: %w", err)
		}

		eventIdempotent = false
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (session_id, category, scope, idempotency_key, payload, trace_id, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, category, groupID, event.IdempotencyKey, event.Payload, traceID, runID)
		if isUniqueViolation(err) {
			eventIdempotent = true
		} else if err != nil {
			return fmt.Errorf("insert investigation event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}

	snapshot, err := s.GetLatestState(ctx, sessionID, StateTypeInvestigation, groupID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := s.getEventByKey(ctx, sessionID, category, groupID, event.IdempotencyKey)
	if err != nil {
		return nil, nil, err
	}

	s.publish(bus.TopicStateSaved, bus.StateSavedEvent{
		SessionID: sessionID,
		StateType: StateTypeInvestigation,
		Scope:     groupID,
		Created:   stateCreated,
	})
	s.publish(bus.TopicEventAppended, bus.EventAppendedEvent{
		SessionID:  sessionID,
		Category:   category,
		Scope:      groupID,
		EventID:    stored.ID,
		Idempotent: eventIdempotent,
	})
	return &StateResult{Snapshot: *snapshot, Created: stateCreated},
		&EventResult{Event: *stored, Idempotent: eventIdempotent},
		nil
}
