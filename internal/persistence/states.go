package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/validate"
)

// StateTypeInvestigation is the state type used by the investigation loop
// controller. Investigation state is always group-scoped.
const StateTypeInvestigation = "investigation"

// StateSnapshot is the latest saved state for one (session, type, scope) key.
type StateSnapshot struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	StateType string    `json:"state_type"`
	Scope     string    `json:"scope"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateResult echoes the saved snapshot back to the caller. Created is false
// when the write replaced an existing snapshot for the same key.
type StateResult struct {
	Snapshot StateSnapshot `json:"snapshot"`
	Created  bool          `json:"created"`
}

// SaveState upserts a state snapshot. An empty scope means the session-wide
// "global" scope; a later save with the same key replaces the payload in
// place rather than adding a row.
func (s *Store) SaveState(ctx context.Context, sessionID, stateType, scope, payload string) (*StateResult, error) {
	stateType, err := validate.StateType(stateType)
	if err != nil {
		return nil, validationErr("state_type", err)
	}
	if stateType == StateTypeInvestigation {
		scope, err = validate.ScopeGroupOnly(scope)
	} else {
		scope, err = validate.ScopeGlobalOrGroup(scope)
	}
	if err != nil {
		return nil, validationErr("scope", err)
	}
	if !json.Valid([]byte(payload)) {
		return nil, &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var created bool
	err = retryOnBusy(ctx, 5, func() error {
		var exists int
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM state_snapshots
			WHERE session_id = ? AND state_type = ? AND scope = ?;
		`, sessionID, stateType, scope).Scan(&exists); err != nil {
			return fmt.Errorf("check state key: %w", err)
		}
		created = exists == 0
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO state_snapshots (session_id, state_type, scope, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT (session_id, state_type, scope) DO UPDATE SET
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP;
		`, sessionID, stateType, scope, payload)
		if err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snapshot, err := s.GetLatestState(ctx, sessionID, stateType, scope)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicStateSaved, bus.StateSavedEvent{
		SessionID: sessionID,
		StateType: stateType,
		Scope:     scope,
		Created:   created,
	})
	return &StateResult{Snapshot: *snapshot, Created: created}, nil
}

// GetLatestState returns the snapshot for one key or a NotFoundError. An
// empty scope reads the global scope.
func (s *Store) GetLatestState(ctx context.Context, sessionID, stateType, scope string) (*StateSnapshot, error) {
	stateType, err := validate.StateType(stateType)
	if err != nil {
		return nil, validationErr("state_type", err)
	}
	scope, err = validate.ScopeGlobalOrGroup(scope)
	if err != nil {
		return nil, validationErr("scope", err)
	}
	var snap StateSnapshot
	err = s.db.QueryRowContext(ctx, `
		SELECT id, session_id, state_type, scope, payload, created_at, updated_at
		FROM state_snapshots
		WHERE session_id = ? AND state_type = ? AND scope = ?;
	`, sessionID, stateType, scope).Scan(
		&snap.ID,
		&snap.SessionID,
		&snap.StateType,
		&snap.Scope,
		&snap.Payload,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "state", ID: sessionID + "/" + stateType + "/" + scope}
	}
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	return &snap, nil
}

// ListStates returns all snapshots of a session, optionally filtered by
// state type.
func (s *Store) ListStates(ctx context.Context, sessionID, stateType string) ([]StateSnapshot, error) {
	query := `
		SELECT id, session_id, state_type, scope, payload, created_at, updated_at
		FROM state_snapshots
		WHERE session_id = ?`
	args := []any{sessionID}
	if stateType != "" {
		st, err := validate.StateType(stateType)
		if err != nil {
			return nil, validationErr("state_type", err)
		}
		query += ` AND state_type = ?`
		args = append(args, st)
	}
	query += ` ORDER BY state_type ASC, scope ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var out []StateSnapshot
	for rows.Next() {
		var snap StateSnapshot
		if err := rows.Scan(
			&snap.ID,
			&snap.SessionID,
			&snap.StateType,
			&snap.Scope,
			&snap.Payload,
			&snap.CreatedAt,
			&snap.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state rows: %w", err)
	}
	return out, nil
}
