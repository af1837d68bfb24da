package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/google/uuid"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is one top-level orchestration run. Sessions are never deleted
// except by explicit purge; completion only flips status and timestamps.
type Session struct {
	ID                 string        `json:"id"`
	StartingCheckpoint string        `json:"starting_checkpoint"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// CreateSession registers a new session starting from the given checkpoint
// (branch, commit, or other caller-defined reference) and returns it.
func (s *Store) CreateSession(ctx context.Context, startingCheckpoint string) (*Session, error) {
	sessionID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, starting_checkpoint, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sessionID, startingCheckpoint, SessionStatusActive)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: sessionID, Status: string(SessionStatusActive)})
	return session, nil
}

// GetSession returns the session or a NotFoundError.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, starting_checkpoint, status, created_at, completed_at, updated_at
		FROM sessions
		WHERE id = ?;
	`, sessionID).Scan(
		&session.ID,
		&session.StartingCheckpoint,
		&session.Status,
		&session.CreatedAt,
		&completedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		session.CompletedAt = &t
	}
	return &session, nil
}

// UpdateSessionStatus moves a session to the given lifecycle status. Terminal
// statuses set completed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	switch status {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusFailed:
	default:
		return &ValidationError{Field: "session status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?,
				completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, status, sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("session status rows affected: %w", err)
		}
		if affected == 0 {
			return &NotFoundError{Kind: "session", ID: sessionID}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicSessionStatus, bus.SessionEvent{SessionID: sessionID, Status: string(status)})
	return nil
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, starting_checkpoint, status, created_at, completed_at, updated_at
		FROM sessions
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var session Session
		var completedAt sql.NullTime
		if err := rows.Scan(
			&session.ID,
			&session.StartingCheckpoint,
			&session.Status,
			&session.CreatedAt,
			&completedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			session.CompletedAt = &t
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// PurgeSession removes the session and everything keyed to it in one
// transaction. This is the only path that deletes state snapshots or events.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return &NotFoundError{Kind: "session", ID: sessionID}
		}

		for _, stmt := range []string{
			`DELETE FROM events WHERE session_id = ?;`,
			`DELETE FROM state_snapshots WHERE session_id = ?;`,
			`DELETE FROM task_groups WHERE session_id = ?;`,
			`DELETE FROM sessions WHERE id = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
				return fmt.Errorf("purge session: %w", err)
			}
		}
		return tx.Commit()
	})
}
