package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/swarmstore/internal/audit"
	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/validate"
)

// GroupStatus is the lifecycle status of a task group.
type GroupStatus string

const (
	GroupStatusPending    GroupStatus = "pending"
	GroupStatusPlanned    GroupStatus = "planned"
	GroupStatusInProgress GroupStatus = "in_progress"
	GroupStatusCompleted  GroupStatus = "completed"
	GroupStatusFailed     GroupStatus = "failed"
)

// TaskGroup is one unit of parallel work within a session. Review counters
// ride on the group row so a single read serves the review tracker.
type TaskGroup struct {
	SessionID           string      `json:"session_id"`
	GroupID             string      `json:"group_id"`
	Description         string      `json:"description,omitempty"`
	ItemCount           int         `json:"item_count"`
	CompletedCount      int         `json:"completed_count"`
	Status              GroupStatus `json:"status"`
	ReviewIteration     int         `json:"review_iteration"`
	NoProgressCount     int         `json:"no_progress_count"`
	BlockingIssuesCount int         `json:"blocking_issues_count"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// GroupUpdate is a partial update. Nil fields are left untouched.
type GroupUpdate struct {
	Description         *string
	ItemCount           *int
	CompletedCount      *int
	Status              *GroupStatus
	ReviewIteration     *int
	NoProgressCount     *int
	BlockingIssuesCount *int
}

// CreateTaskGroup registers a group under an existing session. Group IDs are
// caller-chosen and unique per session; reserved names are rejected.
func (s *Store) CreateTaskGroup(ctx context.Context, sessionID, groupID, description string, itemCount int) (*TaskGroup, error) {
	groupID, err := validate.TaskGroupID(groupID)
	if err != nil {
		return nil, validationErr("group_id", err)
	}
	if itemCount < 0 {
		return nil, &ValidationError{Field: "item_count", Reason: "must not be negative"}
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_groups (session_id, group_id, description, item_count, completed_count, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sessionID, groupID, description, itemCount, GroupStatusPending)
		if isUniqueViolation(err) {
			return &ConflictError{Kind: "task group", ID: groupID}
		}
		if err != nil {
			return fmt.Errorf("insert task group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	group, err := s.GetTaskGroup(ctx, sessionID, groupID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicGroupCreated, bus.GroupEvent{SessionID: sessionID, GroupID: groupID, Status: string(group.Status)})
	return group, nil
}

// GetTaskGroup returns the group or a NotFoundError.
func (s *Store) GetTaskGroup(ctx context.Context, sessionID, groupID string) (*TaskGroup, error) {
	var g TaskGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, group_id, description, item_count, completed_count, status,
			review_iteration, no_progress_count, blocking_issues_count, created_at, updated_at
		FROM task_groups
		WHERE session_id = ? AND group_id = ?;
	`, sessionID, groupID).Scan(
		&g.SessionID,
		&g.GroupID,
		&g.Description,
		&g.ItemCount,
		&g.CompletedCount,
		&g.Status,
		&g.ReviewIteration,
		&g.NoProgressCount,
		&g.BlockingIssuesCount,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "task group", ID: groupID}
	}
	if err != nil {
		return nil, fmt.Errorf("select task group: %w", err)
	}
	return &g, nil
}

// ListTaskGroups returns all groups of a session in creation order.
func (s *Store) ListTaskGroups(ctx context.Context, sessionID string) ([]TaskGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, group_id, description, item_count, completed_count, status,
			review_iteration, no_progress_count, blocking_issues_count, created_at, updated_at
		FROM task_groups
		WHERE session_id = ?
		ORDER BY created_at ASC, group_id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query task groups: %w", err)
	}
	defer rows.Close()

	var out []TaskGroup
	for rows.Next() {
		var g TaskGroup
		if err := rows.Scan(
			&g.SessionID,
			&g.GroupID,
			&g.Description,
			&g.ItemCount,
			&g.CompletedCount,
			&g.Status,
			&g.ReviewIteration,
			&g.NoProgressCount,
			&g.BlockingIssuesCount,
			&g.CreatedAt,
			&g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task group rows: %w", err)
	}
	return out, nil
}

// UpdateTaskGroup applies a partial update. Negative counter values are
// clamped to zero; every clamp leaves a counter_adjustment event and an
// audit record rather than failing the write.
func (s *Store) UpdateTaskGroup(ctx context.Context, sessionID, groupID string, update GroupUpdate) (*TaskGroup, error) {
	current, err := s.GetTaskGroup(ctx, sessionID, groupID)
	if err != nil {
		return nil, err
	}
	if update.Status != nil {
		switch *update.Status {
		case GroupStatusPending, GroupStatusPlanned, GroupStatusInProgress, GroupStatusCompleted, GroupStatusFailed:
		default:
			return nil, &ValidationError{Field: "group status", Reason: fmt.Sprintf("unknown status %q", *update.Status)}
		}
	}

	type counter struct {
		name  string
		value *int
	}
	var clamped []counter
	clamp := func(name string, v *int) *int {
		if v == nil || *v >= 0 {
			return v
		}
		zero := 0
		clamped = append(clamped, counter{name: name, value: v})
		return &zero
	}
	itemCount := clamp("item_count", update.ItemCount)
	completedCount := clamp("completed_count", update.CompletedCount)
	reviewIteration := clamp("review_iteration", update.ReviewIteration)
	noProgressCount := clamp("no_progress_count", update.NoProgressCount)
	blockingIssuesCount := clamp("blocking_issues_count", update.BlockingIssuesCount)

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE task_groups
			SET description = COALESCE(?, description),
				item_count = COALESCE(?, item_count),
				completed_count = COALESCE(?, completed_count),
				status = COALESCE(?, status),
				review_iteration = COALESCE(?, review_iteration),
				no_progress_count = COALESCE(?, no_progress_count),
				blocking_issues_count = COALESCE(?, blocking_issues_count),
				updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND group_id = ?;
		`, update.Description, itemCount, completedCount, statusParam(update.Status),
			reviewIteration, noProgressCount, blockingIssuesCount, sessionID, groupID)
		if err != nil {
			return fmt.Errorf("update task group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range clamped {
		reason := fmt.Sprintf("%s %d clamped to 0", c.name, *c.value)
		audit.Record("clamp", "group.counter_clamp", reason, sessionID+"/"+groupID)
		_, err := s.SaveEvent(ctx, EventInput{
			SessionID:      sessionID,
			Category:       CategoryCounterAdjustment,
			Scope:          groupID,
			IdempotencyKey: fmt.Sprintf("clamp-%s-%s-%d", groupID, c.name, time.Now().UnixNano()),
			Payload:        fmt.Sprintf(`{"counter":%q,"requested":%d,"applied":0}`, c.name, *c.value),
		})
		if err != nil {
			return nil, fmt.Errorf("record counter clamp: %w", err)
		}
	}

	updated, err := s.GetTaskGroup(ctx, sessionID, groupID)
	if err != nil {
		return nil, err
	}
	if updated.Status != current.Status || len(clamped) > 0 || update.ItemCount != nil || update.CompletedCount != nil {
		s.publish(bus.TopicGroupUpdated, bus.GroupEvent{SessionID: sessionID, GroupID: groupID, Status: string(updated.Status)})
	}
	return updated, nil
}

func statusParam(s *GroupStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
