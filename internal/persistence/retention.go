package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedSessions  int64 `json:"purged_sessions"`
}

// RunRetention deletes records older than the configured retention windows.
// Events and audit rows age out on their own cutoffs; terminal sessions
// older than sessionDays are purged along with everything keyed to them.
// The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditLogDays, sessionDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if sessionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sessionDays)
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM sessions
			WHERE status IN ('completed', 'failed') AND updated_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("find stale sessions: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return result, fmt.Errorf("scan stale session: %w", err)
			}
			stale = append(stale, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return result, fmt.Errorf("stale session rows: %w", err)
		}
		for _, id := range stale {
			if err := s.PurgeSession(ctx, id); err != nil {
				return result, fmt.Errorf("purge stale session %s: %w", id, err)
			}
			result.PurgedSessions++
		}
	}

	return result, nil
}
