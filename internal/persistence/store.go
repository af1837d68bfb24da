// Package persistence implements the coordination store shared by the
// orchestrator's short-lived worker processes: session and task-group
// registry, scoped state snapshots, and the idempotent append-only event
// log. One SQLite file, one serialized writer, WAL so readers never block.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/swarmstore/internal/audit"
	"github.com/basket/swarmstore/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger. Each version is one-way and idempotent when re-run
	// against an already-migrated store.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ss-v1-2026-06-02-base-tables"

	// v2 introduces the scope column on state_snapshots and events and the
	// scope-aware uniqueness constraints. Legacy rows are backfilled to
	// 'global'; pre-existing duplicates are quarantined before the
	// constraint exists.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ss-v2-2026-07-18-scoped-uniqueness"

	// v3 adds the review feedback-loop counters and the free-form group
	// description to task_groups.
	schemaVersionV3  = 3
	schemaChecksumV3 = "ss-v3-2026-08-09-review-counters"

	schemaVersionLatest = schemaVersionV3
)

var schemaChecksums = map[int]string{
	schemaVersionV1: schemaChecksumV1,
	schemaVersionV2: schemaChecksumV2,
	schemaVersionV3: schemaChecksumV3,
}

// MigrationStats reports what the startup migration had to repair.
type MigrationStats struct {
	FromVersion           int
	ToVersion             int
	DuplicateStateKeys    int
	DuplicatesQuarantined int
}

// Store is the single-file coordination store. All writes are short bounded
// transactions; cross-worker coordination happens through the uniqueness
// constraints, never through in-process locks.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus // may be nil in tests
	stats MigrationStats
}

// DefaultDBPath returns the store path under SWARMSTORE_HOME (or ~/.swarmstore).
func DefaultDBPath() string {
	if home := os.Getenv("SWARMSTORE_HOME"); home != "" {
		return filepath.Join(home, "swarmstore.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmstore", "swarmstore.db")
}

// Open opens (creating if needed) the store at path and migrates the schema.
// A store that cannot be safely migrated is fatal: Open returns a
// MigrationError and the process must not proceed.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, &MigrationError{Err: err}
	}
	return store, nil
}

// DB exposes the underlying handle for audit wiring and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns what the startup migration repaired.
func (s *Store) Stats() MigrationStats {
	return s.stats
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout. An error
// that is still busy after maxRetries surfaces as a TransientError so callers
// know it is safe to retry; everything else surfaces as-is.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return &TransientError{Err: err}
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Verify the ledger checksum for the version we are at (or upgrading from).
	if maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := schemaChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	s.stats = MigrationStats{FromVersion: maxVersion, ToVersion: schemaVersionLatest}

	if maxVersion == schemaVersionLatest {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Apply each pending version inside the single transaction: the upgrade
	// either fully succeeds or fully rolls back. A fresh store walks the
	// same path (v1 then v2 then v3) as a legacy one, so the backfill code
	// has exactly one shape.
	for version := maxVersion + 1; version <= schemaVersionLatest; version++ {
		switch version {
		case schemaVersionV1:
			err = s.applyV1Tx(ctx, tx)
		case schemaVersionV2:
			err = s.applyV2Tx(ctx, tx)
		case schemaVersionV3:
			err = s.applyV3Tx(ctx, tx)
		default:
			err = fmt.Errorf("no migration registered for version %d", version)
		}
		if err != nil {
			return fmt.Errorf("apply schema v%d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, version, schemaChecksums[version]); err != nil {
			return fmt.Errorf("insert schema migration ledger v%d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "schema.migration", fmt.Sprintf("schema migrated from v%d to v%d", maxVersion, schemaVersionLatest), "")
	if s.stats.DuplicatesQuarantined > 0 {
		audit.Record("allow", "schema.migration",
			fmt.Sprintf("%d duplicates quarantined across %d state keys", s.stats.DuplicatesQuarantined, s.stats.DuplicateStateKeys), "")
	}
	return nil
}

// applyV1Tx creates the base tables. state_snapshots and events carry no
// scope column here; that is v2's job.
func (s *Store) applyV1Tx(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			starting_checkpoint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'completed', 'failed')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_groups (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			group_id TEXT NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'planned', 'in_progress', 'completed', 'failed')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, group_id)
		);`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			state_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			category TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT,
			run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, category, idempotency_key)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// applyV2Tx introduces the scope dimension. Runs in three phases inside the
// caller's transaction:
//  1. detection: count rows that would violate the new scoped uniqueness
//     before it exists;
//  2. backfill and dedup: legacy rows get scope='global'; for each duplicate
//     (session, state_type) key the most recently timestamped row keeps the
//     global scope and the rest are quarantined under synthetic scopes;
//  3. rebuild: SQLite cannot add a UNIQUE constraint in place, so the
//     tables are rebuilt under a temp name and renamed.
func (s *Store) applyV2Tx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE state_snapshots ADD COLUMN scope TEXT;`); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add state_snapshots.scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE state_snapshots SET scope = 'global' WHERE scope IS NULL OR scope = '';`); err != nil {
		return fmt.Errorf("backfill state_snapshots.scope: %w", err)
	}

	var dupKeys, dupRows int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(n - 1), 0)
		FROM (
			SELECT COUNT(1) AS n
			FROM state_snapshots
			GROUP BY session_id, state_type, scope
			HAVING COUNT(1) > 1
		);
	`).Scan(&dupKeys, &dupRows); err != nil {
		return fmt.Errorf("detect duplicate state keys: %w", err)
	}
	s.stats.DuplicateStateKeys = dupKeys
	s.stats.DuplicatesQuarantined = dupRows

	if dupRows > 0 {
		// Keep the most recently timestamped row per key (rowid breaks
		// ties); quarantine the rest under a synthetic non-colliding scope.
		if _, err := tx.ExecContext(ctx, `
			UPDATE state_snapshots
			SET scope = '_quarantined_' || id
			WHERE id NOT IN (
				SELECT id FROM (
					SELECT id,
						ROW_NUMBER() OVER (
							PARTITION BY session_id, state_type, scope
							ORDER BY updated_at DESC, id DESC
						) AS rn
					FROM state_snapshots
				) WHERE rn = 1
			);
		`); err != nil {
			return fmt.Errorf("quarantine duplicate state rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE _state_snapshots_v2 (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			state_type TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, state_type, scope)
		);
	`); err != nil {
		return fmt.Errorf("create _state_snapshots_v2: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _state_snapshots_v2 (id, session_id, state_type, scope, payload, created_at, updated_at)
		SELECT id, session_id, state_type, scope, payload, created_at, updated_at
		FROM state_snapshots;
	`); err != nil {
		return fmt.Errorf("copy state_snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE state_snapshots;`); err != nil {
		return fmt.Errorf("drop old state_snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE _state_snapshots_v2 RENAME TO state_snapshots;`); err != nil {
		return fmt.Errorf("rename _state_snapshots_v2: %w", err)
	}

	// Events: add scope, backfill, rebuild with the scoped idempotency key.
	// Widening the uniqueness key cannot create new violations, so no dedup
	// phase is needed here.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE events ADD COLUMN scope TEXT;`); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add events.scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET scope = 'global' WHERE scope IS NULL OR scope = '';`); err != nil {
		return fmt.Errorf("backfill events.scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE _events_v2 (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			category TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global',
			idempotency_key TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT,
			run_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, category, scope, idempotency_key)
		);
	`); err != nil {
		return fmt.Errorf("create _events_v2: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _events_v2 (event_id, session_id, category, scope, idempotency_key, payload, trace_id, run_id, created_at)
		SELECT event_id, session_id, category, scope, idempotency_key, payload, trace_id, run_id, created_at
		FROM events;
	`); err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE events;`); err != nil {
		return fmt.Errorf("drop old events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE _events_v2 RENAME TO events;`); err != nil {
		return fmt.Errorf("rename _events_v2: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_session_category ON events(session_id, category, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_scope ON events(session_id, scope, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_states_session_type ON state_snapshots(session_id, state_type);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}
	return nil
}

// applyV3Tx adds the review feedback-loop counters and the group description.
// Idempotent: "duplicate column name" means a prior partial upgrade already
// added it.
func (s *Store) applyV3Tx(ctx context.Context, tx *sql.Tx) error {
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE task_groups ADD COLUMN description TEXT NOT NULL DEFAULT '';`, desc: "task_groups.description"},
		{stmt: `ALTER TABLE task_groups ADD COLUMN review_iteration INTEGER NOT NULL DEFAULT 1;`, desc: "task_groups.review_iteration"},
		{stmt: `ALTER TABLE task_groups ADD COLUMN no_progress_count INTEGER NOT NULL DEFAULT 0;`, desc: "task_groups.no_progress_count"},
		{stmt: `ALTER TABLE task_groups ADD COLUMN blocking_issues_count INTEGER NOT NULL DEFAULT 0;`, desc: "task_groups.blocking_issues_count"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	return nil
}

// Backup writes an online snapshot of the store to destPath via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return &ValidationError{Field: "backup path", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return &ConflictError{Kind: "backup file", ID: destPath}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
