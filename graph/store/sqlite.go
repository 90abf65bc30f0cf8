package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single-file SQLite database.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local runs that should survive restarts
//
// The store runs in WAL mode with foreign keys enabled and a 5s busy timeout.
// It keeps exactly one open connection, so SQLite's single writer is never
// contended from inside the process.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./stepflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" for a throwaway database in tests.
type SQLiteStore struct {
	sqlStore
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_scheduled INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			execution_inputs TEXT NOT NULL DEFAULT '{}',
			execution_outputs TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			executed_by TEXT NOT NULL DEFAULT '',
			scheduled_for INTEGER,
			claimed_by TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_initiator ON executions(workflow_id, executed_by)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			is_active INTEGER NOT NULL DEFAULT 1,
			execution_inputs TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			logged_at INTEGER NOT NULL,
			log_level TEXT NOT NULL,
			message TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id, seq)`,
	},
	upsertWorkflow: `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			definition = excluded.definition,
			is_active = excluded.is_active,
			is_scheduled = excluded.is_scheduled,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at`,
	upsertSchedule: `INSERT INTO schedules (` + scheduleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			name = excluded.name,
			description = excluded.description,
			cron_expression = excluded.cron_expression,
			timezone = excluded.timezone,
			is_active = excluded.is_active,
			execution_inputs = excluded.execution_inputs,
			updated_at = excluded.updated_at`,
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{db: db, dialect: sqliteDialect, opts: buildOptions(opts)},
		path:     path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}
