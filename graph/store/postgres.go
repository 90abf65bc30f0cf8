package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL through a pgx connection pool.
//
// Timestamps use TIMESTAMPTZ and maps use JSONB. Deleting a workflow cascades
// through foreign keys, and lease claims are a single conditional UPDATE, so
// several workers can share one database safely.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   options
	mu     sync.RWMutex
	closed bool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		definition JSONB NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_scheduled BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		execution_inputs JSONB NOT NULL DEFAULT '{}',
		execution_outputs JSONB NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		executed_by TEXT NOT NULL DEFAULT '',
		scheduled_for TIMESTAMPTZ,
		claimed_by TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ
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
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		execution_inputs JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		logged_at TIMESTAMPTZ NOT NULL,
		log_level TEXT NOT NULL,
		message TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		step_name TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id, seq)`,
}

// NewPostgresStore connects with a pgx pool, pings the server and applies
// the schema. dsn is a postgres:// URL or key=value connection string.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgresStoreFromPool(ctx, pool, opts...)
}

// NewPostgresStoreFromPool wraps an existing pool. The store takes ownership
// and closes the pool on Close.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, opts: buildOptions(opts)}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
		}
	}
	return s, nil
}

func (s *PostgresStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func jsonb(m map[string]any) ([]byte, error) {
	str, err := marshalMap(m)
	if err != nil {
		return nil, err
	}
	return []byte(str), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pgScanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var def []byte
	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &def, &wf.IsActive, &wf.IsScheduled,
		&wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Definition = def
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	return &wf, nil
}

func pgScanExecution(row rowScanner) (*Execution, error) {
	var (
		e             Execution
		status        string
		input, output []byte
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &status, &e.StartedAt, &e.CompletedAt, &input, &output,
		&e.ErrorMessage, &e.ExecutedBy, &e.ScheduledFor, &e.ClaimedBy, &e.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.StartedAt = e.StartedAt.UTC()
	e.CompletedAt = utcPtr(e.CompletedAt)
	e.ScheduledFor = utcPtr(e.ScheduledFor)
	e.LeaseExpiresAt = utcPtr(e.LeaseExpiresAt)
	if e.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if e.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	return &e, nil
}

func pgScanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var inputs []byte
	err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.Name, &sc.Description, &sc.CronExpression,
		&sc.Timezone, &sc.IsActive, &inputs, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	if sc.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, err
	}
	return &sc, nil
}

func pgScanLog(row rowScanner) (*ExecutionLog, error) {
	var l ExecutionLog
	var level string
	var metadata []byte
	err := row.Scan(&l.ID, &l.ExecutionID, &l.Timestamp, &level, &l.Message, &l.StepID, &l.StepName, &metadata)
	if err != nil {
		return nil, err
	}
	l.Timestamp = l.Timestamp.UTC()
	l.Level = LogLevel(level)
	if l.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveWorkflow implements Store.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareWorkflow(wf, s.opts.now())
	def := []byte(wf.Definition)
	if len(def) == 0 {
		def = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			is_active = EXCLUDED.is_active,
			is_scheduled = EXCLUDED.is_scheduled,
			created_by = EXCLUDED.created_by,
			updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Name, wf.Description, def, wf.IsActive, wf.IsScheduled, wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	wf, err := pgScanWorkflow(s.pool.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow implements Store. Children go through ON DELETE CASCADE.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution implements Store.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareExecution(exec, s.opts.now())
	input, err := jsonb(exec.Input)
	if err != nil {
		return err
	}
	output, err := jsonb(exec.Output)
	if err != nil {
		return err
	}

	// INSERT ... SELECT so an unknown workflow inserts nothing.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 SELECT $1::text, id, $3::text, $4::timestamptz, $5::timestamptz, $6::jsonb, $7::jsonb,
		        $8::text, $9::text, $10::timestamptz, $11::text, $12::timestamptz
		 FROM workflows WHERE id = $2`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.StartedAt, exec.CompletedAt, input, output,
		exec.ErrorMessage, exec.ExecutedBy, exec.ScheduledFor, exec.ClaimedBy, exec.LeaseExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type pgQueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetExecution(ctx context.Context, q pgQueryRower, id string) (*Execution, error) {
	exec, err := pgScanExecution(q.QueryRow(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// GetExecution implements Store.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return pgGetExecution(ctx, s.pool, id)
}

// updateLive mirrors sqlStore.updateLive for pgx transactions.
func (s *PostgresStore) updateLive(ctx context.Context, id string, accept func(*Execution) error, query string, args ...any) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exec, err := pgGetExecution(ctx, tx, id)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return ErrTerminalStatus
		}
		if accept != nil {
			if err := accept(exec); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

// UpdateExecutionStatus implements Store.
func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, status Status) error {
	if err := checkTransition(StatusPending, status); err != nil {
		return err
	}
	var completed *time.Time
	if status.Terminal() {
		now := s.opts.now()
		completed = &now
	}
	return s.updateLive(ctx, id, transitionTo(status),
		"UPDATE executions SET status = $1, completed_at = $2 WHERE id = $3 AND status IN "+sourceStatuses(status),
		string(status), completed, id)
}

// FinishExecution implements Store.
func (s *PostgresStore) FinishExecution(ctx context.Context, id string, status Status, output map[string]any, errorMessage string) error {
	if err := checkTransition(StatusPending, status); err != nil {
		return err
	}
	out, err := jsonb(output)
	if err != nil {
		return err
	}
	return s.updateLive(ctx, id, transitionTo(status),
		`UPDATE executions SET status = $1, execution_outputs = $2, error_message = $3, completed_at = $4
		 WHERE id = $5 AND status IN `+sourceStatuses(status),
		string(status), out, errorMessage, s.opts.now(), id)
}

// CancelExecution implements Store.
func (s *PostgresStore) CancelExecution(ctx context.Context, id string) error {
	return s.UpdateExecutionStatus(ctx, id, StatusCancelled)
}

// ClaimExecution implements Store.
func (s *PostgresStore) ClaimExecution(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := s.opts.now()
	accept := func(exec *Execution) error {
		if exec.ClaimedBy == owner {
			return nil
		}
		return ErrAlreadyClaimed
	}
	return s.updateLive(ctx, id, accept,
		`UPDATE executions SET claimed_by = $1, lease_expires_at = $2
		 WHERE id = $3 AND status NOT IN `+terminalStatuses+`
		 AND (claimed_by = '' OR claimed_by = $1 OR lease_expires_at IS NULL OR lease_expires_at <= $4)`,
		owner, now.Add(ttl), id, now)
}

// ReleaseExecution implements Store.
func (s *PostgresStore) ReleaseExecution(ctx context.Context, id, owner string) error {
	if err := s.check(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE executions SET claimed_by = '', lease_expires_at = NULL WHERE id = $1 AND claimed_by = $2", id, owner)
	if err != nil {
		return fmt.Errorf("failed to release execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := pgGetExecution(ctx, s.pool, id); err != nil {
			return err
		}
	}
	return nil
}

// FindExecutionByInitiator implements Store.
func (s *PostgresStore) FindExecutionByInitiator(ctx context.Context, workflowID, executedBy string, from, to time.Time) (*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	exec, err := pgScanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE workflow_id = $1 AND executed_by = $2
		 AND COALESCE(scheduled_for, started_at) >= $3 AND COALESCE(scheduled_for, started_at) < $4
		 LIMIT 1`,
		workflowID, executedBy, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return exec, nil
}

// ListExecutions implements Store.
func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := "SELECT " + executionColumns + " FROM executions WHERE workflow_id = $1 ORDER BY started_at DESC"
	args := []any{workflowID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := pgScanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteExecutionsBefore implements Store. Logs go through ON DELETE CASCADE.
func (s *PostgresStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM executions WHERE status IN `+terminalStatuses+`
		 AND completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveSchedule implements Store.
func (s *PostgresStore) SaveSchedule(ctx context.Context, sc *Schedule) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.GetWorkflow(ctx, sc.WorkflowID); err != nil {
		return err
	}
	prepareSchedule(sc, s.opts.now())
	inputs, err := jsonb(sc.Inputs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			is_active = EXCLUDED.is_active,
			execution_inputs = EXCLUDED.execution_inputs,
			updated_at = EXCLUDED.updated_at`,
		sc.ID, sc.WorkflowID, sc.Name, sc.Description, sc.CronExpression, sc.Timezone, sc.IsActive,
		inputs, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// GetSchedule implements Store.
func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sc, err := pgScanSchedule(s.pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return sc, nil
}

// ListActiveSchedules implements Store.
func (s *PostgresStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.workflow_id, s.name, s.description, s.cron_expression, s.timezone, s.is_active,
		        s.execution_inputs, s.created_at, s.updated_at
		 FROM schedules s JOIN workflows w ON w.id = s.workflow_id
		 WHERE s.is_active AND w.is_active
		 ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := pgScanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AppendLog implements Store.
func (s *PostgresStore) AppendLog(ctx context.Context, rec *ExecutionLog) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareLog(rec, s.opts.now())
	metadata, err := jsonb(rec.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO execution_logs (`+logColumns+`)
		 SELECT $1::text, id, $3::timestamptz, $4::text, $5::text, $6::text, $7::text, $8::jsonb
		 FROM executions WHERE id = $2`,
		rec.ID, rec.ExecutionID, rec.Timestamp, string(rec.Level), rec.Message, rec.StepID, rec.StepName, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLogs implements Store.
func (s *PostgresStore) ListLogs(ctx context.Context, executionID string, limit int) ([]*ExecutionLog, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := "SELECT " + logColumns + " FROM execution_logs WHERE execution_id = $1 ORDER BY seq"
	args := []any{executionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		l, err := pgScanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.pool.Close()
	}
	return nil
}
