package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// dialect carries the SQL that differs between database/sql backends.
// Everything else (DML with ? placeholders, scanning, transactions) is shared.
type dialect struct {
	name           string
	schema         []string
	upsertWorkflow string
	upsertSchedule string
}

// sqlStore implements Store on top of database/sql. SQLiteStore and
// MySQLStore embed it and only contribute connection setup and a dialect.
//
// Timestamps are stored as BIGINT unix milliseconds so both backends compare
// them the same way; maps are stored as JSON text.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	opts    options
	mu      sync.RWMutex
	closed  bool
}

const executionColumns = `id, workflow_id, status, started_at, completed_at, execution_inputs,
	execution_outputs, error_message, executed_by, scheduled_for, claimed_by, lease_expires_at`

const workflowColumns = `id, name, description, definition, is_active, is_scheduled, created_by,
	created_at, updated_at`

const scheduleColumns = `id, workflow_id, name, description, cron_expression, timezone, is_active,
	execution_inputs, created_at, updated_at`

const logColumns = `id, execution_id, logged_at, log_level, message, step_id, step_name, metadata`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf                Workflow
		def               string
		active, scheduled int
		created, updated  int64
	)
	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &def, &active, &scheduled, &wf.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	wf.Definition = []byte(def)
	wf.IsActive = active != 0
	wf.IsScheduled = scheduled != 0
	wf.CreatedAt = fromMillis(created)
	wf.UpdatedAt = fromMillis(updated)
	return &wf, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                       Execution
		status                  string
		started                 int64
		completed, sched, lease sql.NullInt64
		input, output           string
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &status, &started, &completed, &input, &output,
		&e.ErrorMessage, &e.ExecutedBy, &sched, &e.ClaimedBy, &lease)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.StartedAt = fromMillis(started)
	e.CompletedAt = fromNullMillis(completed)
	e.ScheduledFor = fromNullMillis(sched)
	e.LeaseExpiresAt = fromNullMillis(lease)
	if e.Input, err = unmarshalMap([]byte(input)); err != nil {
		return nil, err
	}
	if e.Output, err = unmarshalMap([]byte(output)); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sc               Schedule
		active           int
		inputs           string
		created, updated int64
	)
	err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.Name, &sc.Description, &sc.CronExpression,
		&sc.Timezone, &active, &inputs, &created, &updated)
	if err != nil {
		return nil, err
	}
	sc.IsActive = active != 0
	sc.CreatedAt = fromMillis(created)
	sc.UpdatedAt = fromMillis(updated)
	if sc.Inputs, err = unmarshalMap([]byte(inputs)); err != nil {
		return nil, err
	}
	return &sc, nil
}

func scanLog(row rowScanner) (*ExecutionLog, error) {
	var (
		l        ExecutionLog
		ts       int64
		level    string
		metadata string
	)
	err := row.Scan(&l.ID, &l.ExecutionID, &ts, &level, &l.Message, &l.StepID, &l.StepName, &metadata)
	if err != nil {
		return nil, err
	}
	l.Timestamp = fromMillis(ts)
	l.Level = LogLevel(level)
	if l.Metadata, err = unmarshalMap([]byte(metadata)); err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveWorkflow implements Store.
func (s *sqlStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareWorkflow(wf, s.opts.now())
	def := string(wf.Definition)
	if def == "" {
		def = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.dialect.upsertWorkflow,
		wf.ID, wf.Name, wf.Description, def, boolInt(wf.IsActive), boolInt(wf.IsScheduled),
		wf.CreatedBy, toMillis(wf.CreatedAt), toMillis(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow implements Store.
func (s *sqlStore) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		"DELETE FROM execution_logs WHERE execution_id IN (SELECT id FROM executions WHERE workflow_id = ?)",
		"DELETE FROM executions WHERE workflow_id = ?",
		"DELETE FROM schedules WHERE workflow_id = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete workflow children: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CreateExecution implements Store.
func (s *sqlStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareExecution(exec, s.opts.now())
	input, err := marshalMap(exec.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(exec.Output)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows WHERE id = ?", exec.WorkflowID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check workflow: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO executions ("+executionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		exec.ID, exec.WorkflowID, string(exec.Status), toMillis(exec.StartedAt), nullMillis(exec.CompletedAt),
		input, output, exec.ErrorMessage, exec.ExecutedBy, nullMillis(exec.ScheduledFor),
		exec.ClaimedBy, nullMillis(exec.LeaseExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return tx.Commit()
}

// GetExecution implements Store.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return getExecution(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getExecution(ctx context.Context, q queryRower, id string) (*Execution, error) {
	row := q.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// updateLive runs a conditional UPDATE against a non-terminal execution
// inside one transaction. When no row changed it re-reads the execution to
// tell a missing id from a terminal one. accept decides whether an unchanged
// live row still counts as success.
func (s *sqlStore) updateLive(ctx context.Context, id string, accept func(*Execution) error, query string, args ...any) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		exec, err := getExecution(ctx, tx, id)
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
	return tx.Commit()
}

// transitionTo accepts an unchanged live row only when moving it to status
// would not go backwards. An unknown target fails before the query runs.
func transitionTo(status Status) func(*Execution) error {
	return func(exec *Execution) error {
		return checkTransition(exec.Status, status)
	}
}

// UpdateExecutionStatus implements Store.
func (s *sqlStore) UpdateExecutionStatus(ctx context.Context, id string, status Status) error {
	if err := checkTransition(StatusPending, status); err != nil {
		return err
	}
	var completed sql.NullInt64
	if status.Terminal() {
		completed = sql.NullInt64{Int64: toMillis(s.opts.now()), Valid: true}
	}
	return s.updateLive(ctx, id, transitionTo(status),
		"UPDATE executions SET status = ?, completed_at = ? WHERE id = ? AND status IN "+sourceStatuses(status),
		string(status), completed, id)
}

// FinishExecution implements Store.
func (s *sqlStore) FinishExecution(ctx context.Context, id string, status Status, output map[string]any, errorMessage string) error {
	if err := checkTransition(StatusPending, status); err != nil {
		return err
	}
	out, err := marshalMap(output)
	if err != nil {
		return err
	}
	return s.updateLive(ctx, id, transitionTo(status),
		"UPDATE executions SET status = ?, execution_outputs = ?, error_message = ?, completed_at = ? WHERE id = ? AND status IN "+sourceStatuses(status),
		string(status), out, errorMessage, toMillis(s.opts.now()), id)
}

// CancelExecution implements Store.
func (s *sqlStore) CancelExecution(ctx context.Context, id string) error {
	return s.UpdateExecutionStatus(ctx, id, StatusCancelled)
}

// ClaimExecution implements Store.
func (s *sqlStore) ClaimExecution(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := s.opts.now()
	accept := func(exec *Execution) error {
		if exec.ClaimedBy == owner {
			return nil
		}
		return ErrAlreadyClaimed
	}
	return s.updateLive(ctx, id, accept,
		`UPDATE executions SET claimed_by = ?, lease_expires_at = ?
		 WHERE id = ? AND status NOT IN `+terminalStatuses+`
		 AND (claimed_by = '' OR claimed_by = ? OR lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		owner, toMillis(now.Add(ttl)), id, owner, toMillis(now))
}

// ReleaseExecution implements Store.
func (s *sqlStore) ReleaseExecution(ctx context.Context, id, owner string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET claimed_by = '', lease_expires_at = NULL WHERE id = ? AND claimed_by = ?", id, owner)
	if err != nil {
		return fmt.Errorf("failed to release execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getExecution(ctx, s.db, id); err != nil {
			return err
		}
	}
	return nil
}

// FindExecutionByInitiator implements Store.
func (s *sqlStore) FindExecutionByInitiator(ctx context.Context, workflowID, executedBy string, from, to time.Time) (*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE workflow_id = ? AND executed_by = ?
		 AND COALESCE(scheduled_for, started_at) >= ? AND COALESCE(scheduled_for, started_at) < ?
		 LIMIT 1`,
		workflowID, executedBy, toMillis(from), toMillis(to))
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return exec, nil
}

// ListExecutions implements Store.
func (s *sqlStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := "SELECT " + executionColumns + " FROM executions WHERE workflow_id = ? ORDER BY started_at DESC"
	args := []any{workflowID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteExecutionsBefore implements Store.
func (s *sqlStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	where := "status IN " + terminalStatuses + " AND completed_at IS NOT NULL AND completed_at < ?"
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM execution_logs WHERE execution_id IN (SELECT id FROM executions WHERE "+where+")",
		toMillis(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to delete execution logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM executions WHERE "+where, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return n, nil
}

// SaveSchedule implements Store.
func (s *sqlStore) SaveSchedule(ctx context.Context, sc *Schedule) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.GetWorkflow(ctx, sc.WorkflowID); err != nil {
		return err
	}
	prepareSchedule(sc, s.opts.now())
	inputs, err := marshalMap(sc.Inputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertSchedule,
		sc.ID, sc.WorkflowID, sc.Name, sc.Description, sc.CronExpression, sc.Timezone,
		boolInt(sc.IsActive), inputs, toMillis(sc.CreatedAt), toMillis(sc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// GetSchedule implements Store.
func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return sc, nil
}

// ListActiveSchedules implements Store.
func (s *sqlStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.workflow_id, s.name, s.description, s.cron_expression, s.timezone, s.is_active,
		        s.execution_inputs, s.created_at, s.updated_at
		 FROM schedules s JOIN workflows w ON w.id = s.workflow_id
		 WHERE s.is_active = 1 AND w.is_active = 1
		 ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AppendLog implements Store.
func (s *sqlStore) AppendLog(ctx context.Context, rec *ExecutionLog) error {
	if err := s.check(); err != nil {
		return err
	}
	prepareLog(rec, s.opts.now())
	metadata, err := marshalMap(rec.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getExecution(ctx, tx, rec.ExecutionID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO execution_logs ("+logColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.ExecutionID, toMillis(rec.Timestamp), string(rec.Level), rec.Message,
		rec.StepID, rec.StepName, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return tx.Commit()
}

// ListLogs implements Store.
func (s *sqlStore) ListLogs(ctx context.Context, executionID string, limit int) ([]*ExecutionLog, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := "SELECT " + logColumns + " FROM execution_logs WHERE execution_id = ? ORDER BY seq"
	args := []any{executionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
