package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalStatus is returned when an update targets an execution that is
// already completed, failed or cancelled. Terminal executions are immutable.
var ErrTerminalStatus = errors.New("execution is in a terminal status")

// ErrAlreadyClaimed is returned by ClaimExecution when another worker holds
// an unexpired lease.
var ErrAlreadyClaimed = errors.New("execution already claimed")

// ErrInvalidTransition is returned when a status update would move an
// execution backwards, for example from running to pending.
var ErrInvalidTransition = errors.New("invalid execution status transition")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// stage orders statuses along the lifecycle pending -> running -> terminal.
// Unknown statuses report -1.
func (s Status) stage() int {
	switch {
	case s == StatusPending:
		return 0
	case s == StatusRunning:
		return 1
	case s.Terminal():
		return 2
	}
	return -1
}

// checkTransition reports whether a live execution in status from may move
// to status to. Staying put is allowed; moving to an earlier stage is not.
func checkTransition(from, to Status) error {
	if to.stage() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to.stage() < from.stage() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// sourceStatuses is the SQL list of live statuses that may move to status.
// Callers validate status with checkTransition first.
func sourceStatuses(to Status) string {
	if to == StatusPending {
		return `('pending')`
	}
	return `('pending', 'running')`
}

// LogLevel is the severity of an ExecutionLog.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Workflow is a named automation. Definition holds the raw JSON definition,
// which the engine parses afresh for every execution.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	IsActive    bool            `json:"is_active"`
	IsScheduled bool            `json:"is_scheduled"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	Status       Status         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Input        map[string]any `json:"execution_inputs,omitempty"`
	Output       map[string]any `json:"execution_outputs,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// ExecutedBy identifies the initiator, e.g. a user id or
	// "scheduler:<schedule-id>".
	ExecutedBy string `json:"executed_by,omitempty"`

	// ScheduledFor is the cron fire time that produced this execution.
	// Nil for on-demand runs.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Schedule is a cron rule that periodically creates executions of a workflow.
type Schedule struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Timezone       string         `json:"timezone"`
	IsActive       bool           `json:"is_active"`
	Inputs         map[string]any `json:"execution_inputs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ExecutionLog is an append-only log record attached to an execution.
type ExecutionLog struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	StepID      string         `json:"step_id,omitempty"`
	StepName    string         `json:"step_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store is the persistence collaborator shared by the engine, the scheduler
// and the API layer. Every mutating call is a single transaction: it either
// commits fully or returns an error with nothing written.
//
// Implementations:
//   - MemStore: in-process maps, for tests and one-off runs
//   - SQLiteStore: embedded database (modernc.org/sqlite)
//   - MySQLStore: go-sql-driver/mysql
//   - PostgresStore: pgx connection pool
type Store interface {
	// SaveWorkflow inserts or replaces a workflow.
	SaveWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow returns ErrNotFound for unknown ids.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// DeleteWorkflow removes a workflow together with its executions,
	// their logs, and its schedules.
	DeleteWorkflow(ctx context.Context, id string) error

	// CreateExecution inserts a new execution. Status defaults to pending
	// and StartedAt to now.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution returns ErrNotFound for unknown ids.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecutionStatus moves a non-terminal execution to status.
	// Returns ErrTerminalStatus when the execution already finished.
	UpdateExecutionStatus(ctx context.Context, id string, status Status) error

	// FinishExecution records the final status, outputs and error message
	// and stamps CompletedAt. Returns ErrTerminalStatus when the execution
	// already finished (for example because it was cancelled).
	FinishExecution(ctx context.Context, id string, status Status, output map[string]any, errorMessage string) error

	// CancelExecution moves a pending or running execution to cancelled.
	CancelExecution(ctx context.Context, id string) error

	// ClaimExecution acquires or renews a lease for owner. It fails with
	// ErrAlreadyClaimed while another owner's lease is live, and with
	// ErrTerminalStatus for finished executions.
	ClaimExecution(ctx context.Context, id, owner string, ttl time.Duration) error

	// ReleaseExecution drops owner's lease. Releasing a lease held by
	// someone else is a no-op.
	ReleaseExecution(ctx context.Context, id, owner string) error

	// FindExecutionByInitiator returns an execution of workflowID started by
	// executedBy whose fire time (ScheduledFor, or StartedAt when unset)
	// falls in [from, to). Returns ErrNotFound when there is none.
	FindExecutionByInitiator(ctx context.Context, workflowID, executedBy string, from, to time.Time) (*Execution, error)

	// ListExecutions returns the most recent executions of a workflow.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error)

	// DeleteExecutionsBefore removes terminal executions (and their logs)
	// that completed before cutoff and returns how many were deleted.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// SaveSchedule inserts or replaces a schedule.
	SaveSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule returns ErrNotFound for unknown ids.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)

	// ListActiveSchedules returns active schedules whose workflow is active.
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)

	// AppendLog appends a log record. ID and Timestamp are filled when empty.
	AppendLog(ctx context.Context, rec *ExecutionLog) error

	// ListLogs returns an execution's logs in append order. A limit <= 0
	// returns all of them.
	ListLogs(ctx context.Context, executionID string, limit int) ([]*ExecutionLog, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MySQLStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
