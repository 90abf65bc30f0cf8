// Package runner creates executions and drives them on background
// goroutines. It is the glue between the surfaces that start workflows
// (API, MCP, scheduler, CLI) and the engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/schedule"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/ctxlog"
)

var (
	// ErrWorkflowInactive is returned when starting a deactivated workflow.
	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrShuttingDown is returned by Start after Shutdown was called.
	ErrShuttingDown = errors.New("runner is shutting down")
)

// Engine is the part of *graph.Engine the runner needs.
type Engine interface {
	Run(ctx context.Context, workflowID, executionID string, input map[string]any) (*graph.RunResult, error)
}

// StartRequest describes an execution to create.
type StartRequest struct {
	WorkflowID string
	Input      map[string]any
	ExecutedBy string

	// ScheduledFor is set for scheduler-initiated runs.
	ScheduledFor *time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the base logger. Each run logs with its execution id attached.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnFinish registers a callback invoked after every background run.
func WithOnFinish(fn func(executionID string, result *graph.RunResult, err error)) Option {
	return func(r *Runner) { r.onFinish = fn }
}

// Runner starts executions and tracks the ones in flight.
type Runner struct {
	store    store.Store
	engine   Engine
	logger   *slog.Logger
	onFinish func(string, *graph.RunResult, error)

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closing  bool
	wg       sync.WaitGroup
}

var _ schedule.Trigger = (*Runner)(nil)

// New creates a Runner.
func New(st store.Store, engine Engine, opts ...Option) *Runner {
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:    st,
		engine:   engine,
		logger:   slog.Default(),
		base:     base,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create persists a pending execution without running it.
func (r *Runner) Create(ctx context.Context, req StartRequest) (*store.Execution, error) {
	wf, err := r.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", req.WorkflowID, err)
	}
	if !wf.IsActive {
		return nil, ErrWorkflowInactive
	}

	exec := &store.Execution{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		Status:       store.StatusPending,
		Input:        req.Input,
		ExecutedBy:   req.ExecutedBy,
		ScheduledFor: req.ScheduledFor,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// Start creates an execution and runs it in the background. The returned
// execution is in the pending state.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	exec, err := r.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.base)
	runCtx = ctxlog.WithLogger(runCtx, r.logger.With(
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID)))

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	r.inflight[exec.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drive(runCtx, cancel, exec)
	return exec, nil
}

// Trigger implements schedule.Trigger.
func (r *Runner) Trigger(ctx context.Context, req schedule.Request) (string, error) {
	at := req.ScheduledFor
	exec, err := r.Start(ctx, StartRequest{
		WorkflowID:   req.WorkflowID,
		Input:        req.Input,
		ExecutedBy:   req.ExecutedBy,
		ScheduledFor: &at,
	})
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// Run creates an execution and drives it on the calling goroutine.
func (r *Runner) Run(ctx context.Context, req StartRequest) (*graph.RunResult, error) {
	exec, err := r.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = ctxlog.With(ctx, slog.String("execution_id", exec.ID))
	return r.engine.Run(ctx, exec.WorkflowID, exec.ID, exec.Input)
}

func (r *Runner) drive(ctx context.Context, cancel context.CancelFunc, exec *store.Execution) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, exec.ID)
		r.mu.Unlock()
		cancel()
	}()

	logger := ctxlog.FromContext(ctx)
	logger.Info("execution started")

	result, err := r.engine.Run(ctx, exec.WorkflowID, exec.ID, exec.Input)
	switch {
	case err != nil:
		logger.Error("execution failed to run", slog.Any("error", err))
	case result.Cancelled:
		logger.Warn("execution cancelled")
	case result.Success:
		logger.Info("execution completed",
			slog.Int("completed", len(result.Completed)),
			slog.Int("skipped", len(result.Skipped)))
	default:
		logger.Warn("execution finished with errors",
			slog.Int("failed", len(result.Failed)),
			slog.Any("error", result.Err))
	}

	if r.onFinish != nil {
		r.onFinish(exec.ID, result, err)
	}
}

// Cancel marks the execution cancelled in the store and interrupts its
// in-flight steps when it runs in this process.
func (r *Runner) Cancel(ctx context.Context, executionID string) error {
	if err := r.store.CancelExecution(ctx, executionID); err != nil {
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}

	r.mu.Lock()
	cancel, ok := r.inflight[executionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Active returns the ids of executions running in this process.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every background run has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new runs and waits for in-flight ones. When ctx
// expires first, the remaining runs are cancelled and awaited briefly.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	if err := r.Wait(ctx); err == nil {
		r.cancel()
		return nil
	}

	r.logger.Warn("cancelling in-flight executions", slog.Int("count", len(r.Active())))
	r.cancel()
	grace, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return r.Wait(grace)
}
