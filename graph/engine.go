package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/stepflow/graph/emit"
	"github.com/dshills/stepflow/graph/store"
)

// Reserved keys in an execution's persisted outputs.
const (
	BranchesTakenKey = "__branches_taken__"
	FailedStepsKey   = "__failed_steps__"
)

// Engine drives executions of stored workflows.
//
// For each run the Engine:
//   - claims the execution in the store, so only one worker drives it
//   - parses and validates a fresh copy of the workflow definition
//   - repeatedly computes the set of ready steps and executes it (one step
//     inline, several concurrently), honoring branch decisions
//   - stops on a critical step failure, a cancelled status or ctx
//   - persists the final status and outputs and reports completion
//
// An Engine holds no per-run state and can drive many executions at once.
//
// Example:
//
//	st, _ := store.NewSQLiteStore("./stepflow.db")
//	d, _ := step.NewRegistry(step.Options{})
//	sink := emit.NewSink(st, emit.WithBroadcaster(hub))
//
//	engine, err := graph.New(st, d, sink, graph.WithMaxConcurrent(8))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := engine.Run(ctx, workflowID, executionID, input)
type Engine struct {
	store      store.Store
	dispatcher *Dispatcher
	sink       *emit.Sink
	opts       Options

	inflight atomic.Int64
}

// StepRun is the recorded result of one settled step.
type StepRun struct {
	StepID   string
	StepName string
	StepType string
	Status   StepStatus

	// Output is the handler output (with "branch" mirrored) on success, or
	// {"error", "stack_trace"} on failure.
	Output map[string]any
	Branch string
	Error  string

	// SkipReason is set for skipped steps.
	SkipReason string

	Attempts int
	Critical bool

	ExecutedInParallel bool
	ParallelGroup      []string

	Tick       int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports whether the step completed.
func (r StepRun) Success() bool {
	return r.Status == StepCompleted
}

// RunResult summarizes one Run.
type RunResult struct {
	ExecutionID string
	WorkflowID  string

	// Success is true when no step outside the skipped set failed and the
	// run was neither aborted nor cancelled.
	Success   bool
	Cancelled bool

	// Completed, Failed and Skipped list step ids in the order they settled.
	Completed []string
	Failed    []string
	Skipped   []string

	// Unprocessed lists steps never reached because the run stopped early,
	// in definition order.
	Unprocessed []string

	Steps         map[string]StepRun
	BranchesTaken map[string]string

	// Ticks lists the steps dispatched in each tick.
	Ticks [][]string

	// Err is the reason the run did not succeed: a *ValidationError,
	// *CriticalFailure, the context error, or the first step error.
	Err error

	StartedAt  time.Time
	FinishedAt time.Time
}

// New creates an Engine.
//
// st and d are required. A nil sink is replaced by a sink that only persists
// logs to st.
func New(st store.Store, d *Dispatcher, sink *emit.Sink, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if d == nil {
		return nil, &EngineError{Message: "dispatcher is required", Code: "MISSING_DISPATCHER"}
	}

	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	cfg.opts.applyDefaults()

	if sink == nil {
		sink = emit.NewSink(st, emit.WithLogger(cfg.opts.Logger))
	}

	return &Engine{
		store:      st,
		dispatcher: d,
		sink:       sink,
		opts:       cfg.opts,
	}, nil
}

// WorkerID returns the identity this engine claims executions with.
func (e *Engine) WorkerID() string {
	return e.opts.WorkerID
}

// runContext carries the immutable facts of one execution through the helpers.
type runContext struct {
	executionID  string
	workflowID   string
	workflowName string
	graph        *Graph
	variables    map[string]any
}

// Run drives the execution executionID of workflow workflowID to a terminal
// status.
//
// input seeds the entry steps. When nil, the input stored on the execution is
// used.
//
// Run returns an error when the run could not be carried out: the execution
// is claimed elsewhere (ErrExecutionClaimed) or already finished
// (ErrExecutionFinished), the workflow is missing (ErrWorkflowNotFound), the
// definition is invalid (*ValidationError), or an authoritative status write
// failed (*EngineError with code PERSISTENCE). Step failures, critical aborts
// and cancellation are reported through the RunResult, not the error.
func (e *Engine) Run(ctx context.Context, workflowID, executionID string, input map[string]any) (*RunResult, error) {
	if executionID == "" {
		return nil, &EngineError{Message: "execution id cannot be empty", Code: "INVALID_ARGUMENT"}
	}

	if err := e.store.ClaimExecution(ctx, executionID, e.opts.WorkerID, e.opts.LeaseTTL); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyClaimed):
			return nil, ErrExecutionClaimed
		case errors.Is(err, store.ErrTerminalStatus):
			return nil, ErrExecutionFinished
		default:
			return nil, persistenceError("claim execution", err)
		}
	}
	defer e.release(ctx, executionID)

	result := &RunResult{
		ExecutionID:   executionID,
		WorkflowID:    workflowID,
		Steps:         make(map[string]StepRun),
		BranchesTaken: map[string]string{},
		StartedAt:     e.opts.Now(),
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, persistenceError("load execution", err)
	}
	if input == nil {
		input = exec.Input
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.abortBeforeStart(ctx, result, ErrWorkflowNotFound, "Workflow not found: "+workflowID)
		}
		return nil, persistenceError("load workflow", err)
	}

	def, g, err := parseAndBuild(wf.Definition)
	if err != nil {
		return e.abortBeforeStart(ctx, result, err, "Workflow validation failed: "+err.Error())
	}

	r := &runContext{
		executionID:  executionID,
		workflowID:   workflowID,
		workflowName: wf.Name,
		graph:        g,
		variables:    def.Variables,
	}

	if err := e.store.UpdateExecutionStatus(ctx, executionID, store.StatusRunning); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			result.Cancelled = true
			result.Unprocessed = g.Order()
			result.Err = context.Canceled
			result.FinishedAt = e.opts.Now()
			e.sink.RunCompleted(context.WithoutCancel(ctx), executionID, false)
			return result, nil
		}
		return nil, persistenceError("mark execution running", err)
	}

	e.log(ctx, executionID, store.LevelInfo, "Starting workflow execution: "+wf.Name,
		emit.WithMetadata(map[string]any{"workflow_id": workflowID, "step_count": g.Len()}))

	state := newRunState(g, input)
	stop := e.loop(ctx, r, state, result)

	return e.finalize(ctx, r, state, result, stop)
}

// stopReason records why the tick loop ended early.
type stopReason struct {
	cancelled bool
	err       error
}

func (e *Engine) loop(ctx context.Context, r *runContext, state *runState, result *RunResult) stopReason {
	for tick := 1; ; tick++ {
		if stop, done := e.checkpoint(ctx, r.executionID); done {
			return stop
		}

		ready, skips := state.nextReady()
		for _, s := range skips {
			e.recordSkip(ctx, r, result, s, tick)
		}
		if len(ready) == 0 {
			return stopReason{}
		}

		result.Ticks = append(result.Ticks, ready)

		inputs := make(map[string]map[string]any, len(ready))
		for _, id := range ready {
			inputs[id] = state.inputFor(id)
		}

		stopLease := e.holdLease(ctx, r.executionID)
		var runs []StepRun
		if len(ready) == 1 {
			runs = []StepRun{e.executeStep(ctx, r, ready[0], inputs[ready[0]], tick, nil)}
		} else {
			e.log(ctx, r.executionID, store.LevelInfo,
				fmt.Sprintf("Executing %d steps in parallel: %s", len(ready), strings.Join(ready, ", ")),
				emit.WithMetadata(map[string]any{"parallel_steps": append([]string(nil), ready...)}))
			runs = e.executeBatch(ctx, r, ready, inputs, tick)
		}
		stopLease()

		var critical *CriticalFailure
		for _, sr := range runs {
			state.record(sr)
			result.Steps[sr.StepID] = sr
			e.opts.Metrics.RecordStepOutcome(sr.StepType, sr.Status)
			if sr.Success() {
				result.Completed = append(result.Completed, sr.StepID)
				continue
			}
			result.Failed = append(result.Failed, sr.StepID)
			if sr.Critical && critical == nil {
				critical = &CriticalFailure{StepID: sr.StepID, Cause: errors.New(sr.Error)}
			}
		}

		if critical != nil {
			e.log(ctx, r.executionID, store.LevelError,
				"Workflow execution stopped due to failure in critical step: "+e.stepName(r, critical.StepID),
				emit.WithStep(critical.StepID, e.stepName(r, critical.StepID)),
				emit.WithMetadata(map[string]any{"error": result.Steps[critical.StepID].Error}))
			return stopReason{err: critical}
		}
	}
}

// checkpoint runs at the top of every tick. It stops the loop when ctx is
// done or the execution was cancelled, and renews the lease otherwise.
func (e *Engine) checkpoint(ctx context.Context, executionID string) (stopReason, bool) {
	if err := ctx.Err(); err != nil {
		return stopReason{cancelled: true, err: err}, true
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return stopReason{err: persistenceError("reload execution", err)}, true
	}
	if exec.Status == store.StatusCancelled {
		return stopReason{cancelled: true, err: context.Canceled}, true
	}

	if err := e.store.ClaimExecution(ctx, executionID, e.opts.WorkerID, e.opts.LeaseTTL); err != nil {
		switch {
		case errors.Is(err, store.ErrTerminalStatus):
			return stopReason{cancelled: true, err: context.Canceled}, true
		case errors.Is(err, store.ErrAlreadyClaimed):
			return stopReason{err: ErrExecutionClaimed}, true
		default:
			return stopReason{err: persistenceError("renew lease", err)}, true
		}
	}
	return stopReason{}, false
}

// holdLease renews the execution claim every third of the lease TTL while a
// tick's steps run, until the returned stop function is called. Checkpoints
// only renew between ticks, and a step may outlive the TTL.
func (e *Engine) holdLease(ctx context.Context, executionID string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := e.store.ClaimExecution(ctx, executionID, e.opts.WorkerID, e.opts.LeaseTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrTerminalStatus) {
				// Cancelled mid-tick; the next checkpoint stops the loop.
				return
			}
			e.opts.Logger.Warn("failed to renew execution lease",
				slog.String("execution_id", executionID),
				slog.String("worker_id", e.opts.WorkerID),
				slog.Any("error", err))
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) recordSkip(ctx context.Context, r *runContext, result *RunResult, s skipDecision, tick int) {
	node := r.graph.nodes[s.StepID]
	run := StepRun{
		StepID:     s.StepID,
		StepName:   node.Step.DisplayName(),
		StepType:   node.Step.Type,
		Status:     StepSkipped,
		SkipReason: s.Reason,
		Tick:       tick,
	}
	result.Steps[s.StepID] = run
	result.Skipped = append(result.Skipped, s.StepID)
	e.opts.Metrics.RecordStepOutcome(run.StepType, StepSkipped)

	msg := fmt.Sprintf("Skipping step %s as branch condition not met", run.StepName)
	meta := map[string]any{"reason": s.Reason}
	if s.Reason == SkipNoCompletedPredecessor {
		msg = fmt.Sprintf("Skipping step %s as no predecessor completed", run.StepName)
	}
	if s.Blocker != "" {
		meta["blocked_by"] = s.Blocker
	}
	e.log(ctx, r.executionID, store.LevelInfo, msg, emit.WithStep(s.StepID, run.StepName), emit.WithMetadata(meta))
}

// executeBatch runs several steps concurrently, bounded by MaxConcurrent, and
// waits for all of them. Results keep the order of ids.
func (e *Engine) executeBatch(ctx context.Context, r *runContext, ids []string, inputs map[string]map[string]any, tick int) []StepRun {
	e.opts.Metrics.RecordParallelBatch(len(ids))

	group := append([]string(nil), ids...)
	runs := make([]StepRun, len(ids))
	sem := make(chan struct{}, e.opts.MaxConcurrent)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				runs[i] = e.failedBeforeStart(r, id, ctx.Err(), tick, group)
				return
			}
			defer func() { <-sem }()
			runs[i] = e.executeStep(ctx, r, id, inputs[id], tick, group)
		}(i, id)
	}
	wg.Wait()

	return runs
}

// executeStep dispatches a single step with its retry policy and timeout and
// reports progress through the sink. It never panics and never returns an
// error: failures are recorded in the StepRun.
func (e *Engine) executeStep(ctx context.Context, r *runContext, id string, input map[string]any, tick int, group []string) StepRun {
	step := r.graph.nodes[id].Step
	info := emit.StepInfo{ID: step.ID, Name: step.DisplayName(), Type: step.Type}

	run := StepRun{
		StepID:             step.ID,
		StepName:           info.Name,
		StepType:           step.Type,
		Critical:           step.IsCritical(),
		ExecutedInParallel: group != nil,
		ParallelGroup:      group,
		Tick:               tick,
		StartedAt:          e.opts.Now(),
	}

	startMeta := map[string]any{"step_type": step.Type}
	if group != nil {
		startMeta["parallel_group"] = group
	}
	e.log(ctx, r.executionID, store.LevelInfo, "Executing step: "+info.Name,
		emit.WithStep(step.ID, info.Name), emit.WithMetadata(startMeta))
	e.sink.StepStarted(ctx, r.executionID, info)

	n := e.inflight.Add(1)
	e.opts.Metrics.UpdateInflightSteps(int(n))
	defer func() {
		n := e.inflight.Add(-1)
		e.opts.Metrics.UpdateInflightSteps(int(n))
	}()

	res, stack, err := e.dispatchWithRetry(ctx, r, step, input, &run)
	run.FinishedAt = e.opts.Now()
	elapsed := run.FinishedAt.Sub(run.StartedAt)

	if err != nil {
		run.Status = StepFailed
		run.Error = err.Error()
		if stack == "" {
			stack = errorChain(err)
		}
		run.Output = map[string]any{"error": run.Error, "stack_trace": stack}

		e.opts.Metrics.RecordStepLatency(step.Type, elapsed, latencyStatus(err))
		e.log(ctx, r.executionID, store.LevelError,
			fmt.Sprintf("Error executing step %s: %s", info.Name, run.Error),
			emit.WithStep(step.ID, info.Name),
			emit.WithMetadata(map[string]any{
				"error":       run.Error,
				"stack_trace": stack,
				"step_type":   step.Type,
				"attempts":    run.Attempts,
			}))
		e.sink.StepError(ctx, r.executionID, info, run.Error)
		return run
	}

	run.Status = StepCompleted
	run.Branch = res.Branch
	if run.Branch == "" {
		if b, ok := res.Output["branch"].(string); ok {
			run.Branch = b
		}
	}
	res.Branch = run.Branch
	run.Output = res.Map()

	e.opts.Metrics.RecordStepLatency(step.Type, elapsed, "success")
	e.log(ctx, r.executionID, store.LevelInfo, "Step completed: "+info.Name,
		emit.WithStep(step.ID, info.Name),
		emit.WithMetadata(map[string]any{
			"step_type":   step.Type,
			"attempts":    run.Attempts,
			"duration_ms": elapsed.Milliseconds(),
		}))
	if run.Branch != "" {
		e.log(ctx, r.executionID, store.LevelInfo,
			fmt.Sprintf("Step %s selected branch: %s", info.Name, run.Branch),
			emit.WithStep(step.ID, info.Name),
			emit.WithMetadata(map[string]any{"branch_taken": run.Branch}))
	}
	e.sink.StepCompleted(ctx, r.executionID, info, run.Output)
	return run
}

func (e *Engine) dispatchWithRetry(ctx context.Context, r *runContext, step Step, input map[string]any, run *StepRun) (StepResult, string, error) {
	policy, err := retryPolicyFor(step.Config)
	if err != nil {
		run.Attempts = 0
		return StepResult{}, "", &StepExecutionError{StepID: step.ID, StepType: step.Type, Cause: err}
	}
	timeout := stepTimeout(step.Config, e.opts.DefaultStepTimeout)

	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		sc := StepContext{
			ExecutionID:  r.executionID,
			WorkflowID:   r.workflowID,
			WorkflowName: r.workflowName,
			Step:         step,
			Variables:    copyMap(r.variables),
			Attempt:      attempt,
		}

		attemptInput := input
		if attempt < policy.MaxAttempts {
			attemptInput = copyMap(input)
		}

		res, stack, err := dispatchWithTimeout(ctx, e.dispatcher, sc, attemptInput, timeout)
		if err == nil {
			return res, "", nil
		}
		if attempt >= policy.MaxAttempts || ctx.Err() != nil || !policy.shouldRetry(err) {
			return StepResult{}, stack, err
		}

		e.opts.Metrics.IncrementRetries(step.Type, latencyStatus(err))
		delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay, nil)
		e.log(ctx, r.executionID, store.LevelWarning,
			fmt.Sprintf("Retrying step %s after error (attempt %d of %d): %v", step.DisplayName(), attempt+1, policy.MaxAttempts, err),
			emit.WithStep(step.ID, step.DisplayName()),
			emit.WithMetadata(map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()}))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StepResult{}, stack, err
		case <-timer.C:
		}
	}
}

func (e *Engine) failedBeforeStart(r *runContext, id string, cause error, tick int, group []string) StepRun {
	step := r.graph.nodes[id].Step
	msg := fmt.Sprintf("step %s not started: %v", id, cause)
	now := e.opts.Now()
	return StepRun{
		StepID:             id,
		StepName:           step.DisplayName(),
		StepType:           step.Type,
		Status:             StepFailed,
		Critical:           step.IsCritical(),
		Error:              msg,
		Output:             map[string]any{"error": msg, "stack_trace": ""},
		ExecutedInParallel: true,
		ParallelGroup:      group,
		Tick:               tick,
		StartedAt:          now,
		FinishedAt:         now,
	}
}

// finalize persists the outcome of a run that reached the tick loop.
func (e *Engine) finalize(ctx context.Context, r *runContext, state *runState, result *RunResult, stop stopReason) (*RunResult, error) {
	// Final writes must land even when ctx was cancelled.
	fctx := context.WithoutCancel(ctx)

	result.Unprocessed = state.pending()
	result.BranchesTaken = state.branchesTaken()
	result.Cancelled = stop.cancelled
	result.FinishedAt = e.opts.Now()

	var engineErr *EngineError
	if errors.As(stop.err, &engineErr) || errors.Is(stop.err, ErrExecutionClaimed) {
		// Lost the lease or the store failed: the run is no longer ours to finish.
		result.Err = stop.err
		return result, stop.err
	}

	result.Success = stop.err == nil && len(result.Failed) == 0
	result.Err = stop.err
	if result.Err == nil && len(result.Failed) > 0 {
		result.Err = errors.New(result.Steps[result.Failed[0]].Error)
	}

	outputs := make(map[string]any, len(result.Completed)+2)
	for _, id := range result.Completed {
		outputs[id] = result.Steps[id].Output
	}
	outputs[BranchesTakenKey] = stringMap(result.BranchesTaken)
	if len(result.Failed) > 0 {
		failed := make(map[string]any, len(result.Failed))
		for _, id := range result.Failed {
			failed[id] = result.Steps[id].Error
		}
		outputs[FailedStepsKey] = failed
	}

	status := store.StatusFailed
	errorMessage := ""
	switch {
	case result.Cancelled:
		status = store.StatusCancelled
		errorMessage = "execution cancelled"
	case result.Success:
		status = store.StatusCompleted
	default:
		errorMessage = e.errorMessage(result)
	}

	duration := result.FinishedAt.Sub(result.StartedAt).Seconds()
	completionMeta := map[string]any{
		"duration_seconds": duration,
		"branches_taken":   stringMap(result.BranchesTaken),
	}
	switch {
	case result.Cancelled:
		e.log(fctx, r.executionID, store.LevelWarning, "Workflow execution cancelled: "+r.workflowName,
			emit.WithMetadata(completionMeta))
	case result.Success:
		e.log(fctx, r.executionID, store.LevelInfo, "Workflow execution completed successfully: "+r.workflowName,
			emit.WithMetadata(completionMeta))
	default:
		e.log(fctx, r.executionID, store.LevelError, "Workflow execution completed with errors: "+r.workflowName,
			emit.WithMetadata(completionMeta))
	}
	if len(result.Unprocessed) > 0 {
		e.log(fctx, r.executionID, store.LevelWarning,
			"Some steps were not executed: "+strings.Join(result.Unprocessed, ", "),
			emit.WithMetadata(map[string]any{"unprocessed_steps": append([]string(nil), result.Unprocessed...)}))
	}

	if err := e.store.FinishExecution(fctx, r.executionID, status, outputs, errorMessage); err != nil {
		if !errors.Is(err, store.ErrTerminalStatus) {
			return result, persistenceError("finish execution", err)
		}
		// Cancelled externally after the last tick.
		result.Cancelled = true
		result.Success = false
		status = store.StatusCancelled
	}

	e.opts.Metrics.RecordExecution(string(status))
	e.sink.RunCompleted(fctx, r.executionID, result.Success)
	return result, nil
}

// abortBeforeStart fails an execution whose workflow could not be loaded or
// validated. No step runs.
func (e *Engine) abortBeforeStart(ctx context.Context, result *RunResult, cause error, message string) (*RunResult, error) {
	fctx := context.WithoutCancel(ctx)
	result.Err = cause
	result.FinishedAt = e.opts.Now()

	e.log(fctx, result.ExecutionID, store.LevelError, message)
	if err := e.store.FinishExecution(fctx, result.ExecutionID, store.StatusFailed, nil, cause.Error()); err != nil &&
		!errors.Is(err, store.ErrTerminalStatus) {
		return result, persistenceError("fail execution", err)
	}
	e.opts.Metrics.RecordExecution(string(store.StatusFailed))
	e.sink.RunCompleted(fctx, result.ExecutionID, false)
	return result, cause
}

func (e *Engine) errorMessage(result *RunResult) string {
	var critical *CriticalFailure
	if errors.As(result.Err, &critical) {
		return critical.Error()
	}
	if len(result.Failed) > 0 {
		return result.Steps[result.Failed[0]].Error
	}
	if result.Err != nil {
		return result.Err.Error()
	}
	return ""
}

func (e *Engine) release(ctx context.Context, executionID string) {
	if err := e.store.ReleaseExecution(context.WithoutCancel(ctx), executionID, e.opts.WorkerID); err != nil {
		e.opts.Logger.Warn("failed to release execution lease",
			slog.String("execution_id", executionID), slog.Any("error", err))
	}
}

// log writes an execution log entry. Sink failures are reported on the
// engine logger and do not affect the run.
func (e *Engine) log(ctx context.Context, executionID string, level store.LogLevel, msg string, opts ...emit.LogOption) {
	if err := e.sink.Log(ctx, executionID, level, msg, opts...); err != nil {
		e.opts.Logger.Warn("failed to write execution log",
			slog.String("execution_id", executionID),
			slog.String("message", msg),
			slog.Any("error", err))
	}
}

func (e *Engine) stepName(r *runContext, id string) string {
	if n, ok := r.graph.nodes[id]; ok {
		return n.Step.DisplayName()
	}
	return id
}

func parseAndBuild(data []byte) (*Definition, *Graph, error) {
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, nil, err
	}
	g, err := Build(def)
	if err != nil {
		return nil, nil, err
	}
	return def, g, nil
}

func persistenceError(op string, err error) error {
	return &EngineError{Message: op + ": " + err.Error(), Code: "PERSISTENCE", Cause: err}
}

func latencyStatus(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code == "STEP_TIMEOUT" {
		return "timeout"
	}
	return "error"
}

// errorChain renders an error and its causes, one per line.
func errorChain(err error) string {
	var b strings.Builder
	for i := 0; err != nil; i++ {
		if i > 0 {
			b.WriteString("\ncaused by: ")
		}
		b.WriteString(fmt.Sprintf("%T: %v", err, err))
		err = errors.Unwrap(err)
	}
	return b.String()
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
