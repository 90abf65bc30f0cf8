package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/stepflow/graph/emit"
	"github.com/dshills/stepflow/graph/store"
)

type recordingBroadcaster struct {
	mu          sync.Mutex
	events      []emit.Event
	completions map[string]bool
}

func (r *recordingBroadcaster) BroadcastLog(_ context.Context, _ string, event emit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingBroadcaster) BroadcastRunCompletion(_ context.Context, executionID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completions == nil {
		r.completions = map[string]bool{}
	}
	r.completions[executionID] = success
	return nil
}

func (r *recordingBroadcaster) completion(executionID string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	success, ok := r.completions[executionID]
	return success, ok
}

// fixture wires an engine to an in-memory store and a set of test handlers:
//
//	emit    returns config.value and config.branch
//	fail    always errors
//	panic   panics
//	flaky   fails config.failures times per step, then succeeds
//	slow    blocks until ctx is done
//	inspect records its input
type fixture struct {
	t           *testing.T
	store       store.Store
	dispatcher  *Dispatcher
	broadcaster *recordingBroadcaster
	engine      *Engine

	mu     sync.Mutex
	calls  map[string]int
	inputs map[string]map[string]any
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemStore(), opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:           t,
		store:       st,
		dispatcher:  NewDispatcher(),
		broadcaster: &recordingBroadcaster{},
		calls:       map[string]int{},
		inputs:      map[string]map[string]any{},
	}

	f.handle("emit", func(_ context.Context, _ StepContext, _, config map[string]any) (StepResult, error) {
		return StepResult{
			Output: map[string]any{"value": config["value"]},
			Branch: ConfigString(config, "branch", ""),
		}, nil
	})
	f.handle("fail", func(context.Context, StepContext, map[string]any, map[string]any) (StepResult, error) {
		return StepResult{}, errors.New("upstream returned 500")
	})
	f.handle("panic", func(context.Context, StepContext, map[string]any, map[string]any) (StepResult, error) {
		panic("handler exploded")
	})
	f.handle("flaky", func(_ context.Context, sc StepContext, _, config map[string]any) (StepResult, error) {
		if sc.Attempt <= ConfigInt(config, "failures", 0) {
			return StepResult{}, fmt.Errorf("attempt %d failed", sc.Attempt)
		}
		return StepResult{Output: map[string]any{"attempt": sc.Attempt}}, nil
	})
	f.handle("slow", func(ctx context.Context, _ StepContext, _, _ map[string]any) (StepResult, error) {
		<-ctx.Done()
		return StepResult{}, ctx.Err()
	})
	f.handle("inspect", func(_ context.Context, sc StepContext, input, _ map[string]any) (StepResult, error) {
		f.mu.Lock()
		f.inputs[sc.Step.ID] = input
		f.mu.Unlock()
		return StepResult{Output: map[string]any{"seen": len(input)}}, nil
	})

	sink := emit.NewSink(st, emit.WithBroadcaster(f.broadcaster))
	engine, err := New(st, f.dispatcher, sink, append([]Option{WithWorkerID("test-worker")}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.engine = engine
	return f
}

// handle registers a handler that also counts dispatches per step id.
func (f *fixture) handle(stepType string, fn HandlerFunc) {
	f.dispatcher.MustRegister(stepType, HandlerFunc(func(ctx context.Context, sc StepContext, input, config map[string]any) (StepResult, error) {
		f.mu.Lock()
		f.calls[sc.Step.ID]++
		f.mu.Unlock()
		return fn(ctx, sc, input, config)
	}))
}

func (f *fixture) callCount(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepID]
}

func (f *fixture) workflow(def *Definition) string {
	f.t.Helper()
	data, err := def.Marshal()
	if err != nil {
		f.t.Fatalf("Marshal failed: %v", err)
	}
	wf := &store.Workflow{Name: "test-workflow", Definition: data, IsActive: true}
	if err := f.store.SaveWorkflow(context.Background(), wf); err != nil {
		f.t.Fatalf("SaveWorkflow failed: %v", err)
	}
	return wf.ID
}

func (f *fixture) execution(workflowID string, input map[string]any) string {
	f.t.Helper()
	exec := &store.Execution{WorkflowID: workflowID, Input: input, ExecutedBy: "tester"}
	if err := f.store.CreateExecution(context.Background(), exec); err != nil {
		f.t.Fatalf("CreateExecution failed: %v", err)
	}
	return exec.ID
}

func (f *fixture) run(def *Definition, input map[string]any) (*RunResult, string, error) {
	f.t.Helper()
	wfID := f.workflow(def)
	execID := f.execution(wfID, input)
	result, err := f.engine.Run(context.Background(), wfID, execID, input)
	return result, execID, err
}

func (f *fixture) mustRun(def *Definition, input map[string]any) (*RunResult, *store.Execution) {
	f.t.Helper()
	result, execID, err := f.run(def, input)
	if err != nil {
		f.t.Fatalf("Run failed: %v", err)
	}
	return result, f.exec(execID)
}

func (f *fixture) exec(id string) *store.Execution {
	f.t.Helper()
	exec, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetExecution failed: %v", err)
	}
	return exec
}

func (f *fixture) messages(execID string) []string {
	f.t.Helper()
	logs, err := f.store.ListLogs(context.Background(), execID, 0)
	if err != nil {
		f.t.Fatalf("ListLogs failed: %v", err)
	}
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func hasMessage(messages []string, want string) bool {
	for _, m := range messages {
		if m == want {
			return true
		}
	}
	return false
}

func step(id, typ string, config map[string]any) Step {
	return Step{ID: id, Type: typ, Config: config}
}

func diamondDefinition() *Definition {
	return &Definition{
		Version: "1.0",
		Steps: []Step{
			step("A", "emit", map[string]any{"branch": "success", "value": "a"}),
			step("B", "emit", map[string]any{"value": "b"}),
			step("C", "emit", map[string]any{"value": "c"}),
			step("D", "inspect", nil),
		},
		Connections: []Connection{
			{From: "A", To: "B", Condition: "success"},
			{From: "A", To: "C", Condition: "error"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemStore()
	d := NewDispatcher()

	tests := []struct {
		name  string
		build func() (*Engine, error)
		code  string
	}{
		{"nil store", func() (*Engine, error) { return New(nil, d, nil) }, "MISSING_STORE"},
		{"nil dispatcher", func() (*Engine, error) { return New(st, nil, nil) }, "MISSING_DISPATCHER"},
		{"bad concurrency", func() (*Engine, error) { return New(st, d, nil, WithMaxConcurrent(0)) }, "INVALID_OPTION"},
		{"bad lease", func() (*Engine, error) { return New(st, d, nil, WithLeaseTTL(0)) }, "INVALID_OPTION"},
		{"empty worker", func() (*Engine, error) { return New(st, d, nil, WithWorkerID("")) }, "INVALID_OPTION"},
		{"negative timeout", func() (*Engine, error) { return New(st, d, nil, WithDefaultStepTimeout(-time.Second)) }, "INVALID_OPTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			var ee *EngineError
			if !errors.As(err, &ee) || ee.Code != tt.code {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}

	engine, err := New(st, d, nil)
	if err != nil {
		t.Fatalf("New with defaults failed: %v", err)
	}
	if engine.opts.MaxConcurrent != defaultMaxConcurrent || engine.opts.LeaseTTL != defaultLeaseTTL {
		t.Errorf("defaults not applied: %+v", engine.opts)
	}
	if engine.WorkerID() == "" {
		t.Error("a worker id should be generated")
	}
}

func TestEngine_DiamondScenario(t *testing.T) {
	f := newFixture(t)
	result, exec := f.mustRun(diamondDefinition(), map[string]any{"order": 42})

	wantTicks := [][]string{{"A"}, {"B"}, {"D"}}
	if !reflect.DeepEqual(result.Ticks, wantTicks) {
		t.Errorf("ticks = %v, want %v", result.Ticks, wantTicks)
	}
	if !reflect.DeepEqual(result.Completed, []string{"A", "B", "D"}) {
		t.Errorf("completed = %v", result.Completed)
	}
	if !reflect.DeepEqual(result.Skipped, []string{"C"}) {
		t.Errorf("skipped = %v", result.Skipped)
	}
	if !result.Success || result.Err != nil || len(result.Unprocessed) != 0 {
		t.Errorf("expected clean success, got %+v", result)
	}
	if result.Steps["C"].SkipReason != SkipBranchNotMet {
		t.Errorf("C skip reason = %q", result.Steps["C"].SkipReason)
	}
	if f.callCount("C") != 0 {
		t.Error("skipped step must never be dispatched")
	}

	// D joins B (completed) and C (skipped): only B contributes input.
	dInput := f.inputs["D"]
	if _, ok := dInput["C"]; ok || len(dInput) != 1 {
		t.Errorf("D input = %v", dInput)
	}

	if exec.Status != store.StatusCompleted || exec.ErrorMessage != "" || exec.CompletedAt == nil {
		t.Errorf("execution = %+v", exec)
	}
	for _, id := range []string{"A", "B", "D"} {
		if _, ok := exec.Output[id]; !ok {
			t.Errorf("output for %s missing", id)
		}
	}
	if _, ok := exec.Output["C"]; ok {
		t.Error("skipped step must not appear in outputs")
	}
	branches, ok := exec.Output[BranchesTakenKey].(map[string]any)
	if !ok || branches["A"] != "success" || len(branches) != 1 {
		t.Errorf("branches taken = %v", exec.Output[BranchesTakenKey])
	}
	if a := exec.Output["A"].(map[string]any); a["branch"] != "success" {
		t.Errorf("A output should mirror branch: %v", a)
	}

	msgs := f.messages(exec.ID)
	for _, want := range []string{
		"Starting workflow execution: test-workflow",
		"Executing step: A",
		"Step completed: A",
		"Step A selected branch: success",
		"Skipping step C as branch condition not met",
		"Workflow execution completed successfully: test-workflow",
	} {
		if !hasMessage(msgs, want) {
			t.Errorf("missing log %q in %v", want, msgs)
		}
	}

	if success, ok := f.broadcaster.completion(exec.ID); !ok || !success {
		t.Errorf("run completion broadcast = %v, %v", success, ok)
	}
}

func TestEngine_BranchCorrectness(t *testing.T) {
	for _, taken := range []string{"success", "error"} {
		t.Run(taken, func(t *testing.T) {
			f := newFixture(t)
			def := &Definition{
				Steps: []Step{
					step("A", "emit", map[string]any{"branch": taken}),
					step("B", "emit", nil),
					step("C", "emit", nil),
				},
				Connections: []Connection{
					{From: "A", To: "B", Condition: "success"},
					{From: "A", To: "C", Condition: "error"},
				},
			}
			result, _ := f.mustRun(def, nil)

			run, skip := "B", "C"
			if taken == "error" {
				run, skip = "C", "B"
			}
			if result.Steps[run].Status != StepCompleted || result.Steps[skip].Status != StepSkipped {
				t.Errorf("%s should complete and %s skip: %+v", run, skip, result.Steps)
			}
		})
	}
}

func TestEngine_CriticalAbort(t *testing.T) {
	f := newFixture(t)
	def := &Definition{
		Steps: []Step{
			step("start", "emit", nil),
			{ID: "charge", Type: "fail", Critical: true},
			step("ship", "emit", nil),
			step("notify", "emit", nil),
		},
	}
	result, exec := f.mustRun(def, nil)

	if result.Success {
		t.Fatal("critical failure must fail the run")
	}
	var critical *CriticalFailure
	if !errors.As(result.Err, &critical) || critical.StepID != "charge" {
		t.Fatalf("expected CriticalFailure for charge, got %v", result.Err)
	}
	if !reflect.DeepEqual(result.Unprocessed, []string{"ship", "notify"}) {
		t.Errorf("unprocessed = %v", result.Unprocessed)
	}
	for _, id := range result.Unprocessed {
		if _, ok := result.Steps[id]; ok {
			t.Errorf("unprocessed step %s must be neither completed nor skipped", id)
		}
	}
	if f.callCount("ship") != 0 {
		t.Error("no step after a critical failure may run")
	}

	if exec.Status != store.StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "critical step charge failed") {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}

	msgs := f.messages(exec.ID)
	for _, want := range []string{
		"Workflow execution stopped due to failure in critical step: charge",
		"Some steps were not executed: ship, notify",
		"Workflow execution completed with errors: test-workflow",
	} {
		if !hasMessage(msgs, want) {
			t.Errorf("missing log %q", want)
		}
	}
	if success, ok := f.broadcaster.completion(exec.ID); !ok || success {
		t.Errorf("run completion broadcast = %v, %v", success, ok)
	}
}

func TestEngine_CriticalViaConfig(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Steps: []Step{
		step("gate", "fail", map[string]any{"critical": "true"}),
		step("after", "emit", nil),
	}}
	result, _ := f.mustRun(def, nil)
	if !reflect.DeepEqual(result.Unprocessed, []string{"after"}) {
		t.Errorf("config.critical should abort, unprocessed = %v", result.Unprocessed)
	}
}

func TestEngine_NonCriticalFailure(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Steps: []Step{
		step("a", "emit", map[string]any{"value": 1}),
		step("b", "fail", nil),
		step("c", "emit", nil),
	}}
	result, exec := f.mustRun(def, nil)

	if result.Success {
		t.Error("a failed step must fail the run")
	}
	if !reflect.DeepEqual(result.Failed, []string{"b"}) {
		t.Errorf("failed = %v", result.Failed)
	}
	if result.Steps["c"].Status != StepSkipped || result.Steps["c"].SkipReason != SkipNoCompletedPredecessor {
		t.Errorf("c should be skipped after b failed: %+v", result.Steps["c"])
	}
	if len(result.Unprocessed) != 0 {
		t.Errorf("no abort, so nothing unprocessed: %v", result.Unprocessed)
	}

	failedOutput := result.Steps["b"].Output
	if failedOutput["error"] == "" || failedOutput["stack_trace"] == "" {
		t.Errorf("failed output should carry error and stack trace: %v", failedOutput)
	}

	if exec.Status != store.StatusFailed || !strings.Contains(exec.ErrorMessage, "upstream returned 500") {
		t.Errorf("execution = %s %q", exec.Status, exec.ErrorMessage)
	}
	if _, ok := exec.Output["b"]; ok {
		t.Error("failed step output must not be stored as a step output")
	}
	failed, ok := exec.Output[FailedStepsKey].(map[string]any)
	if !ok || !strings.Contains(failed["b"].(string), "upstream returned 500") {
		t.Errorf("failed steps = %v", exec.Output[FailedStepsKey])
	}
	if !hasMessage(f.messages(exec.ID), "Error executing step b: step b (fail): upstream returned 500") {
		t.Errorf("missing error log: %v", f.messages(exec.ID))
	}
}

func TestEngine_ParallelBatch(t *testing.T) {
	f := newFixture(t)

	// Both branches wait for each other, so the run only finishes if they
	// really execute at the same time.
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.handle("rendezvous", func(ctx context.Context, _ StepContext, _, _ map[string]any) (StepResult, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
			return StepResult{Output: map[string]any{"ok": true}}, nil
		case <-time.After(5 * time.Second):
			return StepResult{}, errors.New("peer never arrived")
		}
	})

	def := &Definition{
		Steps: []Step{
			step("root", "emit", nil),
			step("left", "rendezvous", nil),
			step("right", "rendezvous", nil),
		},
		Connections: []Connection{
			{From: "root", To: "left"},
			{From: "root", To: "right"},
		},
	}
	result, exec := f.mustRun(def, nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Err)
	}
	if !reflect.DeepEqual(result.Ticks, [][]string{{"root"}, {"left", "right"}}) {
		t.Errorf("ticks = %v", result.Ticks)
	}
	for _, id := range []string{"left", "right"} {
		run := result.Steps[id]
		if !run.ExecutedInParallel || !reflect.DeepEqual(run.ParallelGroup, []string{"left", "right"}) {
			t.Errorf("%s parallel tagging = %v %v", id, run.ExecutedInParallel, run.ParallelGroup)
		}
		if run.Tick != 2 {
			t.Errorf("%s tick = %d", id, run.Tick)
		}
	}
	if result.Steps["root"].ExecutedInParallel {
		t.Error("single-step tick is not parallel")
	}
	if !hasMessage(f.messages(exec.ID), "Executing 2 steps in parallel: left, right") {
		t.Error("missing parallel batch log")
	}
}

func TestEngine_MaxConcurrentBoundsBatch(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(2))

	var current, peak atomic.Int32
	f.handle("track", func(context.Context, StepContext, map[string]any, map[string]any) (StepResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return StepResult{}, nil
	})

	fanout := &Definition{
		Steps: []Step{
			step("root", "emit", nil),
			step("w1", "track", nil),
			step("w2", "track", nil),
			step("w3", "track", nil),
			step("w4", "track", nil),
			step("w5", "track", nil),
		},
		Connections: []Connection{
			{From: "root", To: "w1"}, {From: "root", To: "w2"}, {From: "root", To: "w3"},
			{From: "root", To: "w4"}, {From: "root", To: "w5"},
		},
	}
	result, _ := f.mustRun(fanout, nil)

	if !result.Success || len(result.Ticks) != 2 || len(result.Ticks[1]) != 5 {
		t.Fatalf("unexpected result: success=%v ticks=%v", result.Success, result.Ticks)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestEngine_UnknownStepTypeIsNotFatal(t *testing.T) {
	f := newFixture(t)
	def := &Definition{
		Steps: []Step{
			step("root", "emit", nil),
			step("mystery", "teleport", nil),
			step("sibling", "emit", nil),
		},
		Connections: []Connection{
			{From: "root", To: "mystery"},
			{From: "root", To: "sibling"},
		},
	}
	result, _ := f.mustRun(def, nil)

	if result.Steps["mystery"].Status != StepFailed || !strings.Contains(result.Steps["mystery"].Error, "unknown step type: teleport") {
		t.Errorf("mystery = %+v", result.Steps["mystery"])
	}
	if result.Steps["sibling"].Status != StepCompleted {
		t.Error("other steps must keep running")
	}
	if result.Steps["mystery"].Attempts != 1 {
		t.Errorf("unknown types are not retried, attempts = %d", result.Steps["mystery"].Attempts)
	}
}

func TestEngine_PanicBecomesFailedStep(t *testing.T) {
	f := newFixture(t)
	result, _ := f.mustRun(&Definition{Steps: []Step{step("boom", "panic", nil)}}, nil)

	run := result.Steps["boom"]
	if run.Status != StepFailed || !strings.Contains(run.Error, "handler exploded") {
		t.Fatalf("boom = %+v", run)
	}
	if trace, _ := run.Output["stack_trace"].(string); !strings.Contains(trace, "goroutine") {
		t.Errorf("stack trace = %q", trace)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Steps: []Step{
		step("flaky", "flaky", map[string]any{
			"failures": 2,
			"retry":    map[string]any{"max_attempts": 3, "base_delay_ms": 1, "max_delay_ms": 5},
		}),
	}}
	result, exec := f.mustRun(def, nil)

	run := result.Steps["flaky"]
	if run.Status != StepCompleted || run.Attempts != 3 {
		t.Fatalf("flaky = %+v", run)
	}
	if f.callCount("flaky") != 3 {
		t.Errorf("dispatches = %d, want 3", f.callCount("flaky"))
	}
	if !hasMessage(f.messages(exec.ID), "Retrying step flaky after error (attempt 2 of 3): step flaky (flaky): attempt 1 failed") {
		t.Errorf("missing retry log: %v", f.messages(exec.ID))
	}
}

func TestEngine_RetryExhausted(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Steps: []Step{
		step("flaky", "flaky", map[string]any{
			"failures": 5,
			"retry":    map[string]any{"max_attempts": 2, "base_delay_ms": 1},
		}),
	}}
	result, _ := f.mustRun(def, nil)
	if run := result.Steps["flaky"]; run.Status != StepFailed || run.Attempts != 2 {
		t.Errorf("flaky = %+v", run)
	}
}

func TestEngine_StepTimeout(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Steps: []Step{step("hang", "slow", map[string]any{"timeout": "30ms"})}}
	result, _ := f.mustRun(def, nil)

	run := result.Steps["hang"]
	if run.Status != StepFailed || !strings.Contains(run.Error, "STEP_TIMEOUT") {
		t.Errorf("hang = %+v", run)
	}
}

func TestEngine_DefaultStepTimeout(t *testing.T) {
	f := newFixture(t, WithDefaultStepTimeout(30*time.Millisecond))
	result, _ := f.mustRun(&Definition{Steps: []Step{step("hang", "slow", nil)}}, nil)
	if !strings.Contains(result.Steps["hang"].Error, "exceeded timeout of 30ms") {
		t.Errorf("hang = %+v", result.Steps["hang"])
	}
}

func TestEngine_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	def := &Definition{
		Steps: []Step{step("a", "emit", nil), step("b", "emit", nil)},
		Connections: []Connection{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}

	// Marshal bypasses Build, so the cyclic definition reaches the store.
	result, execID, err := f.run(def, nil)

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != "CYCLE_DETECTED" {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
	if result == nil || result.Success || !errors.As(result.Err, &ve) {
		t.Errorf("result should carry the validation error: %+v", result)
	}
	if f.callCount("a")+f.callCount("b") != 0 {
		t.Error("no step may run for an invalid graph")
	}

	exec := f.exec(execID)
	if exec.Status != store.StatusFailed || !strings.Contains(exec.ErrorMessage, "CYCLE_DETECTED") {
		t.Errorf("execution = %s %q", exec.Status, exec.ErrorMessage)
	}
	if success, ok := f.broadcaster.completion(execID); !ok || success {
		t.Error("failed validation should still broadcast completion")
	}
}

func TestEngine_WorkflowNotFound(t *testing.T) {
	f := newFixture(t)
	wfID := f.workflow(&Definition{Steps: []Step{step("a", "emit", nil)}})
	execID := f.execution(wfID, nil)

	_, err := f.engine.Run(context.Background(), "missing-workflow", execID, nil)
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
	if f.exec(execID).Status != store.StatusFailed {
		t.Error("execution should be failed")
	}
}

func TestEngine_CancelledViaStore(t *testing.T) {
	f := newFixture(t)
	f.handle("cancel", func(ctx context.Context, sc StepContext, _, _ map[string]any) (StepResult, error) {
		if err := f.store.CancelExecution(ctx, sc.ExecutionID); err != nil {
			return StepResult{}, err
		}
		return StepResult{}, nil
	})

	def := &Definition{Steps: []Step{
		step("first", "cancel", nil),
		step("second", "emit", nil),
		step("third", "emit", nil),
	}}
	result, exec := f.mustRun(def, nil)

	if !result.Cancelled || result.Success {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
	if !reflect.DeepEqual(result.Unprocessed, []string{"second", "third"}) {
		t.Errorf("unprocessed = %v", result.Unprocessed)
	}
	if f.callCount("second") != 0 {
		t.Error("no tick may start after cancellation")
	}
	if exec.Status != store.StatusCancelled {
		t.Errorf("status = %s", exec.Status)
	}
	if success, ok := f.broadcaster.completion(exec.ID); !ok || success {
		t.Error("cancelled run should broadcast an unsuccessful completion")
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.handle("stop", func(context.Context, StepContext, map[string]any, map[string]any) (StepResult, error) {
		cancel()
		return StepResult{}, nil
	})

	wfID := f.workflow(&Definition{Steps: []Step{step("first", "stop", nil), step("second", "emit", nil)}})
	execID := f.execution(wfID, nil)

	result, err := f.engine.Run(ctx, wfID, execID, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Cancelled || !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected cancellation, got %+v", result)
	}
	if f.exec(execID).Status != store.StatusCancelled {
		t.Errorf("status = %s", f.exec(execID).Status)
	}
	if f.callCount("second") != 0 {
		t.Error("second step must not run")
	}
}

func TestEngine_ClaimConflict(t *testing.T) {
	f := newFixture(t)
	wfID := f.workflow(&Definition{Steps: []Step{step("a", "emit", nil)}})
	execID := f.execution(wfID, nil)

	if err := f.store.ClaimExecution(context.Background(), execID, "other-worker", time.Minute); err != nil {
		t.Fatalf("ClaimExecution failed: %v", err)
	}

	_, err := f.engine.Run(context.Background(), wfID, execID, nil)
	if !errors.Is(err, ErrExecutionClaimed) {
		t.Fatalf("expected ErrExecutionClaimed, got %v", err)
	}
	if f.callCount("a") != 0 || len(f.messages(execID)) != 0 {
		t.Error("a claimed execution must not be touched")
	}
	if f.exec(execID).Status != store.StatusPending {
		t.Error("status must stay pending")
	}
}

func TestEngine_LeaseHeldDuringLongStep(t *testing.T) {
	f := newFixture(t, WithLeaseTTL(90*time.Millisecond))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.handle("hold", func(ctx context.Context, _ StepContext, _, _ map[string]any) (StepResult, error) {
		close(entered)
		select {
		case <-release:
			return StepResult{Output: map[string]any{"held": true}}, nil
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		}
	})
	wfID := f.workflow(&Definition{Steps: []Step{step("a", "hold", nil)}})
	execID := f.execution(wfID, nil)

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.engine.Run(context.Background(), wfID, execID, nil)
		done <- outcome{result, err}
	}()

	<-entered
	// Well past the TTL: without renewal inside the tick the claim would
	// have expired and another worker could take the execution.
	time.Sleep(300 * time.Millisecond)
	err := f.store.ClaimExecution(context.Background(), execID, "other-worker", time.Minute)
	if !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed while the step runs, got %v", err)
	}
	close(release)

	got := <-done
	if got.err != nil {
		t.Fatalf("Run failed: %v", got.err)
	}
	if !got.result.Success {
		t.Errorf("run failed: %v", got.result.Err)
	}
}

func TestEngine_LeaseReleased(t *testing.T) {
	f := newFixture(t)
	_, exec := f.mustRun(&Definition{Steps: []Step{step("a", "emit", nil)}}, nil)
	if exec.ClaimedBy != "" {
		t.Errorf("lease should be released, claimed_by = %q", exec.ClaimedBy)
	}
}

func TestEngine_FinishedExecution(t *testing.T) {
	f := newFixture(t)
	result, execID, err := f.run(&Definition{Steps: []Step{step("a", "emit", nil)}}, nil)
	if err != nil || !result.Success {
		t.Fatalf("first run: %v %+v", err, result)
	}

	_, err = f.engine.Run(context.Background(), result.WorkflowID, execID, nil)
	if !errors.Is(err, ErrExecutionFinished) {
		t.Errorf("expected ErrExecutionFinished, got %v", err)
	}
	if f.callCount("a") != 1 {
		t.Error("finished execution must not run again")
	}
}

func TestEngine_InputFromStoredExecution(t *testing.T) {
	f := newFixture(t)
	wfID := f.workflow(&Definition{Steps: []Step{step("look", "inspect", nil)}})
	execID := f.execution(wfID, map[string]any{"customer": "c-1", "amount": 12.5})

	if _, err := f.engine.Run(context.Background(), wfID, execID, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.inputs["look"]["customer"] != "c-1" {
		t.Errorf("stored input should seed the entry step, got %v", f.inputs["look"])
	}
}

func TestEngine_StepContext(t *testing.T) {
	f := newFixture(t)
	var seen StepContext
	f.handle("ctx", func(_ context.Context, sc StepContext, _, _ map[string]any) (StepResult, error) {
		seen = sc
		return StepResult{}, nil
	})

	def := &Definition{
		Steps:     []Step{{ID: "lookup", Name: "Lookup", Type: "ctx"}},
		Variables: map[string]any{"env": "staging"},
	}
	result, execID, err := f.run(def, nil)
	if err != nil || !result.Success {
		t.Fatalf("run: %v", err)
	}

	if seen.ExecutionID != execID || seen.WorkflowID != result.WorkflowID || seen.WorkflowName != "test-workflow" {
		t.Errorf("unexpected identity: %+v", seen)
	}
	if seen.Step.Name != "Lookup" || seen.Attempt != 1 || seen.Variables["env"] != "staging" {
		t.Errorf("unexpected step context: %+v", seen)
	}
	if !hasMessage(f.messages(execID), "Executing step: Lookup") {
		t.Error("logs should use the step display name")
	}
}

// Every step reachable from the entry steps ends completed or skipped, and a
// second ready-set computation after the loop is empty.
func TestEngine_ReachableStepsSettle(t *testing.T) {
	defs := map[string]*Definition{
		"diamond": diamondDefinition(),
		"wide fan-in": {
			Steps: []Step{
				step("s1", "emit", map[string]any{"branch": "left"}),
				step("s2", "emit", nil),
				step("l", "emit", nil),
				step("r", "emit", nil),
				step("join", "inspect", nil),
			},
			Connections: []Connection{
				{From: "s1", To: "l", Condition: "left"},
				{From: "s1", To: "r", Condition: "right"},
				{From: "s2", To: "join"},
				{From: "l", To: "join"},
				{From: "r", To: "join"},
			},
		},
		"chain behind skipped branch": {
			Steps: []Step{
				step("a", "emit", map[string]any{"branch": "x"}),
				step("b", "emit", nil),
				step("c", "emit", nil),
				step("d", "emit", nil),
			},
			Connections: []Connection{
				{From: "a", To: "b", Condition: "y"},
				{From: "b", To: "c"},
				{From: "c", To: "d"},
			},
		},
	}

	for name, def := range defs {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			result, _ := f.mustRun(def, nil)

			seen := map[string]int{}
			for _, id := range result.Completed {
				seen[id]++
			}
			for _, id := range result.Skipped {
				seen[id]++
			}
			for _, s := range def.Steps {
				if seen[s.ID] != 1 {
					t.Errorf("step %s settled %d times", s.ID, seen[s.ID])
				}
			}
			if len(result.Unprocessed) != 0 {
				t.Errorf("unprocessed = %v", result.Unprocessed)
			}
		})
	}
}

func TestEngine_SQLiteIntegration(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := newFixtureWithStore(t, st)
	result, exec := f.mustRun(diamondDefinition(), map[string]any{"order": 42})

	if !result.Success || exec.Status != store.StatusCompleted {
		t.Fatalf("run = %+v, status = %s", result.Err, exec.Status)
	}
	branches := exec.Output[BranchesTakenKey].(map[string]any)
	if branches["A"] != "success" {
		t.Errorf("branches = %v", branches)
	}

	msgs := f.messages(exec.ID)
	if len(msgs) == 0 || msgs[0] != "Starting workflow execution: test-workflow" {
		t.Fatalf("logs out of order: %v", msgs)
	}
	if msgs[len(msgs)-1] != "Workflow execution completed successfully: test-workflow" {
		t.Errorf("last log = %q", msgs[len(msgs)-1])
	}
}
