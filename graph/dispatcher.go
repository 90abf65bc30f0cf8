package graph

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Dispatcher routes a step to the handler registered for its type tag.
//
// A Dispatcher is built once at startup and passed to the engine. It is safe
// for concurrent use; registration after the engine started is allowed but
// unusual.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step type.
func (d *Dispatcher) Register(stepType string, h Handler) error {
	if stepType == "" {
		return &EngineError{Message: "step type cannot be empty", Code: "INVALID_HANDLER"}
	}
	if h == nil {
		return &EngineError{Message: "handler cannot be nil: " + stepType, Code: "INVALID_HANDLER"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[stepType]; exists {
		return &EngineError{Message: "duplicate handler for step type: " + stepType, Code: "DUPLICATE_HANDLER"}
	}
	d.handlers[stepType] = h
	return nil
}

// MustRegister is Register for startup code that cannot continue on error.
func (d *Dispatcher) MustRegister(stepType string, h Handler) {
	if err := d.Register(stepType, h); err != nil {
		panic(err)
	}
}

// Types returns the registered step types, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a handler is registered for stepType.
func (d *Dispatcher) Has(stepType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[stepType]
	return ok
}

// Dispatch executes sc.Step with its registered handler.
//
// An unregistered type returns *UnknownStepTypeError. A handler error or panic
// is returned as *StepExecutionError; for a panic, stack holds the goroutine
// trace. Dispatch itself never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, sc StepContext, input map[string]any) (result StepResult, stack string, err error) {
	d.mu.RLock()
	h, ok := d.handlers[sc.Step.Type]
	d.mu.RUnlock()
	if !ok {
		return StepResult{}, "", &UnknownStepTypeError{Type: sc.Step.Type}
	}

	defer func() {
		if r := recover(); r != nil {
			result = StepResult{}
			stack = string(debug.Stack())
			err = &StepExecutionError{
				StepID:   sc.Step.ID,
				StepType: sc.Step.Type,
				Cause:    fmt.Errorf("handler panic: %v", r),
			}
		}
	}()

	config := sc.Step.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err = h.Execute(ctx, sc, input, config)
	if err != nil {
		return StepResult{}, "", &StepExecutionError{StepID: sc.Step.ID, StepType: sc.Step.Type, Cause: err}
	}
	return result, "", nil
}

// Check parses and builds a definition and verifies that every step type
// has a registered handler. It is what the engine would reject before the
// first tick, plus the unknown types the engine would only find per step.
func (d *Dispatcher) Check(data []byte) (*Definition, *Graph, error) {
	def, g, err := parseAndBuild(data)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range g.Order() {
		node, _ := g.Node(id)
		if !d.Has(node.Step.Type) {
			return nil, nil, &ValidationError{
				Code:    "UNKNOWN_STEP_TYPE",
				Message: fmt.Sprintf("step %s has unknown type %q", id, node.Step.Type),
				StepID:  id,
			}
		}
	}
	return def, g, nil
}
