package graph

import "context"

// StepContext carries what a handler may know about the run it executes in.
type StepContext struct {
	ExecutionID  string
	WorkflowID   string
	WorkflowName string

	// Step is a copy of the step definition being executed.
	Step Step

	// Variables are the workflow-level variables from the definition.
	Variables map[string]any

	// Attempt is 1 for the first try and increases with each retry.
	Attempt int
}

// StepResult is what a handler produces for a successful step.
//
// Branch selects which conditional successors run. An empty Branch is treated
// as DefaultBranch by the engine.
type StepResult struct {
	Output map[string]any
	Branch string
}

// Map returns the output as stored for the step, with "branch" mirrored from
// Branch when set.
func (r StepResult) Map() map[string]any {
	out := make(map[string]any, len(r.Output)+1)
	for k, v := range r.Output {
		out[k] = v
	}
	if r.Branch != "" {
		out["branch"] = r.Branch
	}
	return out
}

// Handler executes one step type.
//
// input is derived from the step's predecessors: the execution input for an
// entry step, the predecessor's output when there is exactly one, and a map
// keyed by predecessor id otherwise. config is the step's own config.
//
// Returning an error fails the step. Handlers must honor ctx cancellation.
type Handler interface {
	Execute(ctx context.Context, sc StepContext, input, config map[string]any) (StepResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc StepContext, input, config map[string]any) (StepResult, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, sc StepContext, input, config map[string]any) (StepResult, error) {
	return f(ctx, sc, input, config)
}
