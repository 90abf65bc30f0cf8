// Package graph provides the workflow graph builder, step dispatcher and the
// tick-based execution engine for stepflow.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExecutionClaimed indicates that another worker holds a live lease on the
// execution. The caller must not drive the run.
var ErrExecutionClaimed = errors.New("execution is claimed by another worker")

// ErrExecutionFinished indicates that Run was asked to drive an execution that
// already reached a terminal status.
var ErrExecutionFinished = errors.New("execution already finished")

// ErrWorkflowNotFound is returned when the execution references a workflow
// that no longer exists.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrInvalidRetryPolicy is returned when a step's retry configuration is invalid.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError reports misuse of the engine itself (missing collaborators,
// invalid options, store failures while updating authoritative state).
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ValidationError reports a malformed workflow definition: a cycle, a duplicate
// step id, or a reference to a step that does not exist. It is raised by Build
// before any step runs.
type ValidationError struct {
	// Code is a machine-readable reason such as "CYCLE_DETECTED".
	Code string

	// Message is the human-readable description.
	Message string

	// StepID is the offending step, when one can be named.
	StepID string

	// Path lists the step ids that form a cycle (CYCLE_DETECTED only).
	Path []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid workflow definition")
	if e.Code != "" {
		b.WriteString(" (" + e.Code + ")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Path) > 0 {
		b.WriteString(" [" + strings.Join(e.Path, " -> ") + "]")
	}
	return b.String()
}

// StepExecutionError wraps a failure raised while a handler executed a step.
// It is recorded as that step's failed output and never crashes the run.
type StepExecutionError struct {
	StepID   string
	StepType string
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.StepID, e.StepType, e.Cause)
}

// Unwrap returns the handler error.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// CriticalFailure is produced when a step flagged critical fails. It aborts
// the whole run; steps not yet reached stay unprocessed.
type CriticalFailure struct {
	StepID string
	Cause  error
}

func (e *CriticalFailure) Error() string {
	return fmt.Sprintf("critical step %s failed: %v", e.StepID, e.Cause)
}

// Unwrap returns the step failure that escalated.
func (e *CriticalFailure) Unwrap() error {
	return e.Cause
}

// UnknownStepTypeError is returned by the dispatcher for a type tag with no
// registered handler.
type UnknownStepTypeError struct {
	Type string
}

func (e *UnknownStepTypeError) Error() string {
	return "unknown step type: " + e.Type
}
