package emit

import "time"

// Event types forwarded to broadcasters and emitters.
const (
	EventLog           = "log"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepError     = "step_error"
	EventRunCompleted  = "run_completed"
)

// Event is one observable occurrence during an execution.
//
// Log events mirror a persisted ExecutionLog record; lifecycle events
// (step_started, step_completed, step_error, run_completed) are only
// forwarded and never stored.
type Event struct {
	// ExecutionID identifies the execution that produced the event.
	ExecutionID string

	// Type is one of the Event* constants.
	Type string

	// StepID, StepName and StepType are empty for run-level events.
	StepID   string
	StepName string
	StepType string

	// Level is the log level for log events (INFO, WARNING, ERROR, DEBUG).
	Level string

	// Message is the human-readable text.
	Message string

	// Metadata carries structured detail. Common keys:
	//   - "error": error text for failed steps
	//   - "stack_trace": captured stack for handler panics and errors
	//   - "branch_taken": branch selected by a step
	//   - "parallel_steps": ids executed together in one tick
	//   - "output_summary": compact view of a step's output
	Metadata map[string]any

	Timestamp time.Time
}

// Payload renders the event in the wire shape sent to live viewers.
// Empty optional fields are omitted.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"type":      e.Type,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.StepID != "" {
		p["step_id"] = e.StepID
	}
	if e.StepName != "" {
		p["step_name"] = e.StepName
	}
	if e.StepType != "" {
		p["step_type"] = e.StepType
	}
	if e.Level != "" {
		p["level"] = e.Level
	}
	if e.Message != "" {
		p["message"] = e.Message
	}
	if len(e.Metadata) > 0 {
		p["metadata"] = e.Metadata
	}
	return p
}
