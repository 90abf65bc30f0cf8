package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newID() string {
	return uuid.NewString()
}

func prepareWorkflow(wf *Workflow, now time.Time) {
	if wf.ID == "" {
		wf.ID = newID()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
}

func prepareExecution(exec *Execution, now time.Time) {
	if exec.ID == "" {
		exec.ID = newID()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
}

func prepareSchedule(s *Schedule, now time.Time) {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

func prepareLog(rec *ExecutionLog, now time.Time) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	if rec.Level == "" {
		rec.Level = LevelInfo
	}
}

// fireTime is the instant used by FindExecutionByInitiator.
func fireTime(exec *Execution) time.Time {
	if exec.ScheduledFor != nil {
		return *exec.ScheduledFor
	}
	return exec.StartedAt
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal map: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal map: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.Input = cloneMap(e.Input)
	c.Output = cloneMap(e.Output)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.ScheduledFor = cloneTime(e.ScheduledFor)
	c.LeaseExpiresAt = cloneTime(e.LeaseExpiresAt)
	return &c
}

func cloneWorkflow(w *Workflow) *Workflow {
	c := *w
	c.Definition = append(json.RawMessage(nil), w.Definition...)
	return &c
}

func cloneSchedule(s *Schedule) *Schedule {
	c := *s
	c.Inputs = cloneMap(s.Inputs)
	return &c
}

func cloneLog(l *ExecutionLog) *ExecutionLog {
	c := *l
	c.Metadata = cloneMap(l.Metadata)
	return &c
}
