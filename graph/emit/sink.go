package emit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/stepflow/graph/store"
)

// Broadcaster pushes events to live viewers of an execution. Delivery is
// best effort: the Sink logs and drops broadcaster errors.
type Broadcaster interface {
	BroadcastLog(ctx context.Context, executionID string, event Event) error
	BroadcastRunCompletion(ctx context.Context, executionID string, success bool) error
}

// StepInfo identifies the step a lifecycle event refers to.
type StepInfo struct {
	ID   string
	Name string
	Type string
}

// Sink is the single entry point the engine uses to report progress.
//
// Log appends an ExecutionLog record in one store transaction and then
// forwards an equivalent event. Lifecycle calls (StepStarted, StepCompleted,
// StepError, RunCompleted) are forwarded only. Every event is mirrored to the
// configured Emitter. Broadcast failures never reach the caller.
type Sink struct {
	store       store.Store
	broadcaster Broadcaster
	emitter     Emitter
	logger      *slog.Logger
	now         func() time.Time
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithBroadcaster sets the live-view collaborator.
func WithBroadcaster(b Broadcaster) SinkOption {
	return func(s *Sink) { s.broadcaster = b }
}

// WithEmitter mirrors every event to e.
func WithEmitter(e Emitter) SinkOption {
	return func(s *Sink) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithLogger sets the logger used for swallowed broadcast errors.
func WithLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for lifecycle event timestamps.
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSink creates a Sink persisting to st.
func NewSink(st store.Store, opts ...SinkOption) *Sink {
	s := &Sink{
		store:   st,
		emitter: NewNullEmitter(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogOption decorates a log record.
type LogOption func(*store.ExecutionLog)

// WithStep attaches the step a log record is about.
func WithStep(id, name string) LogOption {
	return func(rec *store.ExecutionLog) {
		rec.StepID = id
		rec.StepName = name
	}
}

// WithMetadata attaches structured detail to a log record.
func WithMetadata(meta map[string]any) LogOption {
	return func(rec *store.ExecutionLog) {
		rec.Metadata = meta
	}
}

// Log persists a log record and forwards it. A store failure is returned
// and nothing is forwarded.
func (s *Sink) Log(ctx context.Context, executionID string, level store.LogLevel, message string, opts ...LogOption) error {
	rec := &store.ExecutionLog{
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Timestamp:   s.now(),
	}
	for _, opt := range opts {
		opt(rec)
	}

	if err := s.store.AppendLog(ctx, rec); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}

	s.forward(ctx, Event{
		ExecutionID: executionID,
		Type:        EventLog,
		StepID:      rec.StepID,
		StepName:    rec.StepName,
		Level:       string(rec.Level),
		Message:     rec.Message,
		Metadata:    rec.Metadata,
		Timestamp:   rec.Timestamp,
	})
	return nil
}

// StepStarted reports that a step is about to run.
func (s *Sink) StepStarted(ctx context.Context, executionID string, step StepInfo) {
	s.forward(ctx, s.stepEvent(executionID, EventStepStarted, step, nil))
}

// StepCompleted reports a successful step with a summary of its output.
func (s *Sink) StepCompleted(ctx context.Context, executionID string, step StepInfo, output map[string]any) {
	s.forward(ctx, s.stepEvent(executionID, EventStepCompleted, step, map[string]any{
		"output_summary": SummarizeOutput(output),
	}))
}

// StepError reports a failed step.
func (s *Sink) StepError(ctx context.Context, executionID string, step StepInfo, errText string) {
	s.forward(ctx, s.stepEvent(executionID, EventStepError, step, map[string]any{
		"error": errText,
	}))
}

// RunCompleted reports the end of a run and its aggregate outcome.
func (s *Sink) RunCompleted(ctx context.Context, executionID string, success bool) {
	s.emitter.Emit(Event{
		ExecutionID: executionID,
		Type:        EventRunCompleted,
		Metadata:    map[string]any{"success": success},
		Timestamp:   s.now(),
	})
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastRunCompletion(ctx, executionID, success); err != nil {
		s.logger.Warn("failed to broadcast run completion",
			slog.String("execution_id", executionID), slog.Any("error", err))
	}
}

func (s *Sink) stepEvent(executionID, typ string, step StepInfo, meta map[string]any) Event {
	return Event{
		ExecutionID: executionID,
		Type:        typ,
		StepID:      step.ID,
		StepName:    step.Name,
		StepType:    step.Type,
		Metadata:    meta,
		Timestamp:   s.now(),
	}
}

func (s *Sink) forward(ctx context.Context, event Event) {
	s.emitter.Emit(event)
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastLog(ctx, event.ExecutionID, event); err != nil {
		s.logger.Warn("failed to broadcast execution event",
			slog.String("execution_id", event.ExecutionID),
			slog.String("type", event.Type),
			slog.Any("error", err))
	}
}
