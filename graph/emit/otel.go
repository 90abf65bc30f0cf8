package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into a short OpenTelemetry span.
//
// Span name is the event type. Standard attributes:
//   - stepflow.execution_id
//   - stepflow.step_id, stepflow.step_name, stepflow.step_type (step events)
//   - stepflow.level and stepflow.message (log events)
//
// Metadata entries become attributes under "stepflow.meta.". A string
// metadata["error"] marks the span as failed and records the error.
//
// Example:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	sink := emit.NewSink(st, emit.WithEmitter(emit.NewOTelEmitter(otel.Tracer("stepflow"))))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch records several events as spans under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	opts := []trace.SpanStartOption{}
	if !event.Timestamp.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Timestamp))
	}
	_, span := o.tracer.Start(ctx, event.Type, opts...)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Metadata)

	if err, ok := event.Metadata["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// Flush forces the global tracer provider to export pending spans when it
// supports ForceFlush (the SDK provider does).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(attribute.String("stepflow.execution_id", event.ExecutionID))
	if event.StepID != "" {
		span.SetAttributes(
			attribute.String("stepflow.step_id", event.StepID),
			attribute.String("stepflow.step_name", event.StepName),
		)
	}
	if event.StepType != "" {
		span.SetAttributes(attribute.String("stepflow.step_type", event.StepType))
	}
	if event.Level != "" {
		span.SetAttributes(attribute.String("stepflow.level", event.Level))
	}
	if event.Message != "" {
		span.SetAttributes(attribute.String("stepflow.message", event.Message))
	}
}

func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		if key == "stack_trace" {
			continue
		}
		attrKey := "stepflow.meta." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
