package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-1",
		Type:        EventStepStarted,
		StepID:      "fetch",
		StepName:    "Fetch",
		StepType:    "http",
		Metadata:    map[string]any{"attempt": 2, "parallel": true},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != EventStepStarted {
		t.Errorf("span name = %q, want %q", span.Name, EventStepStarted)
	}

	attrs := attributeMap(span.Attributes)
	checks := map[string]any{
		"stepflow.execution_id":  "exec-1",
		"stepflow.step_id":       "fetch",
		"stepflow.step_name":     "Fetch",
		"stepflow.step_type":     "http",
		"stepflow.meta.attempt":  int64(2),
		"stepflow.meta.parallel": true,
	}
	for k, want := range checks {
		if got := attrs[k]; got != want {
			t.Errorf("%s = %v (%T), want %v", k, got, got, want)
		}
	}
	if span.Status.Code == codes.Error {
		t.Error("span should not be marked as error")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-1",
		Type:        EventStepError,
		StepID:      "fetch",
		Metadata:    map[string]any{"error": "connection refused", "stack_trace": "goroutine 1"},
	})

	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "connection refused" {
		t.Errorf("status description = %q", span.Status.Description)
	}
	if _, ok := attributeMap(span.Attributes)["stepflow.meta.stack_trace"]; ok {
		t.Error("stack traces should not become span attributes")
	}
}

func TestOTelEmitter_EmitBatchAndFlush(t *testing.T) {
	emitter, exporter := newTestTracer(t)
	ctx := context.Background()

	events := []Event{
		{ExecutionID: "e1", Type: EventLog, Message: "one"},
		{ExecutionID: "e1", Type: EventLog, Message: "two"},
		{ExecutionID: "e1", Type: EventRunCompleted},
	}
	if err := emitter.EmitBatch(ctx, events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("expected 3 spans, got %d", got)
	}
}
