package emit

import (
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })
	return NewOTelEmitter(provider.Tracer("pipeline-test")), recorder
}

func TestOTelEmitter_SpanPerSignal(t *testing.T) {
	emitter, recorder := newTestTracer(t)

	emitter.Emit(Signal{
		JobID: "job-1",
		Step:  "transcribe",
		Kind:  KindStepComplete,
		Meta: map[string]any{
			"duration": 1500 * time.Millisecond,
			"attempt":  1,
		},
		At: time.Now(),
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != string(KindStepComplete) {
		t.Fatalf("span name = %q", span.Name())
	}

	attrs := make(map[string]any, len(span.Attributes()))
	for _, attr := range span.Attributes() {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}
	if attrs["pipeline.job_id"] != "job-1" {
		t.Fatalf("job_id attribute = %v", attrs["pipeline.job_id"])
	}
	if attrs["pipeline.step"] != "transcribe" {
		t.Fatalf("step attribute = %v", attrs["pipeline.step"])
	}
	if attrs["pipeline.duration"] != int64(1500) {
		t.Fatalf("duration attribute = %v", attrs["pipeline.duration"])
	}
}

func TestOTelEmitter_ErrorSignalSetsErrorStatus(t *testing.T) {
	emitter, recorder := newTestTracer(t)

	emitter.Emit(Signal{
		JobID: "job-2",
		Step:  "render",
		Kind:  KindStepError,
		Meta:  map[string]any{"error": "worker timed out"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Description != "worker timed out" {
		t.Fatalf("status description = %q", status.Description)
	}
	if len(spans[0].Events()) == 0 {
		t.Fatal("expected a recorded error event")
	}
}
