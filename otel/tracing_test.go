package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lowkit/lowkit"
	lowkitotel "github.com/lowkit/lowkit/otel"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, tp
}

func TestRunLifecycleProducesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := lowkitotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(lowkit.Event{
		Kind:    lowkit.EventRunStarted,
		RunID:   "run-1",
		Time:    now,
		Payload: map[string]any{"method": "GET", "path": "/greet/:name"},
	})

	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run start")
	}

	h.Handle(lowkit.Event{
		Kind:    lowkit.EventRunFinished,
		RunID:   "run-1",
		Time:    now.Add(80 * time.Millisecond),
		Elapsed: 80 * time.Millisecond,
		Payload: map[string]any{"outcome": "completed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "run:/greet/:name" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "lowkit.run_id" && attr.Value.AsString() == "run-1" {
			found = true
		}
	}
	if !found {
		t.Error("missing lowkit.run_id attribute")
	}
}

func TestBlockSpansNestUnderRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := lowkitotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(lowkit.Event{Kind: lowkit.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockStarted, RunID: "run-1",
		BlockID: "fetch", BlockKind: lowkit.KindDBGetAll, Time: now,
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockFinished, RunID: "run-1",
		BlockID: "fetch", BlockKind: lowkit.KindDBGetAll,
		Time: now.Add(10 * time.Millisecond),
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventRunFinished, RunID: "run-1",
		Time: now.Add(20 * time.Millisecond),
		Payload: map[string]any{"outcome": "completed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want block + run", len(spans))
	}
	blockSpan, runSpan := spans[0], spans[1]
	if blockSpan.Name != "block:fetch" {
		t.Errorf("block span name = %q", blockSpan.Name)
	}
	if blockSpan.Parent.SpanID() != runSpan.SpanContext.SpanID() {
		t.Error("block span is not a child of the run span")
	}
}

func TestFailedBlockSpanCarriesErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := lowkitotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(lowkit.Event{Kind: lowkit.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockStarted, RunID: "run-1",
		BlockID: "boom", BlockKind: lowkit.KindTransformer, Time: now,
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockFailed, RunID: "run-1",
		BlockID: "boom", BlockKind: lowkit.KindTransformer,
		Time:    now.Add(5 * time.Millisecond),
		Payload: map[string]any{"kind": "script"},
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventRunFinished, RunID: "run-1",
		Time:    now.Add(6 * time.Millisecond),
		Payload: map[string]any{"outcome": "failed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("block span status = %v, want error", spans[0].Status.Code)
	}
	if spans[1].Status.Code != otelcodes.Error {
		t.Errorf("run span status = %v, want error", spans[1].Status.Code)
	}
}

func TestMetricsHandlerRecordsWithoutError(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	h, err := lowkitotel.NewMetricsHandler(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockFinished, RunID: "run-1",
		BlockID: "fetch", BlockKind: lowkit.KindDBGetAll,
		Elapsed: 10 * time.Millisecond,
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventBlockFailed, RunID: "run-1",
		BlockID: "boom", BlockKind: lowkit.KindTransformer,
	})
	h.Handle(lowkit.Event{
		Kind: lowkit.EventRunFinished, RunID: "run-1",
		Elapsed: 25 * time.Millisecond,
		Payload: map[string]any{"outcome": "completed"},
	})
}
