// Package otel translates engine events into OpenTelemetry spans and
// metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lowkit/lowkit"
)

// TracingHandler maintains maps of active run and block spans, creating
// and ending them based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span       // runID -> span
	runCtxs    map[string]context.Context  // runID -> context (for child spans)
	blockSpans map[string]trace.Span       // runID:blockID -> span
}

// NewTracingHandler creates a TracingHandler over the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		blockSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It satisfies lowkit.EventHandler when passed as a method value.
func (h *TracingHandler) Handle(e lowkit.Event) {
	switch e.Kind {
	case lowkit.EventRunStarted:
		h.handleRunStarted(e)
	case lowkit.EventBlockStarted:
		h.handleBlockStarted(e)
	case lowkit.EventBlockFinished:
		h.handleBlockFinished(e)
	case lowkit.EventBlockFailed:
		h.handleBlockFailed(e)
	case lowkit.EventBranch:
		h.handleBranch(e)
	case lowkit.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e lowkit.Event) {
	spanName := "run"
	if path, ok := e.Payload["path"].(string); ok && path != "" {
		spanName = "run:" + path
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("lowkit.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)
	if method, ok := e.Payload["method"].(string); ok {
		span.SetAttributes(attribute.String("http.method", method))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleBlockStarted(e lowkit.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "block:"+e.BlockID,
		trace.WithAttributes(
			attribute.String("lowkit.run_id", e.RunID),
			attribute.String("lowkit.block_id", e.BlockID),
			attribute.String("lowkit.block_kind", string(e.BlockKind)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.blockSpans[e.RunID+":"+e.BlockID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleBlockFinished(e lowkit.Event) {
	if span, ok := h.takeBlockSpan(e); ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleBlockFailed(e lowkit.Event) {
	span, ok := h.takeBlockSpan(e)
	if !ok {
		return
	}
	errMsg := "block failed"
	if kind, found := e.Payload["kind"].(string); found {
		errMsg = kind
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleBranch(e lowkit.Event) {
	h.mu.RLock()
	span, ok := h.blockSpans[e.RunID+":"+e.BlockID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{}
	if handle, found := e.Payload["handle"].(string); found {
		attrs = append(attrs, attribute.String("lowkit.handle", handle))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleRunFinished(e lowkit.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	outcome, _ := e.Payload["outcome"].(string)
	span.SetAttributes(
		attribute.String("lowkit.duration", e.Elapsed.String()),
		attribute.String("lowkit.outcome", outcome),
	)
	if outcome == "failed" {
		span.SetStatus(codes.Error, "run failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// takeBlockSpan removes and returns the active span for the event's block.
func (h *TracingHandler) takeBlockSpan(e lowkit.Event) (trace.Span, bool) {
	key := e.RunID + ":" + e.BlockID
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.blockSpans[key]
	if ok {
		delete(h.blockSpans, key)
	}
	return span, ok
}

// ActiveRunSpanContext returns the SpanContext of the active run span, or
// an empty SpanContext when none is active.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	span, ok := h.runSpans[runID]
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
