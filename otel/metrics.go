package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lowkit/lowkit"
)

// MetricsHandler records counters and histograms for block executions,
// failures, and run durations.
type MetricsHandler struct {
	blockExecutions metric.Int64Counter
	blockFailures   metric.Int64Counter
	runDuration     metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler over the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	blockExec, err := meter.Int64Counter("lowkit.block.executions",
		metric.WithDescription("Number of block executions"),
	)
	if err != nil {
		return nil, err
	}

	blockFail, err := meter.Int64Counter("lowkit.block.failures",
		metric.WithDescription("Number of block failures"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("lowkit.run.duration",
		metric.WithDescription("Duration of one request run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		blockExecutions: blockExec,
		blockFailures:   blockFail,
		runDuration:     runDur,
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e lowkit.Event) {
	switch e.Kind {
	case lowkit.EventBlockFinished:
		h.blockExecutions.Add(context.Background(), 1, blockAttrs(e))
	case lowkit.EventBlockFailed:
		h.blockFailures.Add(context.Background(), 1, blockAttrs(e))
	case lowkit.EventRunFinished:
		outcome, _ := e.Payload["outcome"].(string)
		h.runDuration.Record(context.Background(), e.Elapsed.Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func blockAttrs(e lowkit.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("block_kind", string(e.BlockKind)),
		attribute.String("block_id", e.BlockID),
	)
}
