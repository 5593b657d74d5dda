package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/telemetry"
)

type metrics struct {
	cycles   metric.Int64Counter
	backends metric.Int64Counter
	duration metric.Float64Histogram
}

// newMetrics registers the pipeline instruments against the global meter
// provider. Registration errors leave a no-op instrument in place.
func newMetrics(c *Controller) *metrics {
	meter := telemetry.Meter("hikaku/pipeline")

	_, _ = meter.Int64ObservableGauge("hikaku.pipeline.queue_depth",
		metric.WithDescription("Feedback events waiting for the next dispatch cycle"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.queueLen()))
			return nil
		}),
	)
	cycles, _ := meter.Int64Counter("hikaku.pipeline.dispatch_cycles",
		metric.WithDescription("Completed dispatch cycles by outcome"),
	)
	backends, _ := meter.Int64Counter("hikaku.pipeline.backend_dispatch",
		metric.WithDescription("Per-backend dispatch attempts by result"),
	)
	duration, _ := meter.Float64Histogram("hikaku.dispatch.duration",
		metric.WithDescription("Time to upload a corpus and submit its training job (ms)"),
		metric.WithUnit("ms"),
	)
	return &metrics{cycles: cycles, backends: backends, duration: duration}
}

func (m *metrics) recordCycle(ctx context.Context, outcome model.SubmitOutcome) {
	if m.cycles == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(outcome))))
}

func (m *metrics) recordBackend(ctx context.Context, backend model.BackendID, result string) {
	if m.backends == nil {
		return
	}
	m.backends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", string(backend)),
		attribute.String("result", result),
	))
}

func (m *metrics) recordDuration(ctx context.Context, backend model.BackendID, d time.Duration) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("backend", string(backend))))
}
