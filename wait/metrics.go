package wait

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type waitMetrics struct {
	duration metric.Float64Histogram
}

func newWaitMetrics(logger pslog.Logger) *waitMetrics {
	meter := otel.Meter("pkt.systems/consulhelper/wait")
	m := &waitMetrics{}
	var err error
	m.duration, err = meter.Float64Histogram(
		"consulhelper.wait.duration_seconds",
		metric.WithDescription("Time until a wait condition held"),
		metric.WithUnit("s"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "consulhelper.wait.duration_seconds", "error", err)
	}
	return m
}

func (m *waitMetrics) recordSatisfied(ctx context.Context, name string, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("consulhelper.wait", name)))
}
