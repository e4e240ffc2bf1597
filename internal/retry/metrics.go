package retry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type retryMetrics struct {
	transient metric.Int64Counter
}

func newRetryMetrics(logger pslog.Logger) *retryMetrics {
	meter := otel.Meter("pkt.systems/consulhelper/retry")
	m := &retryMetrics{}
	var err error
	m.transient, err = meter.Int64Counter(
		"consulhelper.store.transient_errors",
		metric.WithDescription("Transient store errors that were retried"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "consulhelper.store.transient_errors", "error", err)
	}
	return m
}

func (m *retryMetrics) recordTransient(ctx context.Context, op string) {
	if m == nil || m.transient == nil {
		return
	}
	m.transient.Add(ctx, 1, metric.WithAttributes(attribute.String("consulhelper.operation", op)))
}
