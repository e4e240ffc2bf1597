package lock

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquired   metric.Int64Counter
	contention metric.Int64Counter
	violations metric.Int64Counter
	renewals   metric.Int64Counter
	waitTime   metric.Float64Histogram
	holdTime   metric.Float64Histogram
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/consulhelper/lock")
	m := &lockMetrics{}
	var err error
	m.acquired, err = meter.Int64Counter(
		"consulhelper.lock.acquired",
		metric.WithDescription("Locks acquired"),
	)
	logMetricInitError(logger, "consulhelper.lock.acquired", err)
	m.contention, err = meter.Int64Counter(
		"consulhelper.lock.contention",
		metric.WithDescription("Acquire attempts that lost a race for a free lock"),
	)
	logMetricInitError(logger, "consulhelper.lock.contention", err)
	m.violations, err = meter.Int64Counter(
		"consulhelper.lock.violations",
		metric.WithDescription("Lock protocol violations by kind"),
	)
	logMetricInitError(logger, "consulhelper.lock.violations", err)
	m.renewals, err = meter.Int64Counter(
		"consulhelper.lock.renewals",
		metric.WithDescription("Session renewals while holding a lock, by result"),
	)
	logMetricInitError(logger, "consulhelper.lock.renewals", err)
	m.waitTime, err = meter.Float64Histogram(
		"consulhelper.lock.wait_seconds",
		metric.WithDescription("Time spent waiting to acquire a lock"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "consulhelper.lock.wait_seconds", err)
	m.holdTime, err = meter.Float64Histogram(
		"consulhelper.lock.hold_seconds",
		metric.WithDescription("Time a lock was held"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "consulhelper.lock.hold_seconds", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *lockMetrics) recordAcquired(ctx context.Context, waited time.Duration) {
	if m == nil {
		return
	}
	if m.acquired != nil {
		m.acquired.Add(ctx, 1)
	}
	if m.waitTime != nil {
		m.waitTime.Record(ctx, waited.Seconds())
	}
}

func (m *lockMetrics) recordHeld(ctx context.Context, held time.Duration) {
	if m == nil || m.holdTime == nil {
		return
	}
	m.holdTime.Record(ctx, held.Seconds())
}

func (m *lockMetrics) recordContention(ctx context.Context) {
	if m == nil || m.contention == nil {
		return
	}
	m.contention.Add(ctx, 1)
}

func (m *lockMetrics) recordRenewal(ctx context.Context, result string) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("consulhelper.result", result)))
}

func (m *lockMetrics) recordViolation(ctx context.Context, err error) {
	if m == nil || m.violations == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, ErrFlagMismatch):
		kind = "flag_mismatch"
	case errors.Is(err, ErrSessionLost):
		kind = "session_lost"
	case errors.Is(err, ErrLockLost):
		kind = "lock_lost"
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("consulhelper.lock.violation", kind)))
}
