// Package retry holds the fixed-delay pause used by every store-facing loop.
//
// Loops stay explicit at their call sites: each one decides for itself what
// is transient, what is contention and what is fatal. This package only owns
// the pause and the bookkeeping around a transient failure.
package retry

import (
	"context"
	"time"

	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// DefaultDelay is the fixed pause between attempts.
const DefaultDelay = 100 * time.Millisecond

// Loop pauses between attempts of an unbounded retry loop.
type Loop struct {
	clock   clock.Clock
	delay   time.Duration
	logger  pslog.Logger
	metrics *retryMetrics
}

// New returns a Loop. A zero delay selects DefaultDelay and a nil clock or
// logger selects the real clock and a disabled logger.
func New(clk clock.Clock, delay time.Duration, logger pslog.Logger) *Loop {
	if delay <= 0 {
		delay = DefaultDelay
	}
	logger = loggingutil.EnsureLogger(logger)
	return &Loop{
		clock:   clock.Or(clk),
		delay:   delay,
		logger:  logger,
		metrics: newRetryMetrics(logger),
	}
}

// Delay returns the configured pause.
func (l *Loop) Delay() time.Duration {
	return l.delay
}

// Pause sleeps for the fixed delay or until ctx is done.
func (l *Loop) Pause(ctx context.Context) error {
	return clock.Wait(ctx, l.clock, l.delay)
}

// Transient records a transient failure of op, logs it and pauses. It
// returns a non-nil error only when ctx ended during the pause.
func (l *Loop) Transient(ctx context.Context, op string, err error, keyvals ...any) error {
	l.metrics.recordTransient(ctx, op)
	fields := append([]any{"operation", op, "error", err, "delay", l.delay}, keyvals...)
	l.logger.Warn("retry.transient_error", fields...)
	return l.Pause(ctx)
}

// Do calls fn until it succeeds or fails with an error that is not
// transient. Transient failures are retried forever after the fixed delay.
func (l *Loop) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !kv.IsTransient(err) {
			return err
		}
		if perr := l.Transient(ctx, op, err); perr != nil {
			return perr
		}
	}
}
