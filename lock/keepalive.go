package lock

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// startKeepalive renews the lease's session every RenewInterval until the
// returned stop function is called. A session the store no longer knows
// cancels ctx with ErrSessionLost; other renewal failures are logged and
// retried at the next tick. stop returns the session loss, if any.
func (m *Manager) startKeepalive(ctx context.Context, lease *Lease, logger pslog.Logger, cancel context.CancelCauseFunc) func() error {
	if m.opts.SessionTTL <= 0 || m.opts.RenewInterval <= 0 {
		return func() error { return nil }
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	var lost error

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-m.opts.Clock.After(m.opts.RenewInterval):
			}
			err := lease.Renew(ctx)
			switch {
			case err == nil:
				m.metrics.recordRenewal(ctx, "ok")
				logger.Trace("lock.keepalive.renewed")
			case errors.Is(err, kv.ErrSessionNotFound):
				m.metrics.recordRenewal(ctx, "lost")
				lost = fmt.Errorf("%w: session %s: %w", ErrSessionLost, lease.SessionID, err)
				logger.Error("lock.keepalive.session_lost", "error", err)
				cancel(lost)
				return
			case ctx.Err() != nil:
				return
			default:
				m.metrics.recordRenewal(ctx, "error")
				logger.Warn("lock.keepalive.renew_failed", "error", err, "transient", kv.IsTransient(err))
			}
		}
	}()

	return func() error {
		close(stop)
		<-done
		return lost
	}
}
