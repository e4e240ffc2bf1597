package lock

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/internal/retry"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// Manager acquires, holds and releases locks against a store.
type Manager struct {
	store   kv.Store
	opts    Options
	retry   *retry.Loop
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *lockMetrics
}

// New returns a Manager using store.
func New(store kv.Store, opts Options) *Manager {
	opts = opts.withDefaults()
	logger := loggingutil.WithSubsystem(opts.Logger, "lock.manager")
	return &Manager{
		store:   store,
		opts:    opts,
		retry:   retry.New(opts.Clock, opts.RetryDelay, logger),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/consulhelper/lock"),
		metrics: newLockMetrics(logger),
	}
}

// Do waits until the lock for key is held, runs action and releases the
// lock. Contention and transient store errors are retried until ctx ends.
//
// The action's context is cancelled when the lock's session is lost. Release
// runs on every exit path, including cancellation of ctx, on a context
// detached from ctx and bounded by Options.CleanupTimeout. The returned error
// joins the action's error with any keepalive or release failure.
func (m *Manager) Do(ctx context.Context, key string, action func(context.Context, *Lease) error) (err error) {
	ctx, span := m.tracer.Start(ctx, "consulhelper.lock.do", trace.WithAttributes(
		attribute.String("consulhelper.lock.key", key),
		attribute.Int64("consulhelper.lock.session_ttl_ms", m.opts.SessionTTL.Milliseconds()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock_failed")
		}
		span.End()
	}()

	logger := correlation.WithLogger(ctx, m.logger).With("key", key)
	waitStart := m.opts.Clock.Now()
	lease, err := m.acquire(ctx, key, logger)
	if err != nil {
		if IsProtocolViolation(err) {
			m.metrics.recordViolation(ctx, err)
		}
		return err
	}
	waited := lease.AcquiredAt.Sub(waitStart)
	m.metrics.recordAcquired(ctx, waited)
	span.AddEvent("consulhelper.lock.acquired", trace.WithAttributes(
		attribute.Int64("consulhelper.lock.index", int64(lease.AcquiredIndex)),
	))
	logger = logger.With("session", lease.SessionID)
	logger.Info("lock.acquired", "index", lease.AcquiredIndex, "waited", waited)

	return m.hold(ctx, lease, logger, action)
}

func (m *Manager) hold(ctx context.Context, lease *Lease, logger pslog.Logger, action func(context.Context, *Lease) error) (err error) {
	actionCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopKeepalive := m.startKeepalive(actionCtx, lease, logger, cancel)

	defer func() {
		keepaliveErr := stopKeepalive()
		releaseErr := m.release(ctx, lease, logger)
		held := m.opts.Clock.Now().Sub(lease.AcquiredAt)
		m.metrics.recordHeld(ctx, held)
		if joined := errors.Join(keepaliveErr, releaseErr); joined != nil {
			m.metrics.recordViolation(ctx, joined)
			logger.Error("lock.release.failed", "error", joined, "held", held)
		} else {
			logger.Info("lock.released", "held", held)
		}
		err = errors.Join(err, keepaliveErr, releaseErr)
	}()

	return action(actionCtx, lease)
}

// acquire loops until the lock is held, restarting with a fresh session after
// transient failures.
func (m *Manager) acquire(ctx context.Context, key string, logger pslog.Logger) (*Lease, error) {
	for {
		lease, err := m.tryAcquire(ctx, key, logger)
		if err == nil {
			return lease, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !kv.IsTransient(err) {
			return nil, err
		}
		if perr := m.retry.Transient(ctx, "lock.acquire", err, "key", key); perr != nil {
			return nil, perr
		}
	}
}

// tryAcquire runs one session's worth of the acquisition loop. The session is
// destroyed whenever it returns without a lease.
func (m *Manager) tryAcquire(ctx context.Context, key string, logger pslog.Logger) (lease *Lease, err error) {
	lockKey := Key(key)
	now := m.opts.Clock.Now()
	sessionID, err := m.store.SessionCreate(ctx, kv.SessionEntry{
		Name:     m.opts.sessionName(ctx, key, now),
		TTL:      m.opts.SessionTTL,
		Behavior: kv.SessionBehaviorRelease,
	})
	if err != nil {
		return nil, fmt.Errorf("lock: create session: %w", err)
	}
	logger = logger.With("session", sessionID)
	logger.Debug("lock.session.created", "ttl", m.opts.SessionTTL)
	defer func() {
		if lease != nil {
			return
		}
		cctx, cancel := m.cleanupContext(ctx)
		defer cancel()
		if derr := m.destroySession(cctx, sessionID, logger); derr != nil {
			logger.Warn("lock.session.destroy_failed", "error", derr)
		}
	}()

	holder := m.opts.holder(now)
	var index uint64
	for {
		pair, meta, err := m.store.Get(ctx, lockKey, kv.QueryOptions{WaitIndex: index, WaitTime: m.opts.waitTime()})
		if err != nil {
			return nil, fmt.Errorf("lock: read %s: %w", lockKey, err)
		}
		index = kv.NextIndex(index, meta.LastIndex)
		if m.opts.SessionTTL > 0 {
			if err := m.store.SessionRenew(ctx, sessionID); err != nil {
				if errors.Is(err, kv.ErrSessionNotFound) {
					err = kv.NewTransientError(err)
				}
				return nil, fmt.Errorf("lock: renew session while waiting: %w", err)
			}
		}
		if pair != nil && pair.Flags != FlagValue {
			return nil, fmt.Errorf("%w: %s has flags %#x, want %#x", ErrFlagMismatch, lockKey, pair.Flags, FlagValue)
		}
		if pair != nil && pair.Session != "" {
			logger.Debug("lock.acquire.held_elsewhere", "holder", string(pair.Value), "holder_session", pair.Session, "index", index)
			continue
		}

		acquired, err := m.store.Put(ctx, &kv.Pair{Key: lockKey, Value: []byte(holder), Flags: FlagValue}, kv.PutOptions{Acquire: sessionID})
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", lockKey, err)
		}
		if !acquired {
			// The record looked free but the store refused: a concurrent
			// acquirer won, or the key is still inside its lock-delay. Neither
			// necessarily moves the index, so poll instead of blocking.
			logger.Debug("lock.acquire.lost_race", "index", index)
			m.metrics.recordContention(ctx)
			index = 0
			if err := m.retry.Pause(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return m.confirm(ctx, key, sessionID)
	}
}

// confirm reads the freshly acquired record to capture the index that guards
// its release.
func (m *Manager) confirm(ctx context.Context, key, sessionID string) (*Lease, error) {
	lockKey := Key(key)
	var pair *kv.Pair
	err := m.retry.Do(ctx, "lock.confirm", func(ctx context.Context) error {
		p, _, err := m.store.Get(ctx, lockKey, kv.QueryOptions{})
		pair = p
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lock: read acquired %s: %w", lockKey, err)
	}
	if pair == nil || pair.Session != sessionID || pair.Flags != FlagValue {
		return nil, fmt.Errorf("%w: %s changed hands right after acquisition", ErrLockLost, lockKey)
	}
	return &Lease{
		Key:           key,
		LockKey:       lockKey,
		SessionID:     sessionID,
		AcquiredIndex: pair.ModifyIndex,
		AcquiredAt:    m.opts.Clock.Now(),
		store:         m.store,
	}, nil
}

// cleanupContext is detached from the caller so that release still happens
// after cancellation.
func (m *Manager) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
}

// release deletes the lock record with the acquisition index as CAS and then
// destroys the session. Transient errors are retried in place; the action is
// never re-run.
func (m *Manager) release(ctx context.Context, lease *Lease, logger pslog.Logger) error {
	cctx, cancel := m.cleanupContext(ctx)
	defer cancel()

	var errs []error
	if err := m.deleteLockRecord(cctx, lease); err != nil {
		errs = append(errs, err)
	}
	if err := m.destroySession(cctx, lease.SessionID, logger); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) deleteLockRecord(ctx context.Context, lease *Lease) error {
	var pair *kv.Pair
	err := m.retry.Do(ctx, "lock.release.read", func(ctx context.Context) error {
		p, _, err := m.store.Get(ctx, lease.LockKey, kv.QueryOptions{})
		pair = p
		return err
	})
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.LockKey, err)
	}
	switch {
	case pair == nil:
		return fmt.Errorf("%w: %s was deleted while held", ErrLockLost, lease.LockKey)
	case pair.Session != lease.SessionID || pair.ModifyIndex != lease.AcquiredIndex:
		return fmt.Errorf("%w: %s is now at index %d owned by session %q, acquired at index %d",
			ErrLockLost, lease.LockKey, pair.ModifyIndex, pair.Session, lease.AcquiredIndex)
	}

	var deleted bool
	err = m.retry.Do(ctx, "lock.release.delete", func(ctx context.Context) error {
		ok, err := m.store.Delete(ctx, lease.LockKey, lease.AcquiredIndex)
		deleted = ok
		return err
	})
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.LockKey, err)
	}
	if !deleted {
		return fmt.Errorf("%w: check-and-set delete of %s at index %d was rejected", ErrLockLost, lease.LockKey, lease.AcquiredIndex)
	}
	return nil
}

// destroySession removes a session, retrying transient errors until ctx, a
// cleanup context, expires.
func (m *Manager) destroySession(ctx context.Context, id string, logger pslog.Logger) error {
	err := m.retry.Do(ctx, "session.destroy", func(ctx context.Context) error {
		return m.store.SessionDestroy(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("lock: destroy session %s: %w", id, err)
	}
	logger.Debug("lock.session.destroyed")
	return nil
}
