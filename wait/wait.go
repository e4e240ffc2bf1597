// Package wait blocks until a condition observed in the store holds.
//
// All waits are unbounded: they return when the condition holds, when the
// store reports a non-transient error, or when ctx ends. Callers that need a
// timeout put one on ctx.
package wait

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/internal/retry"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// DefaultSessionProbeTTL is the TTL of the throwaway session created by
// Session.
const DefaultSessionProbeTTL = 10 * time.Second

// Options configures a Waiter.
type Options struct {
	RetryDelay time.Duration
	// WaitTime bounds each blocking read; zero uses the store default.
	WaitTime time.Duration
	// SessionName names the probe session created by Session.
	SessionName string
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Waiter runs blocking waits against a store.
type Waiter struct {
	store   kv.Store
	opts    Options
	retry   *retry.Loop
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *waitMetrics
}

// New returns a Waiter using store.
func New(store kv.Store, opts Options) *Waiter {
	opts.Clock = clock.Or(opts.Clock)
	if opts.SessionName == "" {
		opts.SessionName = "consulhelper waitForSession"
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "wait")
	return &Waiter{
		store:   store,
		opts:    opts,
		retry:   retry.New(opts.Clock, opts.RetryDelay, logger),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/consulhelper/wait"),
		metrics: newWaitMetrics(logger),
	}
}

// ReadFunc performs one read. index is the watch index of the previous read
// (zero on the first call); the returned index is passed to the next call.
type ReadFunc[T any] func(ctx context.Context, index uint64) (uint64, T, error)

// Until calls read until pred accepts its result. Transient errors reset the
// watch index and are retried after the fixed delay. When a read returns
// without its index advancing, the next read waits the fixed delay first so
// that stores which ignore the watch index are not polled in a busy loop.
func Until[T any](ctx context.Context, w *Waiter, name string, read ReadFunc[T], pred func(T) bool) (T, error) {
	ctx, span := w.tracer.Start(ctx, "consulhelper.wait."+name)
	defer span.End()
	logger := correlation.WithLogger(ctx, w.logger).With("wait", name)
	start := w.opts.Clock.Now()

	var (
		index  uint64
		reads  int
		result T
	)
	for {
		got, value, err := read(ctx, index)
		reads++
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if !kv.IsTransient(err) {
				span.RecordError(err)
				return result, err
			}
			index = 0
			if perr := w.retry.Transient(ctx, "wait."+name, err); perr != nil {
				return result, perr
			}
			continue
		}
		if pred(value) {
			elapsed := w.opts.Clock.Now().Sub(start)
			span.SetAttributes(attribute.Int("consulhelper.wait.reads", reads))
			w.metrics.recordSatisfied(ctx, name, elapsed)
			logger.Debug("wait.satisfied", "reads", reads, "elapsed", elapsed, "index", got)
			return value, nil
		}
		next := kv.NextIndex(index, got)
		stalled := index != 0 && next == index
		index = next
		logger.Trace("wait.unsatisfied", "index", index, "reads", reads)
		if stalled {
			if perr := w.retry.Pause(ctx); perr != nil {
				return result, perr
			}
		}
	}
}

// Leader blocks until the cluster reports a leader and returns its address.
// The status endpoint is not index based, so this polls with the fixed delay.
func (w *Waiter) Leader(ctx context.Context) (string, error) {
	return Until(ctx, w, "leader", func(ctx context.Context, _ uint64) (uint64, string, error) {
		leader, err := w.store.Leader(ctx)
		if err != nil || leader != "" {
			return 0, leader, err
		}
		if perr := w.retry.Pause(ctx); perr != nil {
			return 0, "", perr
		}
		return 0, "", nil
	}, func(leader string) bool { return leader != "" })
}

// Session blocks until the store accepts session creation. The probe session
// is destroyed before returning, also when a later step fails.
func (w *Waiter) Session(ctx context.Context) error {
	_, err := Until(ctx, w, "session", func(ctx context.Context, _ uint64) (uint64, bool, error) {
		id, err := w.store.SessionCreate(ctx, kv.SessionEntry{
			Name:     w.opts.SessionName,
			TTL:      DefaultSessionProbeTTL,
			Behavior: kv.SessionBehaviorRelease,
		})
		if err != nil {
			return 0, false, err
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := w.retry.Do(cctx, "wait.session.destroy", func(ctx context.Context) error {
			return w.store.SessionDestroy(ctx, id)
		}); err != nil {
			return 0, false, fmt.Errorf("wait: destroy probe session %s: %w", id, err)
		}
		return 0, true, nil
	}, func(ok bool) bool { return ok })
	return err
}

// Value blocks until key exists and, when target is non-nil, until its value
// equals target byte for byte. It returns the matching record.
func (w *Waiter) Value(ctx context.Context, key string, target []byte) (*kv.Pair, error) {
	return Until(ctx, w, "value", func(ctx context.Context, index uint64) (uint64, *kv.Pair, error) {
		pair, meta, err := w.store.Get(ctx, key, kv.QueryOptions{WaitIndex: index, WaitTime: w.opts.WaitTime})
		return meta.LastIndex, pair, err
	}, func(pair *kv.Pair) bool {
		if pair == nil {
			return false
		}
		return target == nil || bytes.Equal(pair.Value, target)
	})
}

// ValueEquals reads key once and reports whether its value equals expected.
// An absent key does not match. Transient errors are retried.
func (w *Waiter) ValueEquals(ctx context.Context, key string, expected []byte) (bool, error) {
	var pair *kv.Pair
	err := w.retry.Do(ctx, "ensure_value_equals", func(ctx context.Context) error {
		p, _, err := w.store.Get(ctx, key, kv.QueryOptions{})
		pair = p
		return err
	})
	if err != nil {
		return false, err
	}
	if pair == nil {
		return false, nil
	}
	return bytes.Equal(pair.Value, expected), nil
}

// ErrNoService is returned for a ServiceQuery without a service name.
var ErrNoService = errors.New("wait: service name required")

// ServiceQuery selects the instances Service waits for.
type ServiceQuery struct {
	Service string
	// Node restricts matching instances to one node.
	Node string
	// WaitForIndexChange makes the wait ignore instances that were already
	// passing on the first read: it only succeeds once the largest check
	// ModifyIndex exceeds the value seen on that first read.
	WaitForIndexChange bool
}

// Service blocks until at least one passing instance matches q.
//
// The health endpoint's index does not reliably advance on every check
// transition, so with WaitForIndexChange the baseline is latched once from
// the first read and never reset. If no check ever changes after that the
// wait does not return.
func (w *Waiter) Service(ctx context.Context, q ServiceQuery) ([]kv.ServiceEntry, error) {
	if q.Service == "" {
		return nil, ErrNoService
	}
	var (
		latched  bool
		baseline uint64
	)
	type observation struct {
		entries []kv.ServiceEntry
		checks  uint64
	}
	obs, err := Until(ctx, w, "service", func(ctx context.Context, index uint64) (uint64, observation, error) {
		entries, meta, err := w.store.HealthService(ctx, q.Service, true, kv.QueryOptions{WaitIndex: index, WaitTime: w.opts.WaitTime})
		if err != nil {
			return 0, observation{}, err
		}
		entries = filterNode(entries, q.Node)
		checks := kv.MaxCheckModifyIndex(entries)
		if q.WaitForIndexChange && !latched {
			latched = true
			baseline = checks
			w.logger.Debug("wait.service.baseline", "service", q.Service, "node", q.Node, "check_index", baseline)
		}
		return meta.LastIndex, observation{entries: entries, checks: checks}, nil
	}, func(o observation) bool {
		if len(o.entries) == 0 {
			return false
		}
		return !q.WaitForIndexChange || o.checks > baseline
	})
	if err != nil {
		return nil, err
	}
	return obs.entries, nil
}

func filterNode(entries []kv.ServiceEntry, node string) []kv.ServiceEntry {
	if node == "" {
		return entries
	}
	out := entries[:0:0]
	for _, entry := range entries {
		if entry.Node == node {
			out = append(out, entry)
		}
	}
	return out
}
