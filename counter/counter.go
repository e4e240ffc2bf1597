// Package counter increments integer values stored under a key with
// optimistic check-and-set writes.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/internal/retry"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// ErrNotInteger reports a counter key holding a value that is not a base-10
// integer. The key is left untouched. Integers of any size are accepted.
var ErrNotInteger = errors.New("counter: value is not an integer")

// Options configures an Incrementer.
type Options struct {
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Incrementer performs read-modify-write increments.
type Incrementer struct {
	store  kv.Store
	retry  *retry.Loop
	logger pslog.Logger

	conflicts metric.Int64Counter
}

// New returns an Incrementer using store.
func New(store kv.Store, opts Options) *Incrementer {
	logger := loggingutil.WithSubsystem(opts.Logger, "counter")
	inc := &Incrementer{
		store:  store,
		retry:  retry.New(opts.Clock, opts.RetryDelay, logger),
		logger: logger,
	}
	conflicts, err := otel.Meter("pkt.systems/consulhelper/counter").Int64Counter(
		"consulhelper.counter.cas_conflicts",
		metric.WithDescription("Counter increments that lost a check-and-set race"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "consulhelper.counter.cas_conflicts", "error", err)
	}
	inc.conflicts = conflicts
	return inc
}

// Increment adds one to the integer stored at key and returns the value
// written. An absent key becomes "1". Lost races and transient errors retry
// the whole read-modify-write cycle.
func (c *Incrementer) Increment(ctx context.Context, key string) (*big.Int, error) {
	logger := correlation.WithLogger(ctx, c.logger).With("key", key)
	for attempt := 1; ; attempt++ {
		next, ok, err := c.try(ctx, key)
		switch {
		case err == nil && ok:
			logger.Debug("counter.incremented", "value", next.String(), "attempts", attempt)
			return next, nil
		case err == nil:
			if c.conflicts != nil {
				c.conflicts.Add(ctx, 1)
			}
			logger.Debug("counter.cas_conflict", "attempt", attempt)
			if perr := c.retry.Pause(ctx); perr != nil {
				return nil, perr
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case kv.IsTransient(err):
			if perr := c.retry.Transient(ctx, "counter.increment", err, "key", key); perr != nil {
				return nil, perr
			}
		default:
			return nil, err
		}
	}
}

// try performs one read-modify-write cycle and reports whether the write won.
func (c *Incrementer) try(ctx context.Context, key string) (*big.Int, bool, error) {
	pair, _, err := c.store.Get(ctx, key, kv.QueryOptions{})
	if err != nil {
		return nil, false, err
	}
	next := big.NewInt(1)
	var cas uint64
	if pair != nil {
		current, err := parse(pair.Value)
		if err != nil {
			return nil, false, fmt.Errorf("%w: key %q holds %q: %w", ErrNotInteger, key, pair.Value, err)
		}
		next.Add(next, current)
		cas = pair.ModifyIndex
	}
	ok, err := c.store.Put(ctx, &kv.Pair{Key: key, Value: []byte(next.String())},
		kv.PutOptions{CheckAndSet: true, CAS: cas})
	if err != nil {
		return nil, false, err
	}
	return next, ok, nil
}

// parse reads a base-10 integer with an optional sign, ignoring surrounding
// whitespace.
func parse(value []byte) (*big.Int, error) {
	s := strings.TrimSpace(string(value))
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid base-10 integer %q", s)
	}
	return n, nil
}
