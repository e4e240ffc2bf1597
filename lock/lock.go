// Package lock implements a Consul-compatible mutual exclusion lock around a
// caller supplied action.
//
// A lock on key K lives at K/.lock. It is held when that record carries
// FlagValue and names the holder's session. The record format and flag match
// `consul lock`, so both tools can contend for the same key.
//
// Release is guarded by the index observed right after acquisition: a holder
// never deletes a record that somebody else created after taking the lock
// away, and reports ErrLockLost instead.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/retry"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// FlagValue tags lock records. It equals Consul's api.LockFlagValue.
const FlagValue uint64 = 0x2ddccbc058a50c18

// KeySuffix is appended to a logical key to form its lock key.
const KeySuffix = "/.lock"

// Defaults applied by New.
const (
	DefaultWaitFraction   = 0.8
	DefaultCleanupTimeout = 10 * time.Second
)

var (
	// ErrFlagMismatch reports a lock key that holds a record not written by a
	// lock holder. The record is left untouched.
	ErrFlagMismatch = errors.New("lock: existing key does not match lock use")
	// ErrLockLost reports that the lock record was removed or replaced by
	// someone else while it was held.
	ErrLockLost = errors.New("lock: lock lost")
	// ErrSessionLost reports that the holder's session vanished (expired or
	// destroyed) while the action was running.
	ErrSessionLost = errors.New("lock: session lost")
)

// IsProtocolViolation reports whether err carries one of the fatal lock
// protocol errors.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrFlagMismatch) || errors.Is(err, ErrLockLost) || errors.Is(err, ErrSessionLost)
}

// Key returns the lock key for a logical key.
func Key(key string) string {
	return key + KeySuffix
}

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	// SessionTTL is the session time-to-live. Zero creates a session that
	// never expires on its own and disables renewal.
	SessionTTL time.Duration
	// RenewInterval is the keepalive period while the lock is held
	// (default SessionTTL/2).
	RenewInterval time.Duration
	// WaitFraction of SessionTTL bounds each blocking read while waiting for
	// the lock (default 0.8).
	WaitFraction float64
	// RetryDelay is the pause after transient errors and lost races.
	RetryDelay time.Duration
	// CleanupTimeout bounds release and session destruction, which run even
	// after the caller's context was cancelled.
	CleanupTimeout time.Duration
	// Holder is the value written to the lock record
	// (default "hostname (timestamp)").
	Holder string
	// SessionName names the session; a default naming pid and key is used
	// when empty.
	SessionName string
	Clock       clock.Clock
	Logger      pslog.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = retry.DefaultDelay
	}
	if o.WaitFraction <= 0 || o.WaitFraction >= 1 {
		o.WaitFraction = DefaultWaitFraction
	}
	if o.SessionTTL > 0 && o.RenewInterval <= 0 {
		o.RenewInterval = o.SessionTTL / 2
	}
	if o.RenewInterval > 0 && o.RenewInterval < o.RetryDelay {
		o.RenewInterval = o.RetryDelay
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	o.Clock = clock.Or(o.Clock)
	return o
}

// waitTime is the blocking read bound used while waiting for the lock.
func (o Options) waitTime() time.Duration {
	if o.SessionTTL <= 0 {
		return 0
	}
	return time.Duration(float64(o.SessionTTL) * o.WaitFraction)
}

func (o Options) holder(now time.Time) string {
	if o.Holder != "" {
		return o.Holder
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s (%s)", host, now.Format(time.RFC3339Nano))
}

func (o Options) sessionName(ctx context.Context, key string, now time.Time) string {
	name := o.SessionName
	if name == "" {
		name = fmt.Sprintf("consulhelper[%d] lock %s (%s)", os.Getpid(), key, now.Format(time.RFC3339))
	}
	if cid := correlation.ID(ctx); cid != "" {
		name += " cid=" + cid
	}
	return name
}

// Lease describes a held lock. It is only valid inside the action.
type Lease struct {
	Key           string
	LockKey       string
	SessionID     string
	AcquiredIndex uint64
	AcquiredAt    time.Time

	store kv.Store
}

// Renew extends the lease's session once.
func (l *Lease) Renew(ctx context.Context) error {
	return l.store.SessionRenew(ctx, l.SessionID)
}
