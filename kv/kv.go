// Package kv defines the store surface consumed by the coordination
// primitives: a linearizable key/value space with sessions, check-and-set
// writes, blocking index reads, leader status and service health.
//
// Implementations live in sub-packages: consulkv talks to a Consul agent,
// memkv is an in-process store used by tests, and kvtrace decorates any Store
// with tracing and debug logging.
package kv

import (
	"context"
	"errors"
	"time"
)

// Pair is a single key/value record as returned by the store.
type Pair struct {
	Key         string
	Value       []byte
	Flags       uint64
	Session     string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
}

// Clone returns a deep copy of p.
func (p *Pair) Clone() *Pair {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Value != nil {
		clone.Value = append([]byte(nil), p.Value...)
	}
	return &clone
}

// QueryOptions controls blocking reads. A zero WaitIndex returns immediately;
// a non-zero WaitIndex blocks until the watched data changes past that index
// or WaitTime elapses (store default when zero).
type QueryOptions struct {
	WaitIndex uint64
	WaitTime  time.Duration
}

// QueryMeta carries the watch index returned by a read.
type QueryMeta struct {
	LastIndex   uint64
	KnownLeader bool
}

// PutOptions selects the write mode for Put. At most one of Acquire, Release
// or CheckAndSet should be set.
type PutOptions struct {
	// CheckAndSet makes the write conditional on CAS. A CAS of zero only
	// succeeds when the key does not exist yet.
	CheckAndSet bool
	CAS         uint64
	// Acquire takes the key's lock for the given session.
	Acquire string
	// Release drops the key's lock held by the given session.
	Release string
}

// SessionEntry describes a session to create.
type SessionEntry struct {
	Name      string
	TTL       time.Duration
	Behavior  string
	LockDelay time.Duration
}

// Session behaviors understood by the store.
const (
	SessionBehaviorRelease = "release"
	SessionBehaviorDelete  = "delete"
)

// Health check states.
const (
	HealthPassing  = "passing"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// HealthCheck is one check attached to a service instance or its node.
type HealthCheck struct {
	Node        string
	CheckID     string
	Name        string
	Status      string
	Output      string
	ServiceID   string
	ModifyIndex uint64
}

// ServiceEntry is a service instance together with its health checks.
type ServiceEntry struct {
	Node        string
	ServiceID   string
	ServiceName string
	Checks      []HealthCheck
}

// MaxCheckModifyIndex returns the largest check ModifyIndex across entries,
// or zero when there are no checks.
func MaxCheckModifyIndex(entries []ServiceEntry) uint64 {
	var max uint64
	for _, entry := range entries {
		for _, check := range entry.Checks {
			if check.ModifyIndex > max {
				max = check.ModifyIndex
			}
		}
	}
	return max
}

// Store is the client surface of the coordination store.
type Store interface {
	// Get reads key. A missing key yields a nil Pair and no error.
	Get(ctx context.Context, key string, q QueryOptions) (*Pair, QueryMeta, error)
	// Put writes p.Key/p.Value/p.Flags according to opts and reports whether
	// the write took effect (false on CAS mismatch or lock contention).
	Put(ctx context.Context, p *Pair, opts PutOptions) (bool, error)
	// Delete removes key only when its ModifyIndex equals cas.
	Delete(ctx context.Context, key string, cas uint64) (bool, error)

	SessionCreate(ctx context.Context, entry SessionEntry) (string, error)
	// SessionRenew returns ErrSessionNotFound when the session is gone.
	SessionRenew(ctx context.Context, id string) error
	SessionDestroy(ctx context.Context, id string) error

	// Leader returns the current leader address, empty when there is none.
	Leader(ctx context.Context) (string, error)
	// HealthService lists instances of service, optionally only those whose
	// checks are all passing.
	HealthService(ctx context.Context, service string, passingOnly bool, q QueryOptions) ([]ServiceEntry, QueryMeta, error)
	// PassTTL marks a TTL check as passing with the supplied note.
	PassTTL(ctx context.Context, checkID, note string) error
}

var (
	// ErrSessionNotFound reports that a session no longer exists (expired or
	// destroyed).
	ErrSessionNotFound = errors.New("kv: session not found")
	// ErrCheckNotFound reports an unknown health check.
	ErrCheckNotFound = errors.New("kv: check not found")
)

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable: the store was unreachable or
// answered with a service-level failure.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// NextIndex computes the watch index to pass to the following blocking read.
// An index that moved backwards resets the watch, and zero is never used as
// a blocking index once a read has happened.
func NextIndex(prev, got uint64) uint64 {
	if got < prev {
		return 0
	}
	if got == 0 {
		return 1
	}
	return got
}
