// Package memkv is an in-process kv.Store with the Consul semantics the
// coordination primitives depend on: a single raft-like index, blocking
// reads, check-and-set writes, sessions with TTL expiry and lock
// acquire/release, plus a small service health catalog.
//
// It is intended for tests and local experiments. Fault injection and call
// hooks let tests force transient errors and interleave concurrent writers.
package memkv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/kv"
)

// DefaultMaxWait bounds a blocking read that did not ask for a wait time.
const DefaultMaxWait = 5 * time.Minute

// Op names a store operation for fault injection, hooks and call counters.
type Op string

// Store operations.
const (
	OpGet            Op = "get"
	OpPut            Op = "put"
	OpDelete         Op = "delete"
	OpSessionCreate  Op = "session.create"
	OpSessionRenew   Op = "session.renew"
	OpSessionDestroy Op = "session.destroy"
	OpLeader         Op = "leader"
	OpHealthService  Op = "health.service"
	OpPassTTL        Op = "agent.pass_ttl"
)

// Hook runs before op executes, outside the store's lock. subject is the key,
// session ID, service name or check ID the call targets.
type Hook func(ctx context.Context, op Op, subject string)

// Options configures a Store.
type Options struct {
	Clock clock.Clock
	// MaxWait is used for blocking reads without an explicit wait time.
	MaxWait time.Duration
	// Leader is the initial leader address; empty means no leader.
	Leader string
}

// Store implements kv.Store in memory.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	maxWait time.Duration

	index       uint64
	kvIndex     uint64
	healthIndex uint64
	changed     chan struct{}

	pairs     map[string]*kv.Pair
	sessions  map[string]*session
	leader    string
	instances map[string]*instance

	faults map[Op][]error
	hooks  map[Op][]Hook
	calls  map[Op]int
}

type session struct {
	id      string
	entry   kv.SessionEntry
	expires time.Time
}

type instance struct {
	node        string
	serviceID   string
	serviceName string
	checks      []kv.HealthCheck
}

var _ kv.Store = (*Store)(nil)

// New returns an empty store that uses the real clock and has a leader.
func New() *Store {
	return NewWithOptions(Options{Leader: "127.0.0.1:8300"})
}

// NewWithOptions returns an empty store configured by opts.
func NewWithOptions(opts Options) *Store {
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Store{
		clock:     clock.Or(opts.Clock),
		maxWait:   maxWait,
		index:     1,
		changed:   make(chan struct{}),
		pairs:     make(map[string]*kv.Pair),
		sessions:  make(map[string]*session),
		leader:    opts.Leader,
		instances: make(map[string]*instance),
		faults:    make(map[Op][]error),
		hooks:     make(map[Op][]Hook),
		calls:     make(map[Op]int),
	}
}

// FailNext queues errs to be returned, one per call, by the next calls of op.
// Wrap an error with kv.NewTransientError to simulate an unreachable agent.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// OnCall registers fn to run before every call of op.
func (s *Store) OnCall(op Op, fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = append(s.hooks[op], fn)
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call, runs hooks and pops an injected fault.
func (s *Store) enter(ctx context.Context, op Op, subject string) error {
	s.mu.Lock()
	s.calls[op]++
	hooks := append([]Hook(nil), s.hooks[op]...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, op, subject)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if queued := s.faults[op]; len(queued) > 0 {
		err := queued[0]
		s.faults[op] = queued[1:]
		return err
	}
	return nil
}

// bumpLocked advances the index and wakes blocked readers.
func (s *Store) bumpLocked() uint64 {
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.index
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string, q kv.QueryOptions) (*kv.Pair, kv.QueryMeta, error) {
	if err := s.enter(ctx, OpGet, key); err != nil {
		return nil, kv.QueryMeta{}, err
	}
	var (
		pair *kv.Pair
		meta kv.QueryMeta
	)
	err := s.block(ctx, q, func() uint64 {
		pair = nil
		idx := s.kvIndex
		if p, ok := s.pairs[key]; ok {
			pair = p.Clone()
			idx = p.ModifyIndex
		}
		meta = kv.QueryMeta{LastIndex: idx, KnownLeader: s.leader != ""}
		return idx
	})
	if err != nil {
		return nil, kv.QueryMeta{}, err
	}
	return pair, meta, nil
}

// block evaluates read under the lock until its index passes q.WaitIndex or
// the wait time elapses.
func (s *Store) block(ctx context.Context, q kv.QueryOptions, read func() uint64) error {
	var timeout <-chan time.Time
	expired := false
	for {
		s.mu.Lock()
		s.expireLocked()
		idx := read()
		if q.WaitIndex == 0 || idx > q.WaitIndex || expired {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()
		if timeout == nil {
			wait := q.WaitTime
			if wait <= 0 || wait > s.maxWait {
				wait = s.maxWait
			}
			timeout = s.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-timeout:
			expired = true
		}
	}
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, p *kv.Pair, opts kv.PutOptions) (bool, error) {
	if p == nil {
		return false, errors.New("memkv: nil pair")
	}
	if err := s.enter(ctx, OpPut, p.Key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	existing, exists := s.pairs[p.Key]

	switch {
	case opts.Acquire != "":
		if _, ok := s.sessions[opts.Acquire]; !ok {
			return false, fmt.Errorf("memkv: invalid session %q", opts.Acquire)
		}
		if exists && existing.Session != "" && existing.Session != opts.Acquire {
			return false, nil
		}
	case opts.Release != "":
		if !exists || existing.Session != opts.Release {
			return false, nil
		}
	case opts.CheckAndSet:
		if opts.CAS == 0 && exists {
			return false, nil
		}
		if opts.CAS != 0 && (!exists || existing.ModifyIndex != opts.CAS) {
			return false, nil
		}
	}

	idx := s.bumpLocked()
	s.kvIndex = idx
	next := &kv.Pair{
		Key:         p.Key,
		Value:       append([]byte(nil), p.Value...),
		Flags:       p.Flags,
		CreateIndex: idx,
		ModifyIndex: idx,
	}
	if exists {
		next.CreateIndex = existing.CreateIndex
		next.Session = existing.Session
		next.LockIndex = existing.LockIndex
	}
	switch {
	case opts.Acquire != "":
		if next.Session != opts.Acquire {
			next.LockIndex++
		}
		next.Session = opts.Acquire
	case opts.Release != "":
		next.Session = ""
	}
	s.pairs[p.Key] = next
	return true, nil
}

// Delete implements kv.Store. As with Consul, a check-and-set delete of a key
// that does not exist reports success.
func (s *Store) Delete(ctx context.Context, key string, cas uint64) (bool, error) {
	if err := s.enter(ctx, OpDelete, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	existing, ok := s.pairs[key]
	if !ok {
		return true, nil
	}
	if existing.ModifyIndex != cas {
		return false, nil
	}
	delete(s.pairs, key)
	s.kvIndex = s.bumpLocked()
	return true, nil
}

// SessionCreate implements kv.Store.
func (s *Store) SessionCreate(ctx context.Context, entry kv.SessionEntry) (string, error) {
	if err := s.enter(ctx, OpSessionCreate, entry.Name); err != nil {
		return "", err
	}
	if entry.Behavior == "" {
		entry.Behavior = kv.SessionBehaviorRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &session{id: uuid.NewString(), entry: entry}
	if entry.TTL > 0 {
		sess.expires = s.clock.Now().Add(entry.TTL)
	}
	s.sessions[sess.id] = sess
	s.bumpLocked()
	return sess.id, nil
}

// SessionRenew implements kv.Store.
func (s *Store) SessionRenew(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpSessionRenew, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	sess, ok := s.sessions[id]
	if !ok {
		return kv.ErrSessionNotFound
	}
	if sess.entry.TTL > 0 {
		sess.expires = s.clock.Now().Add(sess.entry.TTL)
	}
	return nil
}

// SessionDestroy implements kv.Store. Locks held by the session are handled
// according to its behavior.
func (s *Store) SessionDestroy(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpSessionDestroy, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		s.invalidateLocked(sess)
	}
	return nil
}

// HasSession reports whether id is a live session.
func (s *Store) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	_, ok := s.sessions[id]
	return ok
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.sessions)
}

// ExpireSessions invalidates every session whose TTL has lapsed on the
// store's clock and wakes blocked readers. It returns the number expired.
// Expiry also happens lazily on every call; tests driving a manual clock use
// this to make it visible without issuing a request.
func (s *Store) ExpireSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked()
}

func (s *Store) expireLocked() int {
	now := s.clock.Now()
	var expired []*session
	for _, sess := range s.sessions {
		if !sess.expires.IsZero() && !now.Before(sess.expires) {
			expired = append(expired, sess)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
	for _, sess := range expired {
		s.invalidateLocked(sess)
	}
	return len(expired)
}

func (s *Store) invalidateLocked(sess *session) {
	delete(s.sessions, sess.id)
	for key, pair := range s.pairs {
		if pair.Session != sess.id {
			continue
		}
		idx := s.bumpLocked()
		s.kvIndex = idx
		if sess.entry.Behavior == kv.SessionBehaviorDelete {
			delete(s.pairs, key)
			continue
		}
		next := pair.Clone()
		next.Session = ""
		next.ModifyIndex = idx
		s.pairs[key] = next
	}
	s.bumpLocked()
}

// Leader implements kv.Store.
func (s *Store) Leader(ctx context.Context) (string, error) {
	if err := s.enter(ctx, OpLeader, ""); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader, nil
}

// SetLeader changes the reported leader address.
func (s *Store) SetLeader(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = addr
	s.bumpLocked()
}

// ForcePut writes p unconditionally, bypassing hooks and faults. Tests use it
// to play an external actor such as an operator overwriting a lock record.
func (s *Store) ForcePut(p *kv.Pair) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.bumpLocked()
	s.kvIndex = idx
	next := p.Clone()
	next.ModifyIndex = idx
	if existing, ok := s.pairs[p.Key]; ok {
		next.CreateIndex = existing.CreateIndex
	} else {
		next.CreateIndex = idx
	}
	s.pairs[p.Key] = next
	return idx
}

// ForceDelete removes key unconditionally, bypassing hooks and faults.
func (s *Store) ForceDelete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[key]; !ok {
		return
	}
	delete(s.pairs, key)
	s.kvIndex = s.bumpLocked()
}

// Peek returns a copy of key without counting a call.
func (s *Store) Peek(key string) *kv.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.pairs[key].Clone()
}
