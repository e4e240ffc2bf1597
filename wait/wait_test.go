package wait_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/consulhelper/kv"
	"pkt.systems/consulhelper/kv/memkv"
	"pkt.systems/consulhelper/wait"
)

func newWaiter(store kv.Store) *wait.Waiter {
	return wait.New(store, wait.Options{RetryDelay: time.Millisecond, WaitTime: time.Second})
}

func TestLeaderWaitsUntilElected(t *testing.T) {
	t.Parallel()

	store := memkv.NewWithOptions(memkv.Options{})
	store.FailNext(memkv.OpLeader, kv.NewTransientError(errors.New("connection refused")))
	go func() {
		time.Sleep(20 * time.Millisecond)
		store.SetLeader("10.0.0.2:8300")
	}()
	leader, err := newWaiter(store).Leader(context.Background())
	if err != nil {
		t.Fatalf("leader: %v", err)
	}
	if leader != "10.0.0.2:8300" {
		t.Fatalf("unexpected leader %q", leader)
	}
	if store.Calls(memkv.OpLeader) < 3 {
		t.Fatalf("expected polling, got %d calls", store.Calls(memkv.OpLeader))
	}
}

func TestSessionProbeDestroysSession(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	store.FailNext(memkv.OpSessionCreate, kv.NewTransientError(errors.New("No cluster leader")))
	store.FailNext(memkv.OpSessionDestroy, kv.NewTransientError(errors.New("timeout")))
	if err := newWaiter(store).Session(context.Background()); err != nil {
		t.Fatalf("session: %v", err)
	}
	if store.Calls(memkv.OpSessionCreate) != 2 {
		t.Fatalf("expected one retried create, got %d", store.Calls(memkv.OpSessionCreate))
	}
	if store.SessionCount() != 0 {
		t.Fatalf("probe session leaked")
	}
}

func TestValueWithoutTargetReturnsOnceKeyExists(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	key := "ready/" + xid.New().String()
	done := make(chan *kv.Pair, 1)
	go func() {
		pair, err := newWaiter(store).Value(context.Background(), key, nil)
		if err != nil {
			t.Errorf("value: %v", err)
		}
		done <- pair
	}()
	select {
	case <-done:
		t.Fatal("returned before key existed")
	case <-time.After(20 * time.Millisecond):
	}
	store.ForcePut(&kv.Pair{Key: key, Value: []byte("")})
	select {
	case pair := <-done:
		if pair == nil || pair.Key != key {
			t.Fatalf("unexpected pair %+v", pair)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe key creation")
	}
}

func TestValueWithTargetWaitsForExactBytes(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	key := "state/" + xid.New().String()
	store.ForcePut(&kv.Pair{Key: key, Value: []byte("starting")})

	done := make(chan error, 1)
	go func() {
		_, err := newWaiter(store).Value(context.Background(), key, []byte("ready"))
		done <- err
	}()
	for _, v := range []string{"ready ", "READY", "read"} {
		store.ForcePut(&kv.Pair{Key: key, Value: []byte(v)})
		select {
		case <-done:
			t.Fatalf("returned on non-matching value %q", v)
		case <-time.After(10 * time.Millisecond):
		}
	}
	store.ForcePut(&kv.Pair{Key: key, Value: []byte("ready")})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("value: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe matching value")
	}
}

func TestValueAlreadyMatchingReturnsOnFirstRead(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	key := "state/" + xid.New().String()
	store.ForcePut(&kv.Pair{Key: key, Value: []byte("ready")})
	pair, err := newWaiter(store).Value(context.Background(), key, []byte("ready"))
	if err != nil || pair == nil {
		t.Fatalf("value: %v %v", pair, err)
	}
	if store.Calls(memkv.OpGet) != 1 {
		t.Fatalf("expected a single read, got %d", store.Calls(memkv.OpGet))
	}
}

func TestValueEquals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memkv.New()
	store.ForcePut(&kv.Pair{Key: "k", Value: []byte("v1")})
	store.FailNext(memkv.OpGet, kv.NewTransientError(errors.New("EOF")))
	w := newWaiter(store)

	cases := []struct {
		key  string
		want []byte
		ok   bool
	}{
		{key: "k", want: []byte("v1"), ok: true},
		{key: "k", want: []byte("v2"), ok: false},
		{key: "missing", want: []byte(""), ok: false},
	}
	for _, tc := range cases {
		got, err := w.ValueEquals(ctx, tc.key, tc.want)
		if err != nil {
			t.Fatalf("ValueEquals(%s): %v", tc.key, err)
		}
		if got != tc.ok {
			t.Fatalf("ValueEquals(%s, %q) = %v, want %v", tc.key, tc.want, got, tc.ok)
		}
	}
}

func TestWaitPropagatesFatalErrors(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	denied := errors.New("Permission denied")
	store.FailNext(memkv.OpGet, denied)
	if _, err := newWaiter(store).Value(context.Background(), "k", nil); !errors.Is(err, denied) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestServiceWaitsForPassingInstanceOnNode(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	store.RegisterService("n1", "web-1", "web", kv.HealthCheck{CheckID: "web-ttl", Status: kv.HealthPassing})
	store.RegisterService("n2", "web-2", "web", kv.HealthCheck{CheckID: "web-ttl", Status: kv.HealthCritical})

	done := make(chan []kv.ServiceEntry, 1)
	go func() {
		entries, err := newWaiter(store).Service(context.Background(), wait.ServiceQuery{Service: "web", Node: "n2"})
		if err != nil {
			t.Errorf("service: %v", err)
		}
		done <- entries
	}()
	select {
	case <-done:
		t.Fatal("returned while n2 was critical")
	case <-time.After(20 * time.Millisecond):
	}
	store.SetCheckStatus("n2", "web-ttl", kv.HealthPassing, "")
	select {
	case entries := <-done:
		if len(entries) != 1 || entries[0].Node != "n2" {
			t.Fatalf("expected only n2, got %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service wait did not return")
	}
}

// scriptedHealth replays health responses in order and records the watch
// indexes it was asked for.
type scriptedHealth struct {
	kv.Store
	mu        sync.Mutex
	responses [][]kv.ServiceEntry
	indexes   []uint64
	asked     []uint64
}

func (s *scriptedHealth) HealthService(_ context.Context, _ string, _ bool, q kv.QueryOptions) ([]kv.ServiceEntry, kv.QueryMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, q.WaitIndex)
	i := len(s.asked) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], kv.QueryMeta{LastIndex: s.indexes[i]}, nil
}

func passing(node string, checkIndex uint64) []kv.ServiceEntry {
	return []kv.ServiceEntry{{
		Node:        node,
		ServiceID:   "web-1",
		ServiceName: "web",
		Checks:      []kv.HealthCheck{{CheckID: "web-ttl", Status: kv.HealthPassing, ModifyIndex: checkIndex}},
	}}
}

func TestServiceIndexChangeGate(t *testing.T) {
	t.Parallel()

	store := &scriptedHealth{
		responses: [][]kv.ServiceEntry{passing("n1", 5), passing("n1", 6)},
		indexes:   []uint64{20, 21},
	}
	entries, err := newWaiter(store).Service(context.Background(), wait.ServiceQuery{Service: "web", WaitForIndexChange: true})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if got := kv.MaxCheckModifyIndex(entries); got != 6 {
		t.Fatalf("expected to return on the index 6 read, got %d", got)
	}
	if len(store.asked) != 2 {
		t.Fatalf("expected exactly two reads, got %d", len(store.asked))
	}
	if store.asked[0] != 0 || store.asked[1] != 20 {
		t.Fatalf("expected watch indexes [0 20], got %v", store.asked)
	}
}

func TestServiceIndexChangeGateIgnoresStaleReads(t *testing.T) {
	t.Parallel()

	store := &scriptedHealth{
		responses: [][]kv.ServiceEntry{passing("n1", 5), passing("n1", 5), passing("n1", 5), passing("n1", 6)},
		indexes:   []uint64{20, 21, 21, 22},
	}
	entries, err := newWaiter(store).Service(context.Background(), wait.ServiceQuery{Service: "web", WaitForIndexChange: true})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if got := kv.MaxCheckModifyIndex(entries); got != 6 {
		t.Fatalf("expected check index 6, got %d", got)
	}
	if len(store.asked) != 4 {
		t.Fatalf("expected four reads, got %d (%v)", len(store.asked), store.asked)
	}
}

func TestServiceWithoutGateReturnsOnFirstPassingRead(t *testing.T) {
	t.Parallel()

	store := &scriptedHealth{responses: [][]kv.ServiceEntry{passing("n1", 5)}, indexes: []uint64{20}}
	if _, err := newWaiter(store).Service(context.Background(), wait.ServiceQuery{Service: "web"}); err != nil {
		t.Fatalf("service: %v", err)
	}
	if len(store.asked) != 1 {
		t.Fatalf("expected one read, got %d", len(store.asked))
	}
}

func TestServiceRequiresName(t *testing.T) {
	t.Parallel()

	if _, err := newWaiter(memkv.New()).Service(context.Background(), wait.ServiceQuery{}); !errors.Is(err, wait.ErrNoService) {
		t.Fatalf("expected ErrNoService, got %v", err)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := newWaiter(store).Value(ctx, "never", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
