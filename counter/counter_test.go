package counter_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/consulhelper/counter"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/consulhelper/kv/memkv"
)

func newIncrementer(store kv.Store) *counter.Incrementer {
	return counter.New(store, counter.Options{RetryDelay: time.Millisecond})
}

func TestIncrementAbsentAndExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memkv.New()
	key := "ctr/" + xid.New().String()
	inc := newIncrementer(store)
	for want := int64(1); want <= 3; want++ {
		got, err := inc.Increment(ctx, key)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if !got.IsInt64() || got.Int64() != want {
			t.Fatalf("expected %d, got %s", want, got)
		}
	}
	if v := string(store.Peek(key).Value); v != "3" {
		t.Fatalf("expected stored 3, got %q", v)
	}
}

func TestIncrementConvergesUnderContention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memkv.New()
	key := "ctr/" + xid.New().String()

	// The first few writes are preceded by a rival bump that invalidates the
	// CAS index the incrementer just read.
	var forced atomic.Int32
	var extra atomic.Int64
	store.OnCall(memkv.OpPut, func(_ context.Context, _ memkv.Op, subject string) {
		if subject != key || forced.Add(1) > 3 {
			return
		}
		cur := store.Peek(key)
		n := int64(0)
		if cur != nil {
			n, _ = strconv.ParseInt(string(cur.Value), 10, 64)
		}
		store.ForcePut(&kv.Pair{Key: key, Value: []byte(strconv.FormatInt(n+1, 10))})
		extra.Add(1)
	})

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := newIncrementer(store).Increment(ctx, key); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	want := int64(workers) + extra.Load()
	got, err := strconv.ParseInt(string(store.Peek(key).Value), 10, 64)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if store.Calls(memkv.OpPut) <= workers {
		t.Fatalf("expected CAS retries, saw %d puts", store.Calls(memkv.OpPut))
	}
}

func TestIncrementExactlyNOnAbsentKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memkv.New()
	key := "ctr/" + xid.New().String()
	const workers = 10

	// The first write is overtaken by one of the N increments, so its CAS
	// index is stale and the cycle must be retried.
	var puts atomic.Int32
	store.OnCall(memkv.OpPut, func(ctx context.Context, _ memkv.Op, subject string) {
		if subject != key || puts.Add(1) != 1 {
			return
		}
		if _, err := newIncrementer(store).Increment(ctx, key); err != nil {
			t.Errorf("overtaking increment: %v", err)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < workers-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := newIncrementer(store).Increment(ctx, key); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	if v := string(store.Peek(key).Value); v != strconv.Itoa(workers) {
		t.Fatalf("expected %d, got %q", workers, v)
	}
	if n := store.Calls(memkv.OpPut); n <= workers {
		t.Fatalf("expected at least one CAS retry, saw %d puts for %d increments", n, workers)
	}
}

func TestIncrementLargeValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stored string
		want   string
	}{
		{stored: "9223372036854775807", want: "9223372036854775808"},
		{stored: "9223372036854775808", want: "9223372036854775809"},
		{stored: "-9223372036854775809", want: "-9223372036854775808"},
		{stored: "123456789012345678901234567890", want: "123456789012345678901234567891"},
		{stored: "-1", want: "0"},
		{stored: "+7\n", want: "8"},
	}
	for _, tc := range cases {
		store := memkv.New()
		store.ForcePut(&kv.Pair{Key: "ctr", Value: []byte(tc.stored)})
		got, err := newIncrementer(store).Increment(context.Background(), "ctr")
		if err != nil {
			t.Fatalf("%q: increment: %v", tc.stored, err)
		}
		if got.String() != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.stored, tc.want, got)
		}
		if v := string(store.Peek("ctr").Value); v != tc.want {
			t.Fatalf("%q: expected stored %s, got %q", tc.stored, tc.want, v)
		}
	}
}

func TestIncrementRejectsNonInteger(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"twelve", "", "1.5", "0x10", "1_000", "12 13"} {
		store := memkv.New()
		idx := store.ForcePut(&kv.Pair{Key: "ctr", Value: []byte(value)})
		_, err := newIncrementer(store).Increment(context.Background(), "ctr")
		if !errors.Is(err, counter.ErrNotInteger) {
			t.Fatalf("%q: expected ErrNotInteger, got %v", value, err)
		}
		if rec := store.Peek("ctr"); rec.ModifyIndex != idx {
			t.Fatalf("%q: non-integer value must not be overwritten", value)
		}
	}
}

func TestIncrementRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	store.ForcePut(&kv.Pair{Key: "ctr", Value: []byte(" 41\n")})
	store.FailNext(memkv.OpGet, kv.NewTransientError(errors.New("503")))
	store.FailNext(memkv.OpPut, kv.NewTransientError(errors.New("503")))
	got, err := newIncrementer(store).Increment(context.Background(), "ctr")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got.String() != "42" {
		t.Fatalf("expected 42, got %s", got)
	}
}
