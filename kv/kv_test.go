package kv_test

import (
	"errors"
	"fmt"
	"testing"

	"pkt.systems/consulhelper/kv"
)

func TestTransientMarkerSurvivesWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := fmt.Errorf("get lock key: %w", kv.NewTransientError(base))
	if !kv.IsTransient(err) {
		t.Fatalf("expected wrapped transient error to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected transient marker to unwrap to base error")
	}
	if kv.IsTransient(base) {
		t.Fatalf("plain error must not be transient")
	}
	if kv.NewTransientError(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}

func TestNextIndex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		prev uint64
		got  uint64
		want uint64
	}{
		{name: "first read", prev: 0, got: 12, want: 12},
		{name: "advance", prev: 12, got: 40, want: 40},
		{name: "unchanged", prev: 40, got: 40, want: 40},
		{name: "backwards resets", prev: 40, got: 7, want: 0},
		{name: "zero is bumped", prev: 0, got: 0, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := kv.NextIndex(tc.prev, tc.got); got != tc.want {
				t.Fatalf("NextIndex(%d, %d) = %d, want %d", tc.prev, tc.got, got, tc.want)
			}
		})
	}
}

func TestMaxCheckModifyIndex(t *testing.T) {
	t.Parallel()

	if got := kv.MaxCheckModifyIndex(nil); got != 0 {
		t.Fatalf("expected 0 for no entries, got %d", got)
	}
	entries := []kv.ServiceEntry{
		{Node: "a", Checks: []kv.HealthCheck{{CheckID: "serfHealth", ModifyIndex: 3}, {CheckID: "web", ModifyIndex: 9}}},
		{Node: "b", Checks: []kv.HealthCheck{{CheckID: "web", ModifyIndex: 5}}},
	}
	if got := kv.MaxCheckModifyIndex(entries); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
}

func TestPairCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &kv.Pair{Key: "k", Value: []byte("v1"), ModifyIndex: 4}
	clone := orig.Clone()
	clone.Value[0] = 'x'
	if string(orig.Value) != "v1" {
		t.Fatalf("clone shares value buffer: %q", orig.Value)
	}
	var nilPair *kv.Pair
	if nilPair.Clone() != nil {
		t.Fatalf("nil clone must be nil")
	}
}
