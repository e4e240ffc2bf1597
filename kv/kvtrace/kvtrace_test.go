package kvtrace_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/consulhelper/kv/kvtrace"
	"pkt.systems/consulhelper/kv/memkv"
	"pkt.systems/pslog"
)

func TestWrapRecordsSpansAndPassesThrough(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	inner := memkv.New()
	store := kvtrace.Wrap(inner, nil, "memkv")

	ok, err := store.Put(ctx, &kv.Pair{Key: "a", Value: []byte("1")}, kv.PutOptions{CheckAndSet: true})
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	pair, _, err := store.Get(ctx, "a", kv.QueryOptions{})
	if err != nil || string(pair.Value) != "1" {
		t.Fatalf("get: %v %v", pair, err)
	}
	inner.FailNext(memkv.OpLeader, kv.NewTransientError(errors.New("agent down")))
	if _, err := store.Leader(ctx); !kv.IsTransient(err) {
		t.Fatalf("expected transient error to pass through, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	want := []string{"consulhelper.kv.put", "consulhelper.kv.get", "consulhelper.kv.leader"}
	for i, span := range spans {
		if span.Name() != want[i] {
			t.Fatalf("span %d: expected %s, got %s", i, want[i], span.Name())
		}
	}
	if spans[2].Status().Code != codes.Error {
		t.Fatalf("expected error status on failed call, got %v", spans[2].Status())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected ok status on put, got %v", spans[0].Status())
	}
}

func TestWrapLogsCallsWithSubsystemAndCorrelation(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.TraceLevel,
		NoColor:  true,
	})
	inner := memkv.New()
	store := kvtrace.Wrap(inner, logger, "kv.memkv")

	cid := correlation.Generate()
	ctx := correlation.Set(context.Background(), cid)
	if _, err := store.Put(ctx, &kv.Pair{Key: "a", Value: []byte("1")}, kv.PutOptions{CheckAndSet: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	inner.FailNext(memkv.OpLeader, kv.NewTransientError(errors.New("agent down")))
	if _, err := store.Leader(ctx); err == nil {
		t.Fatal("expected leader error")
	}

	out := buf.String()
	for _, want := range []string{"kv.put.applied", "kv.leader.error", "agent down", "kv.memkv", cid} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
	if lines := strings.Count(strings.TrimSpace(out), "\n") + 1; lines != 2 {
		t.Fatalf("expected 2 log entries, got %d:\n%s", lines, out)
	}
}
