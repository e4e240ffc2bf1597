package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/consulhelper/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestWaitReturnsAfterDelay(t *testing.T) {
	t.Parallel()

	start := time.Now()
	if err := clock.Wait(context.Background(), clock.Real{}, 5*time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("wait too short: %v", elapsed)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clock.Wait(ctx, clock.NewManual(time.Unix(0, 0)), time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case <-short:
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-m.After(time.Second)
		close(done)
	}()
	m.BlockUntil(1)
	m.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper was not released")
	}
}
