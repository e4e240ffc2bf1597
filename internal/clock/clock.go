package clock

import (
	"context"
	"time"
)

// Clock abstracts time so retry pauses, blocking-read deadlines and session
// expiry can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Or returns clk, falling back to Real when clk is nil.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// Wait pauses for d on clk or until ctx is done, whichever happens first.
func Wait(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Or(clk).After(d):
		return nil
	}
}
