package clock

import (
	"sync"
	"time"
)

// Manual is a controllable clock. Time only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	waiters []chan struct{}
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	for _, w := range m.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return ch
}

// Advance moves time forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(m.now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.timers = remaining
	return m.now
}

// Pending returns the number of timers not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits until at least n timers are pending. Tests use it to make
// sure a goroutine is parked on the clock before advancing it.
func (m *Manual) BlockUntil(n int) {
	notify := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters = append(m.waiters, notify)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == notify {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()
	for {
		if m.Pending() >= n {
			return
		}
		<-notify
	}
}
