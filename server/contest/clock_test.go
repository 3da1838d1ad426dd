package contest

import (
	"sync"
	"time"
)

// fakeClock drives the loop deterministically. Advance moves the clock and
// fires any timer whose armed instant has been reached.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), at: c.now.Add(d), armed: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers. It yields briefly
// afterwards so the loop goroutine can observe the wake.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	for _, t := range c.timers {
		if t.armed && !now.Before(t.at) {
			t.armed = false
			select {
			case t.ch <- now:
			default:
			}
		}
	}
	c.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
}

type fakeTimer struct {
	clock *fakeClock
	ch    chan time.Time
	at    time.Time
	armed bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.armed
	t.at = t.clock.now.Add(d)
	t.armed = true
	select {
	case <-t.ch:
	default:
	}
	return was
}
