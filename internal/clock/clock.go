// ABOUTME: Minimal clock abstraction so timing behavior is testable.
// ABOUTME: Production code uses the system clock; tests drive a fake.

package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations the controllers need.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer mirrors the subset of *time.Timer the controllers use.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock pinned at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake's current instant.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the fake clock advances past d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		fn:       f,
		active:   true,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires any timers that come due,
// in deadline order. Timer callbacks run synchronously on the caller's
// goroutine, so assertions made after Advance observe their effects.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

// popDue removes and returns the earliest-deadline active timer that is due,
// or nil when none are.
func (c *Fake) popDue() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due *fakeTimer
	for _, t := range c.timers {
		if !t.active || t.deadline.After(c.now) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) {
			due = t
		}
	}
	if due != nil {
		due.active = false
	}
	return due
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	active   bool
}

// Stop implements Timer. Reports whether the timer was still pending.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.active = false
	return was
}

// Reset implements Timer. Reports whether the timer was still pending.
func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}
