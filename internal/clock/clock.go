package clock

import (
	"sync"
	"time"
)

// Clock supplies server-authoritative write timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns wall-clock time truncated to milliseconds and
// guarantees that every reading is strictly later than the previous one,
// even when several writes land in the same millisecond or the wall clock
// steps backwards.
type MonotonicClock struct {
	last time.Time        // last timestamp handed out
	now  func() time.Time // wall clock source
	mu   sync.Mutex       // protects last
}

// NewMonotonicClock creates a clock backed by time.Now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// NewMonotonicClockWithSource creates a clock backed by the given wall clock.
// Used in tests to pin time.
func NewMonotonicClockWithSource(now func() time.Time) *MonotonicClock {
	return &MonotonicClock{now: now}
}

// Now returns the next timestamp.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := time.UnixMilli(c.now().UnixMilli()).UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t

	return t
}

// Last returns the most recent timestamp without advancing the clock.
func (c *MonotonicClock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}
