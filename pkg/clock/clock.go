package clock

import (
	"sync"
	"time"
)

// Clock supplies mutation timestamps in milliseconds. The engine takes a
// Clock rather than calling time.Now directly so TTL and retention tests
// can inject deterministic time.
type Clock interface {
	// NowMillis returns the current time in milliseconds since the epoch.
	NowMillis() int64
}

// MonotonicClock is a Clock whose successive timestamps are strictly
// increasing. Two mutations stamped by the same MonotonicClock never
// collide, which is what makes version ordering unambiguous.
type MonotonicClock interface {
	Clock
	// NextTimestamp returns a timestamp strictly greater than any
	// timestamp previously returned by this clock.
	NextTimestamp() int64
}

// SystemClock advances with the wall clock but never repeats a
// timestamp: if the wall clock has not moved past the last issued
// value, the next timestamp is last+1.
type SystemClock struct {
	mu   sync.Mutex
	last int64
}

// NewSystemClock returns a new monotonic wall clock. Timestamps are
// strictly increasing per instance.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (c *SystemClock) NextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// ManualClock is a test clock advanced explicitly.
type ManualClock struct {
	mu   sync.Mutex
	now  int64
	last int64
}

// NewManualClock starts a manual clock at the given millisecond value.
func NewManualClock(startMillis int64) *ManualClock {
	return &ManualClock{now: startMillis}
}

func (c *ManualClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}
