package auth

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// SystemClock returns the wall clock.
func SystemClock() Clock { // A
	return realClock{}
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct { // A
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock { // A
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { // A
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NowMillis returns the clock time in Unix milliseconds.
func NowMillis(c Clock) int64 { // A
	return c.Now().UnixMilli()
}
