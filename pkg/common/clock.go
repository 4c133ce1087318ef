package common

import (
	"sync"
	"time"
)

// Clock is an interface for time-related functions, useful for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements the Clock interface using the system's time.
type SystemClock struct{}

// Now returns the current system time.
func (c SystemClock) Now() time.Time {
	return time.Now()
}

// AppClock is a global clock instance.
var AppClock Clock = SystemClock{}

// ManualClock is a Clock whose time only moves when Advance or Set is
// called. It lets tests exercise cache expiry without sleeping.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute time.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
