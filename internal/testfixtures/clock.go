package testfixtures

import (
	"sync"
	"time"
)

// Berlin noon on a weekday, used when a test does not care about the instant.
var reference = time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)

func ReferenceTime() time.Time { return reference }

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = reference
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
