package message

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing client timestamps.
// Two calls never return the same instant, even if the wall clock stalls
// or steps backwards.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock wraps a time source; nil means time.Now
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp strictly after every previous one and not before floor
func (c *Clock) Next(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if !floor.IsZero() && !t.After(floor) {
		t = floor.Add(time.Nanosecond)
	}
	if !c.last.IsZero() && !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Now returns the current time of the underlying source
func (c *Clock) Now() time.Time {
	return c.now()
}
