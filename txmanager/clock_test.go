package txmanager

import (
	"sync"
	"time"
)

// FakeClock fires every After immediately and records the requested
// durations, except for durations put on hold, which fire only on Fire.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	held   map[time.Duration]chan time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{
		now:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		held: make(map[time.Duration]chan time.Time),
	}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.held[d]; ok {
		return ch
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// Hold makes After(d) block until Fire(d).
func (c *FakeClock) Hold(d time.Duration) {
	c.mu.Lock()
	c.held[d] = make(chan time.Time)
	c.mu.Unlock()
}

// Fire releases one waiter of a held duration.
func (c *FakeClock) Fire(d time.Duration) {
	c.mu.Lock()
	ch := c.held[d]
	c.mu.Unlock()
	ch <- c.Now()
}

// Sleeps returns the durations waited through so far.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
