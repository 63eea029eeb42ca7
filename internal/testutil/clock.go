package testutil

import "sync"

// LogicalTime is a manually advanced nanosecond time source for tests.
//
// The kernel never reads wall-clock time; tests stamp inputs with values
// from LogicalTime so runs are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type LogicalTime struct {
	mu  sync.Mutex
	now int64
}

// NewLogicalTime creates a time source starting at start.
func NewLogicalTime(start int64) *LogicalTime {
	return &LogicalTime{now: start}
}

// Now returns the current logical time.
func (c *LogicalTime) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward by d and returns the new time.
// Negative d is ignored: logical time never goes backwards.
func (c *LogicalTime) Advance(d int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now += d
	}
	return c.now
}

// Set jumps to t if t is ahead of the current time.
func (c *LogicalTime) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}
