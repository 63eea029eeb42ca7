package kernel

import "time"

// Clock supplies the time stamped on input records, in nanoseconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

// WallClock reads the system clock. It is only consulted when an input is
// admitted; replay never calls it.
var WallClock = ClockFunc(func() int64 { return time.Now().UnixNano() })

// logicalTime keeps input timestamps monotonic even if the clock steps back.
// last only moves when an input commits, so inputs that were refused leave
// no trace in derived state.
type logicalTime struct {
	clock Clock
	last  int64
}

// stamp returns the timestamp for a new input.
func (t *logicalTime) stamp() int64 {
	return max(t.clock.Now(), t.last)
}

// observe advances to a committed or recorded timestamp.
func (t *logicalTime) observe(now int64) {
	if now > t.last {
		t.last = now
	}
}
