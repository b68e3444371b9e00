package engine

import "sync/atomic"

// Clock is the monotonic logical clock stamping journal rows.
//
// Dispatch lifecycle records carry a strictly increasing seq from this clock
// rather than wall-clock timestamps, so journal order is stable regardless
// of timer resolution.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
// Each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
