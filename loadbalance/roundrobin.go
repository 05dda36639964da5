// Package loadbalance spreads client calls over a set of candidates.
package loadbalance

import "sync/atomic"

// cursorLimit is where a Cursor starts over. Far below overflow, and large
// enough that the jump back to zero is irrelevant for the distribution.
const cursorLimit = 1 << 62

// Cursor is a lock-free round-robin position. Each Next call moves it by one.
type Cursor struct {
	n atomic.Uint64
}

// Next returns the next index in [0, size). size must be positive.
func (c *Cursor) Next(size int) int {
	v := c.n.Add(1) - 1
	if v >= cursorLimit {
		// Only one caller wins the reset; the rest keep their value.
		c.n.CompareAndSwap(v+1, 0)
	}
	return int(v % uint64(size))
}

// Value returns the raw counter, for tests and logs.
func (c *Cursor) Value() uint64 {
	return c.n.Load()
}

func (c *Cursor) set(v uint64) {
	c.n.Store(v)
}
