package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a DeterministicClock reports.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultTick is the interval between consecutive readings.
const DefaultTick = time.Millisecond

// DeterministicClock is a wall clock for tests whose readings depend only on
// how many times it has been read.
//
// The first call to Now returns the start instant. Every later call advances
// by the tick. Reset rewinds to the start so one scenario can run twice with
// identical timestamps.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	tick  time.Duration
	reads int64
}

// NewDeterministicClock creates a clock starting at Epoch with DefaultTick.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Epoch, DefaultTick)
}

// NewDeterministicClockAt creates a clock starting at start. A non-positive
// tick freezes the clock at start.
func NewDeterministicClockAt(start time.Time, tick time.Duration) *DeterministicClock {
	if tick < 0 {
		tick = 0
	}
	return &DeterministicClock{start: start.UTC(), tick: tick}
}

// Now returns the next reading. Its signature matches the clock options
// accepted by dataflow and trace.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.reads) * c.tick)
	c.reads++
	return t
}

// Reads returns how many times Now has been called since the last Reset.
func (c *DeterministicClock) Reads() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Reset rewinds the clock. The next call to Now returns the start instant.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = 0
}
