package concurrent

import "sync/atomic"

// Counter is a lock-free monotonic counter using atomic operations.
// The engine draws transaction timestamps from one of these.
type Counter struct {
	value atomic.Uint64
}

// NewCounter creates a counter starting at the given value
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.value.Store(start)
	return c
}

// Next returns the current value and advances the counter by 1
func (c *Counter) Next() uint64 {
	return c.value.Add(1) - 1
}

// Inc increments the counter by 1 and returns the new value
func (c *Counter) Inc() uint64 {
	return c.value.Add(1)
}

// Add increments the counter by delta and returns the new value
func (c *Counter) Add(delta uint64) uint64 {
	return c.value.Add(delta)
}

// Load returns the current value
func (c *Counter) Load() uint64 {
	return c.value.Load()
}
