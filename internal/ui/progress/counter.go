package progress

import (
	"sync/atomic"
	"time"
)

// A Func is a callback for a Counter.
//
// The final argument is true if Counter.Done has been called,
// which means that the current call will be the last.
type Func func(value int64, total int64, runtime time.Duration, final bool)

// A Counter tracks the bytes of one or more downloads and controls a
// goroutine that passes the totals periodically to a Func.
type Counter struct {
	Updater
	value, max atomic.Int64
}

// NewCounter starts a new Counter.
func NewCounter(interval time.Duration, total int64, report Func) *Counter {
	c := new(Counter)
	c.max.Store(total)
	c.Updater = *NewUpdater(interval, func(runtime time.Duration, final bool) {
		v, maxV := c.Get()
		report(v, maxV, runtime, final)
	})
	return c
}

// Add v to the Counter. This method is concurrency-safe.
func (c *Counter) Add(v int64) {
	if c != nil {
		c.value.Add(v)
	}
}

// AddMax raises the expected total by v. This method is concurrency-safe.
func (c *Counter) AddMax(v int64) {
	if c != nil {
		c.max.Add(v)
	}
}

// Get returns the current value and the expected total of c.
// This method is concurrency-safe.
func (c *Counter) Get() (v, max int64) {
	return c.value.Load(), c.max.Load()
}

// Tracker returns a progress callback for a single download. The callback
// receives absolute byte counts and adds the growth to c.
func (c *Counter) Tracker() func(written, total int64) {
	var last atomic.Int64
	return func(written, _ int64) {
		if prev := last.Swap(written); written > prev {
			c.Add(written - prev)
		}
	}
}

// Done stops the counter after a final report.
func (c *Counter) Done() {
	if c != nil {
		c.Updater.Done()
	}
}
