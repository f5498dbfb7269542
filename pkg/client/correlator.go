package client

import (
	"sync"
	"sync/atomic"
)

// correlator hands out monotonically increasing correlation indexes and
// routes each reply to its waiter exactly once. A listener fires at most
// once; late or duplicate replies for the same index are dropped.
type correlator struct {
	next    atomic.Int64
	mu      sync.Mutex
	waiters map[int64]func(map[string]any, error)
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[int64]func(map[string]any, error))}
}

// register allocates the next index and installs its once-only listener.
func (c *correlator) register(fn func(map[string]any, error)) int64 {
	index := c.reserve()
	c.arm(index, fn)
	return index
}

// reserve allocates the next index without installing a listener; arm
// completes the registration. Splitting the two lets a caller close over
// the index inside the listener itself.
func (c *correlator) reserve() int64 {
	return c.next.Add(1) - 1
}

func (c *correlator) arm(index int64, fn func(map[string]any, error)) {
	c.mu.Lock()
	c.waiters[index] = fn
	c.mu.Unlock()
}

// take removes and returns the listener for an index, or nil if it already
// fired or never existed.
func (c *correlator) take(index int64) func(map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.waiters[index]
	if !ok {
		return nil
	}
	delete(c.waiters, index)
	return fn
}

// failAll takes every pending listener, for delivery of a terminal
// transport error.
func (c *correlator) failAll() []func(map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(map[string]any, error), 0, len(c.waiters))
	for _, fn := range c.waiters {
		fns = append(fns, fn)
	}
	c.waiters = make(map[int64]func(map[string]any, error))
	return fns
}

func (c *correlator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
