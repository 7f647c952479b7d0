package device

import "sync"

// StatusCache holds the most recent status snapshot. The driver subscription is
// its only writer; readers receive copies.
type StatusCache struct {
	mu        sync.RWMutex
	status    Status
	set       bool
	observers []func(Status)
}

// NewStatusCache constructs an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{}
}

// Store replaces the snapshot and notifies observers outside the lock.
func (c *StatusCache) Store(s Status) {
	c.mu.Lock()
	c.status = s
	c.set = true
	observers := c.observers
	c.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// Latest returns the current snapshot; ok is false until the first Store.
func (c *StatusCache) Latest() (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.set
}

// Observe registers fn to be called after every Store. Observers must not block.
func (c *StatusCache) Observe(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(append([]func(Status){}, c.observers...), fn)
}
