package token

import "sync"

// connectionLocks serializes refresh-then-persist per connection id.
type connectionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConnectionLocks() *connectionLocks {
	return &connectionLocks{locks: make(map[string]*lockEntry)}
}

// Lock blocks until id is free and returns the matching unlock func.
func (c *connectionLocks) Lock(id string) func() {
	c.mu.Lock()
	entry, ok := c.locks[id]
	if !ok {
		entry = &lockEntry{}
		c.locks[id] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}
