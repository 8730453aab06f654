// Package lamport implements the monotonic logical clock used to order
// operations within a replica and break ties across replicas.
package lamport

import "sync"

// Clock is a thread-safe Lamport clock. The zero value starts at 0.
type Clock struct {
	mu sync.Mutex
	t  uint64
}

// New returns a Clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Value returns the current clock value.
func (c *Clock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Tick advances the clock for a locally generated event: t := max(t, remote) + 1.
// Pass 0 when there is no remote clock to fold in.
func (c *Clock) Tick(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.t {
		c.t = remote
	}
	c.t++
	return c.t
}

// Merge folds in a remote clock without advancing: t := max(t, remote).
// Used when applying an already-timestamped foreign operation.
func (c *Clock) Merge(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.t {
		c.t = remote
	}
}
