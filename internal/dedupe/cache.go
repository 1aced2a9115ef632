// ABOUTME: TTL cache for suppressing replayed push events after a resubscribe.
// ABOUTME: The backend delivers at-least-once across reconnects; this keeps it exactly-once locally.

package dedupe

import (
	"sync"
	"time"
)

// entry pairs a cached key with when it was first seen.
type entry struct {
	key  string
	seen time.Time
}

// Cache tracks recently seen event keys so a push replayed after a
// reconnect/resubscribe is dropped instead of dispatched twice. Expired
// entries are swept lazily on insert; there is no background goroutine.
type Cache struct {
	mu      sync.Mutex
	index   map[string]time.Time
	queue   []entry // insertion order, oldest first
	ttl     time.Duration
	maxSize int
}

// New creates a cache holding keys for ttl, bounded at maxSize entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		index:   make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen atomically checks whether key is already cached and, if not, records
// it. Returns true when the key was already present and unexpired, meaning
// the event is a replay.
func (c *Cache) Seen(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.index[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	c.sweep(now)
	c.index[key] = now
	c.queue = append(c.queue, entry{key: key, seen: now})
	return false
}

// sweep drops expired entries from the front of the queue, then evicts the
// oldest survivors while over capacity. Must be called with mu held.
func (c *Cache) sweep(now time.Time) {
	for len(c.queue) > 0 {
		head := c.queue[0]
		expired := now.Sub(head.seen) >= c.ttl
		if !expired && len(c.queue) < c.maxSize {
			break
		}
		c.queue = c.queue[1:]
		// Only delete if the index still points at this insertion; a
		// re-inserted key has a newer timestamp.
		if seen, ok := c.index[head.key]; ok && seen.Equal(head.seen) {
			delete(c.index, head.key)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
