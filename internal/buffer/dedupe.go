package buffer

import (
	"container/list"
	"sync"
	"time"
)

// dedupeCache is a size-capped LRU of trade id → first-seen time with TTL
// eviction. It sits in front of the trade buffer so duplicate deliveries
// (reconnect replays, backfill overlap) never reach the store.
type dedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	cap   int
	order *list.List               // front = most recent
	index map[string]*list.Element // id → element holding dedupeEntry
	now   func() time.Time
}

type dedupeEntry struct {
	id   string
	seen time.Time
}

func newDedupeCache(ttl time.Duration, capacity int) *dedupeCache {
	if capacity <= 0 {
		capacity = 50_000
	}
	return &dedupeCache{
		ttl:   ttl,
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Seen records id and reports whether it was already present within TTL.
func (c *dedupeCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[id]; ok {
		entry := el.Value.(*dedupeEntry)
		if now.Sub(entry.seen) < c.ttl {
			c.order.MoveToFront(el)
			return true
		}
		// Expired: treat as new, refresh the timestamp.
		entry.seen = now
		c.order.MoveToFront(el)
		return false
	}

	el := c.order.PushFront(&dedupeEntry{id: id, seen: now})
	c.index[id] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*dedupeEntry).id)
	}
	return false
}

// Len returns the number of tracked ids.
func (c *dedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
