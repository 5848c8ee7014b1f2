package oracle

import (
	"container/list"
	"sync"
	"time"
)

// cache is a small size-bounded, TTL-expiring LRU keyed by normalized
// request text. Concurrent identical requests are collapsed upstream by
// singleflight; this cache covers repeats that arrive after the first
// call has already completed.
type cache struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	value     any
	expiresAt time.Time
}

func newCache(maxSize int, ttl time.Duration) *cache {
	return &cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *cache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).value = value
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
