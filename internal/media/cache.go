package media

import (
	"container/list"
	"sync"
)

type cacheKey struct {
	sessionID string
	msgID     string
}

type cacheEntry struct {
	key cacheKey
	val any
}

// Cache is a bounded LRU of raw downloadable message payloads keyed by
// message id, kept so a failed or deferred media download can be
// retried without the transport redelivering the message. It is a
// cache, never a source of truth; the message store stays
// authoritative.
type Cache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[cacheKey]*list.Element
}

// NewCache creates a cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		cap:   capacity,
		order: list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

// Put stores a payload, evicting the least recently used entry when full.
func (c *Cache) Put(sessionID, msgID string, val any) {
	key := cacheKey{sessionID, msgID}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).val = val
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, val: val})
	c.items[key] = el

	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Get returns a payload and marks it recently used.
func (c *Cache) Get(sessionID, msgID string) (any, bool) {
	key := cacheKey{sessionID, msgID}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).val, true
}

// EvictSession drops every entry belonging to a session. Called during
// teardown so no buffered payloads outlive the session.
func (c *Cache) EvictSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if entry.key.sessionID == sessionID {
			c.order.Remove(el)
			delete(c.items, entry.key)
		}
		el = next
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
