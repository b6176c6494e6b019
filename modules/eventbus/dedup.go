package eventbus

import (
	"container/list"
	"sync"
	"time"
)

// dedupCache is a bounded LRU of recently seen dedup keys. Entries expire
// after the window; when the cache is full the oldest entry is evicted.
type dedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	order   *list.List // front = oldest
	entries map[string]*list.Element
}

type dedupEntry struct {
	key       string
	expiresAt time.Time
}

func newDedupCache(window time.Duration, maxSize int) *dedupCache {
	return &dedupCache{
		window:  window,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Seen reports whether the key was observed inside the window and records it
// if not. The check and the insert are one atomic step.
func (c *dedupCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Before(entry.expiresAt) {
			return true
		}
		// Window elapsed: refresh the entry in place.
		entry.expiresAt = now.Add(c.window)
		c.order.MoveToBack(el)
		return false
	}

	for c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.evictOldest()
	}
	el := c.order.PushBack(&dedupEntry{key: key, expiresAt: now.Add(c.window)})
	c.entries[key] = el
	return false
}

// Sweep purges expired entries.
func (c *dedupCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if entry := el.Value.(*dedupEntry); now.After(entry.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, entry.key)
		}
		el = next
	}
}

// Len returns the current number of cached keys.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *dedupCache) evictOldest() {
	el := c.order.Front()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*dedupEntry).key)
}
