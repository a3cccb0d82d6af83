// Package querycache keeps recent API client results in memory so repeated
// reads within the TTL skip the network. Recovery invalidates everything.
package querycache

import (
	"strings"
	"sync"
	"time"

	"marketflow/metrics"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache maps request keys to raw response payloads.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New returns a cache whose entries live for ttl. A zero ttl disables caching.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		metrics.QueryCacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		metrics.QueryCacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.QueryCacheEvents.WithLabelValues("hit").Inc()
	return e.value, true
}

func (c *Cache) Set(key string, value []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every key starting with prefix.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateAll empties the cache so the next read of every query refetches.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	metrics.QueryCacheEvents.WithLabelValues("invalidate_all").Inc()
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
