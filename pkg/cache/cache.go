// Package cache provides a small TTL cache for extraction results,
// used by the batch scrape endpoint to avoid re-visiting URLs that
// were scraped recently.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value    string
	storedAt time.Time
}

// Cache is a concurrency-safe string cache with per-cache TTL.
// Expired entries are dropped lazily on read and by Sweep.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New creates a cache. A non-positive TTL disables caching entirely.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached value for key if it is still fresh.
func (c *Cache) Get(key string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set stores a value under key.
func (c *Cache) Set(key, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, storedAt: c.now()}
}

// Sweep removes every expired entry and reports how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
