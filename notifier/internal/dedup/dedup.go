// Package dedup decides whether an event identity is seen for the first time
// within a fixed window.
package dedup

import (
	"context"
	"sync"
	"time"

	"library-notifications/shared/events"
)

// Gate is the check-and-insert the ingest pipeline calls once per event.
type Gate interface {
	ShouldProcess(ctx context.Context, ev events.CanonicalEvent) bool
}

// Cache is an in-process TTL set keyed by events.CanonicalEvent.DedupKey.
// Expired entries are swept on every lookup.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return NewCacheWithClock(ttl, time.Now)
}

func NewCacheWithClock(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]time.Time)}
}

func (c *Cache) ShouldProcess(_ context.Context, ev events.CanonicalEvent) bool {
	return c.claim(ev.DedupKey())
}

func (c *Cache) claim(key string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, k)
		}
	}
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = now.Add(c.ttl)
	return true
}

// Len reports held entries. Entries expired since the last lookup are included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
