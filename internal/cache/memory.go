package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache is an in-process Cache backend. It is the default when no
// Redis address is configured and the backend used in tests and sandbox
// runs. Values are JSON-serialized so behavior matches the Redis backend.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	maxSize int
	stats   counters

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryCache creates an in-process cache. maxSize bounds the number of
// entries; when full, the entry closest to expiry is evicted. maxSize <= 0
// means unbounded. A background sweeper removes expired entries every
// minute until Close is called.
func NewMemoryCache(maxSize int) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		c.stats.misses.Add(1)
		return false
	}

	if err := json.Unmarshal(entry.data, dest); err != nil {
		c.stats.errors.Add(1)
		return false
	}
	c.stats.hits.Add(1)
	return true
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.stats.errors.Add(1)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.evictSoonest()
		}
	}

	c.entries[key] = memoryEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	return true
}

func (c *MemoryCache) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

func (c *MemoryCache) DeletePattern(ctx context.Context, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if matchPattern(pattern, key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) Stats() Stats {
	return c.stats.snapshot()
}

// Len returns the current entry count, expired entries included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background sweeper.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictSoonest removes the entry closest to expiry. Caller holds the lock.
func (c *MemoryCache) evictSoonest() {
	var victim string
	var soonest time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
