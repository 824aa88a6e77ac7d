package enhancement

import (
	"sync"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-pipeline/pkg/metrics"
)

// CacheStats is a snapshot of a LookupCache.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

type cacheEntry struct {
	id    uuid.UUID
	found bool
}

// LookupCache remembers rule lookups for the life of the process, including
// lookups that found nothing. It is never invalidated on its own: whoever
// mutates rules calls Clear.
type LookupCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	hits    int64
	misses  int64
}

func NewLookupCache() *LookupCache {
	return &LookupCache{entries: make(map[string]cacheEntry)}
}

// Get reports whether key is cached, and the cached id when a rule matched.
func (c *LookupCache) Get(key string) (id uuid.UUID, found bool, cached bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if ok {
		metrics.LookupCacheHits.Inc()
		return entry.id, entry.found, true
	}
	metrics.LookupCacheMisses.Inc()
	return uuid.Nil, false, false
}

func (c *LookupCache) Put(key string, id uuid.UUID, found bool) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{id: id, found: found}
	c.mu.Unlock()
}

// Clear drops every entry. Counters are kept.
func (c *LookupCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *LookupCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
