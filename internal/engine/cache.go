package engine

import (
	"sync"
	"time"

	"marketwatch/internal/domain"
)

// resultCache memoizes evaluation results by condition id + snapshot fingerprint.
// Params: TTL window, injected time source, and guarded entry map.
// Returns: in-process cache with lazy expiry.
type resultCache struct {
	mu      sync.RWMutex
	now     func() time.Time
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result    domain.ConditionResult
	expiresAt time.Time
}

// newResultCache creates the evaluation result cache.
// Params: TTL window and time source (defaults to time.Now when nil).
// Returns: initialized cache.
func newResultCache(ttl time.Duration, now func() time.Time) *resultCache {
	if now == nil {
		now = time.Now
	}
	return &resultCache{
		now:     now,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// get returns an unexpired cached result.
// Params: cache key (condition id + fingerprint).
// Returns: cached result and hit flag; expired entries are evicted lazily.
func (c *resultCache) get(key string) (domain.ConditionResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.ConditionResult{}, false
	}
	if c.now().Before(entry.expiresAt) {
		return entry.result, true
	}

	c.mu.Lock()
	if current, exists := c.entries[key]; exists && !c.now().Before(current.expiresAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return domain.ConditionResult{}, false
}

// put stores one evaluation result for the TTL window.
// Params: cache key and result value.
// Returns: none.
func (c *resultCache) put(key string, result domain.ConditionResult) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// clear removes all cached results unconditionally.
// Params: none.
// Returns: none.
func (c *resultCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// size returns the current entry count.
// Params: none.
// Returns: number of cached entries including not-yet-evicted expired ones.
func (c *resultCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
