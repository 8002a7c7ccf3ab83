package sheetfix

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// fixCacheEntry pairs a cached fix with how often it has been reused.
type fixCacheEntry struct {
	result   FixResult
	hitCount int
}

// FixCache memoizes successful fixes keyed by formula text and error code,
// so repeated occurrences of the same broken formula skip the pattern and
// model stages. When full, the least reused entry is evicted.
type FixCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*fixCacheEntry
}

// NewFixCache creates a cache holding at most capacity entries. A
// non-positive capacity gets a sensible default.
func NewFixCache(capacity int) *FixCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &FixCache{
		capacity: capacity,
		entries:  make(map[string]*fixCacheEntry, capacity),
	}
}

// cacheKey hashes the formula and error code together. Hashing keeps keys
// bounded no matter how long the formula is.
func cacheKey(formula, errorCode string) string {
	h := sha256.New()
	h.Write([]byte(formula))
	h.Write([]byte{0})
	h.Write([]byte(errorCode))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached fix for the formula and error code, bumping its
// hit count on success.
func (c *FixCache) Get(formula, errorCode string) (FixResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(formula, errorCode)]
	if !ok {
		return FixResult{}, false
	}
	entry.hitCount++
	return entry.result, true
}

// Put stores a fix. Storing over an existing key replaces the result and
// keeps the accumulated hit count.
func (c *FixCache) Put(formula, errorCode string, result FixResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(formula, errorCode)
	if entry, ok := c.entries[key]; ok {
		entry.result = result
		return
	}
	if len(c.entries) >= c.capacity {
		c.evictColdest()
	}
	c.entries[key] = &fixCacheEntry{result: result}
}

// Len reports the number of cached fixes.
func (c *FixCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictColdest removes the entry with the lowest hit count. Caller holds
// the lock.
func (c *FixCache) evictColdest() {
	coldestKey := ""
	coldest := -1
	for key, entry := range c.entries {
		if coldest == -1 || entry.hitCount < coldest {
			coldestKey, coldest = key, entry.hitCount
		}
	}
	if coldestKey != "" {
		delete(c.entries, coldestKey)
	}
}
