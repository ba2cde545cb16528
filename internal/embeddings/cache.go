package embeddings

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheEntry is one LRU node's payload.
type cacheEntry struct {
	key         string
	vector      Vector
	model       string
	preview     string
	dims        int
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
}

// CacheStats summarizes cache occupancy.
type CacheStats struct {
	Entries int
	MaxSize int
}

// Cache is a content-addressed, size-bounded cache of (text, model) ->
// vector. It is optional: callers that pass a nil *Cache degrade to always
// calling the embedder. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	index   map[string]*list.Element
}

// NewCache builds a Cache holding at most maxSize entries, evicting least
// recently used entries past that bound.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		maxSize: maxSize,
		ll:      list.New(),
		index:   make(map[string]*list.Element),
	}
}

// key hashes sha256(model || ":" || prefixedText) into a lookup key.
func key(model, prefixedText string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte(":"))
	h.Write([]byte(prefixedText))
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up a cached vector, refreshing last-access and the hit count on
// a hit. A nil *Cache always reports a miss.
func (c *Cache) Get(prefixedText, model string) (Vector, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key(model, prefixedText)]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	entry.lastAccess = time.Now()
	entry.accessCount++
	c.ll.MoveToFront(elem)
	return entry.vector, true
}

// Set stores a vector under (prefixedText, model), evicting the oldest
// entry if the cache is at capacity. A nil *Cache is a no-op.
func (c *Cache) Set(prefixedText, model string, vector Vector) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(model, prefixedText)
	if elem, ok := c.index[k]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.vector = vector
		entry.lastAccess = time.Now()
		c.ll.MoveToFront(elem)
		return
	}

	preview := prefixedText
	if len(preview) > 80 {
		preview = preview[:80]
	}
	entry := &cacheEntry{
		key:        k,
		vector:     vector,
		model:      model,
		preview:    preview,
		dims:       len(vector),
		createdAt:  time.Now(),
		lastAccess: time.Now(),
	}
	c.index[k] = c.ll.PushFront(entry)

	for c.ll.Len() > c.maxSize {
		c.evictOldest()
	}
}

// Delete removes the cache entry for (prefixedText, model), if any.
func (c *Cache) Delete(prefixedText, model string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(model, prefixedText)
	if elem, ok := c.index[k]; ok {
		c.ll.Remove(elem)
		delete(c.index, k)
	}
}

// Clear empties the cache. If model is non-empty, only entries for that
// model are removed.
func (c *Cache) Clear(model string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if model == "" {
		c.ll.Init()
		c.index = make(map[string]*list.Element)
		return
	}
	for k, elem := range c.index {
		if elem.Value.(*cacheEntry).model == model {
			c.ll.Remove(elem)
			delete(c.index, k)
		}
	}
}

// Stats reports current occupancy.
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.ll.Len(), MaxSize: c.maxSize}
}

// Prune removes entries older than maxAge and, if the cache still exceeds
// maxEntries afterward, evicts the least recently used until it fits.
// Returns the number of entries removed.
func (c *Cache) Prune(maxAge time.Duration, maxEntries int) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	var next *list.Element
	for elem := c.ll.Back(); elem != nil; elem = next {
		next = elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if entry.createdAt.Before(cutoff) {
			c.ll.Remove(elem)
			delete(c.index, entry.key)
			removed++
		}
	}
	if maxEntries > 0 {
		for c.ll.Len() > maxEntries {
			c.evictOldest()
			removed++
		}
	}
	return removed
}

func (c *Cache) evictOldest() {
	elem := c.ll.Back()
	if elem == nil {
		return
	}
	c.ll.Remove(elem)
	delete(c.index, elem.Value.(*cacheEntry).key)
}
