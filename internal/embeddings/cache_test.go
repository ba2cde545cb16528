package embeddings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetMissOnEmptyCache(t *testing.T) {
	c := NewCache(10)
	_, ok := c.Get("hello", "model-a")
	assert.False(t, ok)
}

func TestCacheSetThenGetHits(t *testing.T) {
	c := NewCache(10)
	c.Set("hello", "model-a", Vector{1, 2, 3})

	v, ok := c.Get("hello", "model-a")
	require.True(t, ok)
	assert.Equal(t, Vector{1, 2, 3}, v)
}

func TestCacheKeyIsScopedByModel(t *testing.T) {
	c := NewCache(10)
	c.Set("hello", "model-a", Vector{1})

	_, ok := c.Get("hello", "model-b")
	assert.False(t, ok, "same text under a different model must not hit")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Set("a", "m", Vector{1})
	c.Set("b", "m", Vector{2})
	c.Set("c", "m", Vector{3}) // evicts "a"

	_, ok := c.Get("a", "m")
	assert.False(t, ok)
	_, ok = c.Get("b", "m")
	assert.True(t, ok)
	_, ok = c.Get("c", "m")
	assert.True(t, ok)
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	c := NewCache(2)
	c.Set("a", "m", Vector{1})
	c.Set("b", "m", Vector{2})
	c.Get("a", "m") // touches "a", "b" becomes the LRU candidate
	c.Set("c", "m", Vector{3})

	_, ok := c.Get("b", "m")
	assert.False(t, ok, "b should have been evicted after a was refreshed")
	_, ok = c.Get("a", "m")
	assert.True(t, ok)
}

func TestCacheDeleteRemovesEntry(t *testing.T) {
	c := NewCache(10)
	c.Set("a", "m", Vector{1})
	c.Delete("a", "m")

	_, ok := c.Get("a", "m")
	assert.False(t, ok)
}

func TestCacheClearAllModels(t *testing.T) {
	c := NewCache(10)
	c.Set("a", "m1", Vector{1})
	c.Set("b", "m2", Vector{2})
	c.Clear("")

	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCacheClearSingleModel(t *testing.T) {
	c := NewCache(10)
	c.Set("a", "m1", Vector{1})
	c.Set("b", "m2", Vector{2})
	c.Clear("m1")

	_, ok := c.Get("a", "m1")
	assert.False(t, ok)
	_, ok = c.Get("b", "m2")
	assert.True(t, ok)
}

func TestCacheStatsReportsOccupancy(t *testing.T) {
	c := NewCache(5)
	c.Set("a", "m", Vector{1})
	c.Set("b", "m", Vector{2})

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 5, stats.MaxSize)
}

func TestCachePruneRemovesOldEntries(t *testing.T) {
	c := NewCache(10)
	c.Set("old", "m", Vector{1})
	// The entry's createdAt cannot be set directly, so wait past a 1ms
	// maxAge instead: the entry is then older than the prune cutoff.
	time.Sleep(time.Millisecond)
	removed := c.Prune(time.Millisecond, 0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCachePruneRespectsMaxEntriesAfterAgeSweep(t *testing.T) {
	c := NewCache(10)
	c.Set("a", "m", Vector{1})
	c.Set("b", "m", Vector{2})
	c.Set("c", "m", Vector{3})

	removed := c.Prune(time.Hour, 1)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestNilCacheDegradesToAlwaysMiss(t *testing.T) {
	var c *Cache
	c.Set("a", "m", Vector{1}) // must not panic
	_, ok := c.Get("a", "m")
	assert.False(t, ok)
	assert.Equal(t, CacheStats{}, c.Stats())
	assert.Equal(t, 0, c.Prune(time.Hour, 10))
	c.Delete("a", "m")
	c.Clear("")
}
