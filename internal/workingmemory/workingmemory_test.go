package workingmemory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMemoryEvictsOldestPastCapacity(t *testing.T) {
	w := New(2, time.Hour)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	w.CacheMemory(a, "a")
	w.CacheMemory(b, "b")
	w.CacheMemory(c, "c")

	_, ok := w.GetCachedMemory(a)
	assert.False(t, ok, "oldest entry should have been evicted")

	v, ok := w.GetCachedMemory(c)
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestGetCachedMemoryRefreshesLRUOrder(t *testing.T) {
	w := New(2, time.Hour)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	w.CacheMemory(a, "a")
	w.CacheMemory(b, "b")
	w.GetCachedMemory(a) // touch a, making b the LRU victim
	w.CacheMemory(c, "c")

	_, ok := w.GetCachedMemory(b)
	assert.False(t, ok)
	_, ok = w.GetCachedMemory(a)
	assert.True(t, ok)
}

func TestContextExpiresAfterTTL(t *testing.T) {
	w := New(10, time.Hour)
	w.SetContext("k", "v", 10*time.Millisecond)

	v, ok := w.GetContext("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(20 * time.Millisecond)
	_, ok = w.GetContext("k")
	assert.False(t, ok)
}

func TestContextWithoutTTLNeverExpires(t *testing.T) {
	w := New(10, -1)
	w.SetContext("k", "v", -1)
	time.Sleep(5 * time.Millisecond)
	v, ok := w.GetContext("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCurrentProjectAndFileRoundTrip(t *testing.T) {
	w := New(10, time.Hour)
	w.SetCurrentProject("memoria")
	w.SetCurrentFile("main.go")

	p, ok := w.GetCurrentProject()
	require.True(t, ok)
	assert.Equal(t, "memoria", p)

	f, ok := w.GetCurrentFile()
	require.True(t, ok)
	assert.Equal(t, "main.go", f)
}

func TestHistoryIsCappedAndMostRecentFirst(t *testing.T) {
	w := New(10, time.Hour)
	for i := 0; i < 150; i++ {
		w.AddHistory("action", nil)
	}

	all := w.History(0)
	assert.Len(t, all, maxHistoryItems)

	w.AddHistory("last", map[string]any{"n": 1})
	top := w.History(1)
	require.Len(t, top, 1)
	assert.Equal(t, "last", top[0].Action)
}

func TestRecentMemoriesMostRecentFirst(t *testing.T) {
	w := New(10, time.Hour)
	a, b := uuid.New(), uuid.New()
	w.CacheMemory(a, "a")
	w.CacheMemory(b, "b")

	recent := w.RecentMemories(2)
	require.Len(t, recent, 2)
	assert.Equal(t, b, recent[0])
	assert.Equal(t, a, recent[1])
}
