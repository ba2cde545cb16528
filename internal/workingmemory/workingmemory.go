// Package workingmemory holds the current session's fast, in-memory state:
// an LRU of recently touched memories, TTL'd key/value context, and a
// bounded action history. None of it is durable; it resets with the
// process and exists purely to avoid round-tripping the storage layer for
// state the current session already has at hand.
package workingmemory

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxHistoryItems = 100

// contextItem is one TTL'd context entry.
type contextItem struct {
	value       any
	setAt       time.Time
	ttl         time.Duration // zero means no expiry
	accessCount int64
}

func (c *contextItem) expired(now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return now.After(c.setAt.Add(c.ttl))
}

// HistoryEntry is one recorded session action.
type HistoryEntry struct {
	Action    string
	Details   map[string]any
	Timestamp time.Time
}

type cacheEntry struct {
	memoryID uuid.UUID
	data     any
}

// WorkingMemory is the per-session cache: a bounded LRU of recently touched
// memories, a TTL'd context map, and a capped action history. Safe for
// concurrent use.
type WorkingMemory struct {
	mu sync.Mutex

	maxSize    int
	defaultTTL time.Duration

	ll    *list.List
	index map[uuid.UUID]*list.Element

	context map[string]*contextItem
	history []HistoryEntry

	sessionStart time.Time
}

// New builds a WorkingMemory holding at most maxSize cached memories, with
// defaultTTL applied to context entries set without an explicit TTL.
func New(maxSize int, defaultTTL time.Duration) *WorkingMemory {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &WorkingMemory{
		maxSize:      maxSize,
		defaultTTL:   defaultTTL,
		ll:           list.New(),
		index:        make(map[uuid.UUID]*list.Element),
		context:      make(map[string]*contextItem),
		sessionStart: time.Now(),
	}
}

// SessionDuration reports how long this WorkingMemory has been alive.
func (w *WorkingMemory) SessionDuration() time.Duration {
	return time.Since(w.sessionStart)
}

// CacheMemory records memoryID as recently touched, moving it to the front
// of the LRU and evicting the oldest entry past capacity.
func (w *WorkingMemory) CacheMemory(memoryID uuid.UUID, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.index[memoryID]; ok {
		elem.Value.(*cacheEntry).data = data
		w.ll.MoveToFront(elem)
		return
	}
	w.index[memoryID] = w.ll.PushFront(&cacheEntry{memoryID: memoryID, data: data})
	for w.ll.Len() > w.maxSize {
		oldest := w.ll.Back()
		if oldest == nil {
			break
		}
		w.ll.Remove(oldest)
		delete(w.index, oldest.Value.(*cacheEntry).memoryID)
	}
}

// GetCachedMemory returns the cached data for memoryID, if present,
// refreshing its LRU position.
func (w *WorkingMemory) GetCachedMemory(memoryID uuid.UUID) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elem, ok := w.index[memoryID]
	if !ok {
		return nil, false
	}
	w.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).data, true
}

// InvalidateCache removes memoryID from the LRU, if present.
func (w *WorkingMemory) InvalidateCache(memoryID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	elem, ok := w.index[memoryID]
	if !ok {
		return false
	}
	w.ll.Remove(elem)
	delete(w.index, memoryID)
	return true
}

// ClearCache empties the LRU entirely.
func (w *WorkingMemory) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ll.Init()
	w.index = make(map[uuid.UUID]*list.Element)
}

// RecentMemories returns up to limit recently touched memory ids, most
// recent first.
func (w *WorkingMemory) RecentMemories(limit int) []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]uuid.UUID, 0, limit)
	for elem := w.ll.Front(); elem != nil && len(out) < limit; elem = elem.Next() {
		out = append(out, elem.Value.(*cacheEntry).memoryID)
	}
	return out
}

// SetContext stores value under key with ttl (zero uses the default TTL,
// a negative value means no expiry).
func (w *WorkingMemory) SetContext(key string, value any, ttl time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ttl == 0 {
		ttl = w.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	w.context[key] = &contextItem{value: value, setAt: time.Now(), ttl: ttl}
}

// GetContext returns the value for key, or ok=false if absent or expired.
// Expiry is lazy: an expired entry is evicted as a side effect of the
// lookup that finds it stale.
func (w *WorkingMemory) GetContext(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item, ok := w.context[key]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if item.expired(now) {
		delete(w.context, key)
		return nil, false
	}
	item.accessCount++
	item.setAt = now
	return item.value, true
}

// AllContext returns every non-expired context value, cleaning up expired
// entries first.
func (w *WorkingMemory) AllContext() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cleanupExpiredLocked()
	out := make(map[string]any, len(w.context))
	for k, v := range w.context {
		out[k] = v.value
	}
	return out
}

// RemoveContext deletes key, returning whether it was present.
func (w *WorkingMemory) RemoveContext(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.context[key]; !ok {
		return false
	}
	delete(w.context, key)
	return true
}

// ClearContext empties all context entries.
func (w *WorkingMemory) ClearContext() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.context = make(map[string]*contextItem)
}

func (w *WorkingMemory) cleanupExpiredLocked() int {
	now := time.Now()
	removed := 0
	for k, v := range w.context {
		if v.expired(now) {
			delete(w.context, k)
			removed++
		}
	}
	return removed
}

// SetCurrentProject/GetCurrentProject and SetCurrentFile/GetCurrentFile are
// named convenience wrappers over the two context keys every caller ends up
// setting for the active session.
func (w *WorkingMemory) SetCurrentProject(project string) { w.SetContext("current_project", project, 0) }
func (w *WorkingMemory) GetCurrentProject() (string, bool) {
	v, ok := w.GetContext("current_project")
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

func (w *WorkingMemory) SetCurrentFile(path string) { w.SetContext("current_file", path, 0) }
func (w *WorkingMemory) GetCurrentFile() (string, bool) {
	v, ok := w.GetContext("current_file")
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// AddHistory appends an action to the session history, capping it at the
// last maxHistoryItems entries.
func (w *WorkingMemory) AddHistory(action string, details map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.history = append(w.history, HistoryEntry{Action: action, Details: details, Timestamp: time.Now()})
	if len(w.history) > maxHistoryItems {
		w.history = w.history[len(w.history)-maxHistoryItems:]
	}
}

// History returns up to limit history entries, most recent first.
func (w *WorkingMemory) History(limit int) []HistoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = w.history[n-1-i]
	}
	return out
}

// Stats summarizes current occupancy, cleaning expired context first.
type Stats struct {
	SessionDuration time.Duration
	ContextItems    int
	CachedMemories  int
	CacheMaxSize    int
}

func (w *WorkingMemory) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupExpiredLocked()
	return Stats{
		SessionDuration: time.Since(w.sessionStart),
		ContextItems:    len(w.context),
		CachedMemories:  w.ll.Len(),
		CacheMaxSize:    w.maxSize,
	}
}
