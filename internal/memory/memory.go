// Package memory implements the Memory Lifecycle Manager: the store,
// recall, search, get, update and delete operations that turn a logical
// Memory into one or more physical Points in the vector store, keep the
// Working Memory cache coherent, and trigger consolidation boosts on
// successful recall.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/chunking"
	"github.com/trapias/memoria/internal/consolidation"
	"github.com/trapias/memoria/internal/embeddings"
	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
	"github.com/trapias/memoria/internal/workingmemory"
)

// Config carries the recall/chunking defaults from the environment.
type Config struct {
	DefaultRecallLimit int
	MinSimilarityScore float64
	ChunkSize          int
}

// Scored pairs a reconstructed Memory with its recall similarity score.
type Scored struct {
	Memory Memory
	Score  float64
}

// Memory is the caller-facing reconstruction of a logical memory: the
// union of a Point's payload fields, keyed by parent_id.
type Memory struct {
	ID          uuid.UUID
	Kind        types.Kind
	Content     string
	Tags        []string
	Importance  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	Metadata    map[string]interface{}
}

// SortField selects the ordering search() applies after scrolling.
type SortField string

const (
	SortRelevance   SortField = "relevance"
	SortDate        SortField = "date"
	SortImportance  SortField = "importance"
	SortAccessCount SortField = "access_count"
)

// SearchRequest bounds a filtered, non-vector lookup (or, when Query is
// set, is reduced to a recall call).
type SearchRequest struct {
	Query          string
	Kind           types.Kind
	Tags           []string
	ImportanceMin  *float64
	Project        string
	Limit          int
	SortBy         SortField
	TextMatch      string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
}

// Manager implements store/recall/search/get/update/delete over the
// vector store, fronted by a Working Memory cache and followed by
// consolidation boosts on recall.
type Manager struct {
	vectors      storage.VectorStore
	embedder     embeddings.Embedder
	chunker      *chunking.Chunker
	wm           *workingmemory.WorkingMemory
	consolidator *consolidation.Consolidator
	log          logging.Logger
	cfg          Config
}

// New builds a Manager. wm and consolidator may be nil; a nil wm disables
// caching (every get is a cache miss), a nil consolidator disables the
// post-recall importance boost.
func New(vectors storage.VectorStore, embedder embeddings.Embedder, chunker *chunking.Chunker, wm *workingmemory.WorkingMemory, consolidator *consolidation.Consolidator, cfg Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop{}
	}
	return &Manager{vectors: vectors, embedder: embedder, chunker: chunker, wm: wm, consolidator: consolidator, cfg: cfg, log: log}
}

// Store builds a new Memory, chunking and embedding its content as
// needed, and upserts its point set.
func (m *Manager) Store(ctx context.Context, kind types.Kind, content string, tags []string, importance float64, metadata map[string]interface{}) (Memory, error) {
	if !kind.Valid() {
		return Memory{}, &memerrors.InvalidInputError{Reason: fmt.Sprintf("invalid memory kind: %q", kind)}
	}
	if content == "" {
		return Memory{}, &memerrors.InvalidInputError{Reason: "memory content cannot be empty"}
	}
	now := time.Now()
	id := uuid.New()

	if err := m.upsertContent(ctx, kind, id, content, tags, importance, metadata, now, now); err != nil {
		return Memory{}, err
	}

	mem := Memory{ID: id, Kind: kind, Content: content, Tags: tags, Importance: importance, CreatedAt: now, UpdatedAt: now, AccessedAt: now, Metadata: metadata}
	if m.wm != nil {
		m.wm.CacheMemory(id, mem)
		m.wm.AddHistory("store", map[string]any{"memory_id": id.String(), "kind": string(kind)})
	}
	return mem, nil
}

// upsertContent writes the point set for id: a single point if content
// fits under the chunk size, or one point per chunk otherwise. createdAt
// is preserved across re-chunking on update.
func (m *Manager) upsertContent(ctx context.Context, kind types.Kind, id uuid.UUID, content string, tags []string, importance float64, metadata map[string]interface{}, createdAt, updatedAt time.Time) error {
	chunks := m.chunker.Chunk(content)
	if len(content) <= m.cfg.ChunkSize || len(chunks) <= 1 {
		vec, err := m.embedder.Embed(ctx, content, embeddings.KindDocument)
		if err != nil {
			return &memerrors.EmbedError{Reason: "store", Err: err}
		}
		p := types.Point{
			ID: id, ParentID: id, Kind: kind, Content: content, IsChunk: false,
			Tags: tags, Importance: importance, CreatedAt: createdAt, UpdatedAt: updatedAt,
			AccessedAt: updatedAt, Metadata: metadata,
		}
		if err := m.vectors.Upsert(ctx, string(kind), p, vec.Vector); err != nil {
			return &memerrors.StoreError{Op: "upsert", Err: err}
		}
		return nil
	}

	points := make([]types.Point, 0, len(chunks))
	vectors := make([]embeddings.Vector, 0, len(chunks))
	for _, ch := range chunks {
		vec, err := m.embedder.Embed(ctx, ch.Text, embeddings.KindDocument)
		if err != nil {
			return &memerrors.EmbedError{Reason: "store chunk", Err: err}
		}
		points = append(points, types.Point{
			ID: types.ChunkID(id, ch.Index), ParentID: id, Kind: kind, Content: ch.Text, FullContent: content,
			IsChunk: true, ChunkIndex: ch.Index, ChunkCount: len(chunks),
			Tags: tags, Importance: importance, CreatedAt: createdAt, UpdatedAt: updatedAt,
			AccessedAt: updatedAt, Metadata: metadata,
		})
		vectors = append(vectors, vec.Vector)
	}
	if err := m.vectors.UpsertBatch(ctx, string(kind), points, vectors); err != nil {
		return &memerrors.StoreError{Op: "upsert_batch", Err: err}
	}
	return nil
}

// Recall embeds query and searches every requested kind, de-duplicating
// hits by parent_id and keeping the highest-scoring point per logical
// memory, then fires a background importance boost for every surviving
// memory.
func (m *Manager) Recall(ctx context.Context, query string, kinds []types.Kind, limit int, minScore float64, tags []string, textMatch string) ([]Scored, error) {
	return m.recall(ctx, query, kinds, limit, minScore, buildFilter(tags, nil, "", textMatch))
}

func (m *Manager) recall(ctx context.Context, query string, kinds []types.Kind, limit int, minScore float64, filter *storage.Filter) ([]Scored, error) {
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}
	if limit <= 0 {
		limit = m.cfg.DefaultRecallLimit
	}
	if minScore == 0 {
		minScore = m.cfg.MinSimilarityScore
	}

	vec, err := m.embedder.Embed(ctx, query, embeddings.KindQuery)
	if err != nil {
		return nil, &memerrors.EmbedError{Reason: "recall", Err: err}
	}

	type recallHit struct {
		hit  storage.ScoredPoint
		kind types.Kind
	}
	best := map[uuid.UUID]recallHit{}
	for _, kind := range kinds {
		hits, err := m.vectors.Search(ctx, string(kind), storage.SearchQuery{
			Vector: vec.Vector, Limit: limit * 3, MinScore: minScore, Filter: filter,
		})
		if err != nil {
			return nil, &memerrors.StoreError{Op: "search", Err: err}
		}
		for _, h := range hits {
			parent := h.Point.ParentID
			if parent == uuid.Nil {
				parent = h.Point.ID
			}
			if cur, ok := best[parent]; !ok || h.Score > cur.hit.Score {
				best[parent] = recallHit{hit: h, kind: kind}
			}
		}
	}

	results := make([]Scored, 0, len(best))
	boostTargets := make(map[types.Kind][]uuid.UUID, len(kinds))
	for parent, rh := range best {
		results = append(results, Scored{Memory: reconstruct(parent, rh.hit.Point), Score: rh.hit.Score})
		boostTargets[rh.kind] = append(boostTargets[rh.kind], rh.hit.Point.ID)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	m.fireBoosts(ctx, boostTargets)
	return results, nil
}

// fireBoosts schedules importance boosts for the accessed points without
// blocking the caller; completion order relative to Recall's return is
// implementation-defined, but the returned result set above already
// reflects the pre-boost access_count.
func (m *Manager) fireBoosts(ctx context.Context, targets map[types.Kind][]uuid.UUID) {
	if m.consolidator == nil || len(targets) == 0 {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		for kind, ids := range targets {
			if err := m.consolidator.BoostOnAccessBatch(bgCtx, string(kind), ids); err != nil {
				m.log.WarnContext(bgCtx, "post-recall boost failed", "kind", kind, "error", err)
			}
		}
	}()
}

// Search scrolls filtered points when no query is given (otherwise it
// reduces to Recall), de-dups by parent_id, and sorts in memory.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]Scored, error) {
	filter := buildFilter(req.Tags, req.ImportanceMin, req.Project, req.TextMatch)
	if req.CreatedAfter != nil || req.CreatedBefore != nil {
		if filter == nil {
			filter = &storage.Filter{}
		}
		filter.Conditions = append(filter.Conditions, storage.FilterCondition{
			Key: "created_at", Range: &storage.RangeCondition{GteTime: req.CreatedAfter, LteTime: req.CreatedBefore},
		})
	}

	if req.Query != "" {
		var kinds []types.Kind
		if req.Kind.Valid() {
			kinds = []types.Kind{req.Kind}
		}
		return m.recall(ctx, req.Query, kinds, req.Limit, 0, filter)
	}
	if !req.Kind.Valid() {
		return nil, &memerrors.InvalidInputError{Reason: fmt.Sprintf("invalid memory kind: %q", req.Kind)}
	}

	points, err := m.vectors.Scroll(ctx, string(req.Kind), filter, 0)
	if err != nil {
		return nil, &memerrors.StoreError{Op: "scroll", Err: err}
	}

	best := map[uuid.UUID]types.Point{}
	for _, p := range points {
		parent := p.ParentID
		if parent == uuid.Nil {
			parent = p.ID
		}
		cur, ok := best[parent]
		if !ok || betterRepresentative(p, cur) {
			best[parent] = p
		}
	}

	results := make([]Scored, 0, len(best))
	for parent, p := range best {
		results = append(results, Scored{Memory: reconstruct(parent, p)})
	}
	sortResults(results, req.SortBy)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// betterRepresentative prefers the chunk-0/non-chunk point when more than
// one point of a memory is returned by a scroll.
func betterRepresentative(candidate, current types.Point) bool {
	if !candidate.IsChunk && current.IsChunk {
		return true
	}
	if candidate.IsChunk && !current.IsChunk {
		return false
	}
	return candidate.ChunkIndex < current.ChunkIndex
}

func sortResults(results []Scored, by SortField) {
	switch by {
	case SortDate:
		sort.Slice(results, func(i, j int) bool { return results[i].Memory.UpdatedAt.After(results[j].Memory.UpdatedAt) })
	case SortImportance:
		sort.Slice(results, func(i, j int) bool { return results[i].Memory.Importance > results[j].Memory.Importance })
	case SortAccessCount:
		sort.Slice(results, func(i, j int) bool { return results[i].Memory.AccessCount > results[j].Memory.AccessCount })
	default:
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}
}

// Get tries the Working Memory cache first, then the representative
// point by id, then the deterministic chunk-0 id as a fallback for
// memories whose id never maps to a point directly.
func (m *Manager) Get(ctx context.Context, kind types.Kind, id uuid.UUID) (Memory, error) {
	if m.wm != nil {
		if cached, ok := m.wm.GetCachedMemory(id); ok {
			if mem, ok := cached.(Memory); ok {
				return mem, nil
			}
		}
	}

	p, _, err := m.vectors.Get(ctx, string(kind), id.String())
	if err != nil {
		p, _, err = m.vectors.Get(ctx, string(kind), types.ChunkID(id, 0).String())
		if err != nil {
			return Memory{}, &memerrors.NotFoundError{Resource: "memory", ID: id.String()}
		}
	}

	parent := p.ParentID
	if parent == uuid.Nil {
		parent = p.ID
	}
	mem := reconstruct(parent, p)
	if m.wm != nil {
		m.wm.CacheMemory(parent, mem)
	}
	return mem, nil
}

// Update struct carries the optional fields update() may change; a nil
// field leaves that aspect of the memory untouched.
type Update struct {
	Content    *string
	Tags       []string
	Importance *float64
	Metadata   map[string]interface{}
}

// Update applies a content-changing update (full point-set delete and
// re-chunk/re-embed, preserving created_at) or a metadata-only update
// (merge patch on every point in the set), then invalidates the cache
// entry and re-fetches.
func (m *Manager) Update(ctx context.Context, kind types.Kind, id uuid.UUID, upd Update) (Memory, error) {
	existing, err := m.Get(ctx, kind, id)
	if err != nil {
		return Memory{}, err
	}

	if upd.Content != nil {
		if err := m.deletePointSet(ctx, kind, id); err != nil {
			return Memory{}, err
		}
		tags := existing.Tags
		if upd.Tags != nil {
			tags = upd.Tags
		}
		importance := existing.Importance
		if upd.Importance != nil {
			importance = *upd.Importance
		}
		metadata := existing.Metadata
		if upd.Metadata != nil {
			metadata = upd.Metadata
		}
		now := time.Now()
		if err := m.upsertContent(ctx, kind, id, *upd.Content, tags, importance, metadata, existing.CreatedAt, now); err != nil {
			return Memory{}, err
		}
	} else {
		patch := map[string]any{"updated_at": time.Now()}
		if upd.Tags != nil {
			patch["tags"] = upd.Tags
		}
		if upd.Importance != nil {
			patch["importance"] = *upd.Importance
		}
		if upd.Metadata != nil {
			patch["metadata"] = upd.Metadata
		}
		if err := m.patchPointSet(ctx, kind, id, patch); err != nil {
			return Memory{}, err
		}
	}

	if err := m.verifyChunkInvariant(ctx, kind, id); err != nil {
		return Memory{}, err
	}

	if m.wm != nil {
		m.wm.InvalidateCache(id)
		m.wm.AddHistory("update", map[string]any{"memory_id": id.String(), "kind": string(kind)})
	}
	return m.Get(ctx, kind, id)
}

// verifyChunkInvariant confirms the point set left behind by an update is
// either a single non-chunk point or a set of chunk points sharing
// parent_id, never both. A torn write (delete succeeded, re-chunk upsert
// partially failed, or vice versa) is the only realistic way to reach a
// mixed set; this must surface as an error rather than be silently
// tolerated by whichever representative reconstruct() happens to pick.
func (m *Manager) verifyChunkInvariant(ctx context.Context, kind types.Kind, memoryID uuid.UUID) error {
	_, _, directErr := m.vectors.Get(ctx, string(kind), memoryID.String())
	hasDirect := directErr == nil

	chunkPoints, err := m.vectors.Scroll(ctx, string(kind), &storage.Filter{
		Conditions: []storage.FilterCondition{{Key: "parent_id", Value: memoryID.String()}},
	}, 1)
	if err != nil {
		return &memerrors.StoreError{Op: "scroll", Err: err}
	}
	hasChunks := false
	for _, p := range chunkPoints {
		if p.IsChunk {
			hasChunks = true
			break
		}
	}

	if hasDirect && hasChunks {
		return &memerrors.ChunkInvariantViolationError{MemoryID: memoryID.String()}
	}
	return nil
}

// deletePointSet removes every point whose id is memoryID or whose
// parent_id is memoryID: the filter-delete covers chunked memories, the
// direct-id delete covers non-chunked ones.
func (m *Manager) deletePointSet(ctx context.Context, kind types.Kind, memoryID uuid.UUID) error {
	if err := m.vectors.DeleteByFilter(ctx, string(kind), &storage.Filter{
		Conditions: []storage.FilterCondition{{Key: "parent_id", Value: memoryID.String()}},
	}); err != nil {
		return &memerrors.StoreError{Op: "delete_by_filter", Err: err}
	}
	if err := m.vectors.Delete(ctx, string(kind), []string{memoryID.String()}); err != nil {
		return &memerrors.StoreError{Op: "delete", Err: err}
	}
	return nil
}

// patchPointSet applies patch to every point sharing parent_id with
// memoryID, plus memoryID itself (covers the non-chunked case where
// parent_id == id but the point was never scrolled by that filter).
func (m *Manager) patchPointSet(ctx context.Context, kind types.Kind, memoryID uuid.UUID, patch map[string]any) error {
	points, err := m.vectors.Scroll(ctx, string(kind), &storage.Filter{
		Conditions: []storage.FilterCondition{{Key: "parent_id", Value: memoryID.String()}},
	}, 0)
	if err != nil {
		return &memerrors.StoreError{Op: "scroll", Err: err}
	}
	seen := map[string]bool{}
	for _, p := range points {
		if err := m.vectors.UpdatePayload(ctx, string(kind), p.ID.String(), patch); err != nil {
			return &memerrors.StoreError{Op: "update_payload", Err: err}
		}
		seen[p.ID.String()] = true
	}
	if !seen[memoryID.String()] {
		if err := m.vectors.UpdatePayload(ctx, string(kind), memoryID.String(), patch); err != nil {
			return &memerrors.StoreError{Op: "update_payload", Err: err}
		}
	}
	return nil
}

// Delete removes the point set for every id in ids, invalidating the
// cache for each, and returns the count of ids for which at least one
// point was found. When ids is empty, it deletes every point matching
// filter directly and returns the deleted count.
func (m *Manager) Delete(ctx context.Context, kind types.Kind, ids []uuid.UUID, tags []string) (int, error) {
	if len(ids) == 0 {
		before, err := m.vectors.Count(ctx, string(kind), nil)
		if err != nil {
			return 0, &memerrors.StoreError{Op: "count", Err: err}
		}
		filter := buildFilter(tags, nil, "", "")
		if err := m.vectors.DeleteByFilter(ctx, string(kind), filter); err != nil {
			return 0, &memerrors.StoreError{Op: "delete_by_filter", Err: err}
		}
		after, err := m.vectors.Count(ctx, string(kind), nil)
		if err != nil {
			return 0, &memerrors.StoreError{Op: "count", Err: err}
		}
		if before > after {
			return int(before - after), nil
		}
		return 0, nil
	}

	count := 0
	for _, id := range ids {
		found, err := m.pointSetExists(ctx, kind, id)
		if err != nil {
			return count, err
		}
		if err := m.deletePointSet(ctx, kind, id); err != nil {
			return count, err
		}
		if found {
			count++
		}
		if m.wm != nil {
			m.wm.InvalidateCache(id)
		}
	}
	return count, nil
}

// pointSetExists reports whether any point of memoryID's point set (the
// point itself, or any chunk sharing its parent_id) is currently stored.
func (m *Manager) pointSetExists(ctx context.Context, kind types.Kind, memoryID uuid.UUID) (bool, error) {
	if _, _, err := m.vectors.Get(ctx, string(kind), memoryID.String()); err == nil {
		return true, nil
	}
	points, err := m.vectors.Scroll(ctx, string(kind), &storage.Filter{
		Conditions: []storage.FilterCondition{{Key: "parent_id", Value: memoryID.String()}},
	}, 1)
	if err != nil {
		return false, &memerrors.StoreError{Op: "scroll", Err: err}
	}
	return len(points) > 0, nil
}

// reconstruct builds the caller-facing Memory from a winning point,
// preferring full_content when the point is a chunk.
func reconstruct(id uuid.UUID, p types.Point) Memory {
	content := p.Content
	if p.FullContent != "" {
		content = p.FullContent
	}
	return Memory{
		ID: id, Kind: p.Kind, Content: content, Tags: p.Tags, Importance: p.Importance,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, AccessedAt: p.AccessedAt,
		AccessCount: p.AccessCount, Metadata: p.Metadata,
	}
}

func buildFilter(tags []string, importanceMin *float64, project, textMatch string) *storage.Filter {
	f := &storage.Filter{}
	if len(tags) > 0 {
		vals := make([]any, len(tags))
		for i, t := range tags {
			vals[i] = t
		}
		f.Conditions = append(f.Conditions, storage.FilterCondition{Key: "tags", Values: vals})
	}
	if importanceMin != nil {
		f.Conditions = append(f.Conditions, storage.FilterCondition{Key: "importance", Range: &storage.RangeCondition{Gte: importanceMin}})
	}
	if project != "" {
		f.Conditions = append(f.Conditions, storage.FilterCondition{Key: "project", Value: project})
	}
	if textMatch != "" {
		f.Conditions = append(f.Conditions, storage.FilterCondition{Key: "__text_match", TextMatch: textMatch})
	}
	if len(f.Conditions) == 0 {
		return nil
	}
	return f
}
