// Package consolidation implements the three housekeeping passes the
// engine runs over stored points: merging near-duplicate memories,
// forgetting stale low-value ones, and decaying importance with age, plus
// the access-boost that keeps a memory's importance and chunk set
// consistent on every recall. All four operate directly on the vector
// store's point payloads; the three passes support a dry-run mode that
// reports what would change without mutating anything.
package consolidation

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/embeddings"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

// Result reports what a consolidation pass did or would do.
type Result struct {
	MergedCount    int
	ForgottenCount int
	UpdatedCount   int
	TotalProcessed int
	Duration       time.Duration
	DryRun         bool
}

// Config bounds the consolidation, forgetting, and decay passes.
type Config struct {
	SimilarityThreshold float64
	MaxClusterSize      int

	ForgettingMaxAge         time.Duration
	ForgettingMinImportance  float64
	ForgettingMinAccessCount int64

	DecayRate               float64
	DecayMinDaysSinceAccess int
	DecayFloor              float64

	BoostAmount   float64
	MaxImportance float64
}

// DefaultConfig mirrors the documented defaults (similarity 0.9, forgetting
// after 30 days below importance 0.3, exponential decay at rate 0.95/day
// floored at 0.1).
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:      0.9,
		MaxClusterSize:           10,
		ForgettingMaxAge:         30 * 24 * time.Hour,
		ForgettingMinImportance:  0.3,
		ForgettingMinAccessCount: 1,
		DecayRate:                0.95,
		DecayMinDaysSinceAccess:  7,
		DecayFloor:               0.1,
		BoostAmount:              0.1,
		MaxImportance:            1.0,
	}
}

// Consolidator runs the three housekeeping passes plus access-boosting
// against a VectorStore collection.
type Consolidator struct {
	store storage.VectorStore
	log   logging.Logger
	cfg   Config
}

// New builds a Consolidator over store using cfg.
func New(store storage.VectorStore, cfg Config, log logging.Logger) *Consolidator {
	if log == nil {
		log = logging.Noop{}
	}
	return &Consolidator{store: store, log: log, cfg: cfg}
}

func isRepresentative(p types.Point) bool {
	return !p.IsChunk || p.ChunkIndex == 0
}

func parentOf(p types.Point) uuid.UUID {
	if p.ParentID != uuid.Nil {
		return p.ParentID
	}
	return p.ID
}

// Consolidate scans collection for clusters of near-duplicate representative
// points (chunk-0 or non-chunked; cosine similarity >= SimilarityThreshold)
// and merges each cluster into its first member: tags unioned, importance
// maxed, access_count summed, merged_from/merged_at recorded. Chunks of the
// same logical memory are never considered duplicates of one another: any
// hit sharing the representative's parent_id is excluded. The full point
// set of every duplicate (including its own chunk siblings, if any) is
// deleted.
func (c *Consolidator) Consolidate(ctx context.Context, collection string, dryRun bool) (Result, error) {
	start := time.Now()
	processed := map[uuid.UUID]bool{}
	merged := 0
	representativeCount := 0

	points, vectors, err := c.scrollAll(ctx, collection)
	if err != nil {
		return Result{}, err
	}
	c.log.DebugContext(ctx, "consolidation scan", "collection", collection, "points", len(points))

	for i, p := range points {
		if !isRepresentative(p) {
			continue
		}
		representativeCount++
		if processed[p.ID] {
			continue
		}
		if len(vectors[i]) == 0 {
			continue
		}

		hits, err := c.store.Search(ctx, collection, storage.SearchQuery{
			Vector:   vectors[i],
			Limit:    c.cfg.MaxClusterSize + 1,
			MinScore: c.cfg.SimilarityThreshold,
		})
		if err != nil {
			return Result{}, err
		}

		primaryParent := parentOf(p)
		var duplicates []types.Point
		for _, h := range hits {
			if h.Point.ID == p.ID || processed[h.Point.ID] {
				continue
			}
			if !isRepresentative(h.Point) {
				continue
			}
			if parentOf(h.Point) == primaryParent {
				continue
			}
			duplicates = append(duplicates, h.Point)
		}
		if len(duplicates) == 0 {
			continue
		}

		if !dryRun {
			if err := c.mergeInto(ctx, collection, p, duplicates); err != nil {
				return Result{}, err
			}
		}

		processed[p.ID] = true
		for _, d := range duplicates {
			processed[d.ID] = true
		}
		merged += len(duplicates)
	}

	return Result{
		MergedCount:    merged,
		TotalProcessed: representativeCount,
		Duration:       time.Since(start),
		DryRun:         dryRun,
	}, nil
}

func (c *Consolidator) mergeInto(ctx context.Context, collection string, primary types.Point, duplicates []types.Point) error {
	tagSet := map[string]bool{}
	for _, t := range primary.Tags {
		tagSet[t] = true
	}
	maxImportance := primary.Importance
	totalAccess := primary.AccessCount
	mergedFrom := make([]string, 0, len(duplicates))

	for _, d := range duplicates {
		for _, t := range d.Tags {
			tagSet[t] = true
		}
		if d.Importance > maxImportance {
			maxImportance = d.Importance
		}
		totalAccess += d.AccessCount
		mergedFrom = append(mergedFrom, d.ID.String())
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	patch := map[string]any{
		"tags":             tags,
		"importance":       maxImportance,
		"access_count":     totalAccess,
		"meta_merged_from": mergedFrom,
		"meta_merged_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.store.UpdatePayload(ctx, collection, primary.ID.String(), patch); err != nil {
		return err
	}

	// Delete each duplicate's entire point set: its own representative
	// point plus any chunk siblings, so a multi-chunk duplicate never
	// leaves orphaned chunks behind.
	for _, d := range duplicates {
		parentID := parentOf(d)
		if err := c.store.DeleteByFilter(ctx, collection, &storage.Filter{
			Conditions: []storage.FilterCondition{{Key: "parent_id", Value: parentID.String()}},
		}); err != nil {
			return err
		}
		if err := c.store.Delete(ctx, collection, []string{d.ID.String()}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyForgetting deletes the full point set of every representative point
// whose last access predates MaxAge AND whose importance is below
// MinImportance AND whose access count is below MinAccessCount; all three
// conditions must hold for a memory to be forgotten. Deletion
// targets the memory's parent_id (covering chunked memories) and also
// attempts a direct id delete (covering non-chunked memories, where
// parent_id == id and the filter delete is a no-op match on the same row).
func (c *Consolidator) ApplyForgetting(ctx context.Context, collection string, dryRun bool) (Result, error) {
	start := time.Now()
	cutoff := time.Now().Add(-c.cfg.ForgettingMaxAge)

	points, _, err := c.scrollAll(ctx, collection)
	if err != nil {
		return Result{}, err
	}

	var candidates []uuid.UUID
	representativeCount := 0
	for _, p := range points {
		if !isRepresentative(p) {
			continue
		}
		representativeCount++
		lastAccess := p.AccessedAt
		if lastAccess.IsZero() {
			lastAccess = p.CreatedAt
		}
		if lastAccess.Before(cutoff) &&
			p.Importance < c.cfg.ForgettingMinImportance &&
			p.AccessCount < c.cfg.ForgettingMinAccessCount {
			candidates = append(candidates, parentOf(p))
		}
	}

	c.log.InfoContext(ctx, "forgetting candidates found", "collection", collection, "count", len(candidates))

	if !dryRun {
		for _, parentID := range candidates {
			if err := c.store.DeleteByFilter(ctx, collection, &storage.Filter{
				Conditions: []storage.FilterCondition{{Key: "parent_id", Value: parentID.String()}},
			}); err != nil {
				return Result{}, err
			}
			if err := c.store.Delete(ctx, collection, []string{parentID.String()}); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{
		ForgottenCount: len(candidates),
		TotalProcessed: representativeCount,
		Duration:       time.Since(start),
		DryRun:         dryRun,
	}, nil
}

// DecayImportance exponentially decays the importance of points not
// accessed in at least MinDaysSinceAccess days: new = current *
// DecayRate^daysSinceAccess, floored at DecayFloor, applied only when the
// resulting change exceeds 0.01 to avoid churn from negligible deltas.
func (c *Consolidator) DecayImportance(ctx context.Context, collection string, dryRun bool) (Result, error) {
	start := time.Now()
	cutoff := time.Now().Add(-time.Duration(c.cfg.DecayMinDaysSinceAccess) * 24 * time.Hour)
	updated := 0

	points, _, err := c.scrollAll(ctx, collection)
	if err != nil {
		return Result{}, err
	}

	for _, p := range points {
		if p.AccessedAt.IsZero() || !p.AccessedAt.Before(cutoff) {
			continue
		}
		daysSince := int(time.Since(p.AccessedAt).Hours() / 24)
		newImportance := p.Importance * math.Pow(c.cfg.DecayRate, float64(daysSince))
		if newImportance < c.cfg.DecayFloor {
			newImportance = c.cfg.DecayFloor
		}
		if math.Abs(newImportance-p.Importance) <= 0.01 {
			continue
		}
		if !dryRun {
			if err := c.store.UpdatePayload(ctx, collection, p.ID.String(), map[string]any{"importance": newImportance}); err != nil {
				return Result{}, err
			}
		}
		updated++
	}

	return Result{
		UpdatedCount:   updated,
		TotalProcessed: updated,
		Duration:       time.Since(start),
		DryRun:         dryRun,
	}, nil
}

// BoostOnAccess additively boosts a memory's importance (capped at
// MaxImportance), increments its access count, and sets accessed_at to now.
// When the fetched point is itself a chunk, every sibling chunk sharing its
// parent_id is updated with the same triple of values: a chunked memory
// must never end up with divergent importance/access_count across its
// chunks.
func (c *Consolidator) BoostOnAccess(ctx context.Context, collection string, pointID uuid.UUID) (float64, error) {
	point, _, err := c.store.Get(ctx, collection, pointID.String())
	if err != nil {
		return 0, err
	}

	newImportance := point.Importance + c.cfg.BoostAmount
	if newImportance > c.cfg.MaxImportance {
		newImportance = c.cfg.MaxImportance
	}
	newAccessCount := point.AccessCount + 1
	now := time.Now().UTC()

	patch := map[string]any{
		"importance":   newImportance,
		"access_count": newAccessCount,
		"accessed_at":  now.Unix(),
	}
	if err := c.store.UpdatePayload(ctx, collection, pointID.String(), patch); err != nil {
		return 0, err
	}

	if point.IsChunk {
		if err := c.propagateToSiblings(ctx, collection, parentOf(point), pointID, patch); err != nil {
			return 0, err
		}
	}

	return newImportance, nil
}

func (c *Consolidator) propagateToSiblings(ctx context.Context, collection string, parentID, excludeID uuid.UUID, patch map[string]any) error {
	siblings, err := c.store.Scroll(ctx, collection, &storage.Filter{
		Conditions: []storage.FilterCondition{{Key: "parent_id", Value: parentID.String()}},
	}, 0)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == excludeID {
			continue
		}
		if err := c.store.UpdatePayload(ctx, collection, sibling.ID.String(), patch); err != nil {
			return err
		}
	}
	return nil
}

// BoostOnAccessBatch applies BoostOnAccess to every id, continuing past
// individual failures. Semantics match repeated single calls; the batch
// form deliberately returns no per-item importance value, since a partial
// result would mask mid-batch failures.
func (c *Consolidator) BoostOnAccessBatch(ctx context.Context, collection string, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, err := c.BoostOnAccess(ctx, collection, id); err != nil {
			c.log.WarnContext(ctx, "batch boost failed for memory", "memory_id", id, "error", err)
		}
	}
	return nil
}

func (c *Consolidator) scrollAll(ctx context.Context, collection string) ([]types.Point, []embeddings.Vector, error) {
	points, err := c.store.Scroll(ctx, collection, nil, 0)
	if err != nil {
		return nil, nil, err
	}
	vectors := make([]embeddings.Vector, len(points))
	for i, p := range points {
		_, v, err := c.store.Get(ctx, collection, p.ID.String())
		if err != nil {
			continue
		}
		vectors[i] = v
	}
	return points, vectors, nil
}
