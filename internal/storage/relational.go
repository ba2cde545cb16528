package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/types"
)

// Tx is a relational transaction handle, passed into RelationalStore methods
// that must participate in a larger unit of work (e.g. AddRelation plus the
// point flag update that marks HasRelations).
type Tx interface {
	Commit() error
	Rollback() error
}

// NeighborRow is one hop out of GetNeighbors/FindPath's graph traversal.
// Implicit rows are synthesized from a shared "project" payload field
// rather than a persisted relation row; Via.Type is the sentinel
// "same_project" and Via.ID is zero for those.
type NeighborRow struct {
	MemoryID uuid.UUID
	Via      types.Relation
	Depth    int
	Implicit bool
}

// RelationalStore is the adapter contract for the typed knowledge graph and
// any other transactionally-consistent metadata (rejected suggestions,
// migration bookkeeping).
type RelationalStore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	AddRelation(ctx context.Context, r types.Relation) error
	RemoveRelation(ctx context.Context, id uuid.UUID) error

	// DeleteRelationsBetween removes every relation from sourceID to
	// targetID, optionally restricted to relType, returning the count.
	DeleteRelationsBetween(ctx context.Context, sourceID, targetID uuid.UUID, relType *types.RelationType) (int, error)
	GetRelation(ctx context.Context, id uuid.UUID) (types.Relation, error)
	GetRelations(ctx context.Context, memoryID uuid.UUID, relType *types.RelationType, asSource, asTarget bool) ([]types.Relation, error)
	UpdateRelationWeight(ctx context.Context, id uuid.UUID, weight float64) error
	RelationExists(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error)
	DeleteMemoryRelations(ctx context.Context, memoryID uuid.UUID) (int, error)
	CountRelations(ctx context.Context, memoryID uuid.UUID) (int, error)

	// GetNeighbors performs a breadth-first traversal up to maxDepth hops,
	// optionally restricted to relTypes, via a recursive query.
	GetNeighbors(ctx context.Context, memoryID uuid.UUID, maxDepth int, relTypes []types.RelationType) ([]NeighborRow, error)

	// FindPath returns the shortest relation path between two memories, or
	// nil if none exists within maxDepth hops.
	FindPath(ctx context.Context, sourceID, targetID uuid.UUID, maxDepth int) ([]types.Relation, error)

	// AllMemoryIDsWithRelations lists every memory id that participates in
	// at least one relation, for global discovery sweeps.
	AllMemoryIDsWithRelations(ctx context.Context) ([]uuid.UUID, error)

	RecordRejectedSuggestion(ctx context.Context, r types.RejectedSuggestion) error
	IsRejectedSuggestion(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error)

	HealthCheck(ctx context.Context) error
}
