// Package storage holds the two storage adapters the memory engine depends
// on: a VectorStore for similarity search over embedded points, and a
// RelationalStore for the typed knowledge graph and transactional metadata.
// Both are interfaces so the core packages never import a driver directly.
package storage

import (
	"context"
	"time"

	"github.com/trapias/memoria/internal/embeddings"
	"github.com/trapias/memoria/internal/types"
)

// Filter is a backend-neutral description of a payload filter. Exactly one
// of Value, Values, or Range should be set per condition.
type Filter struct {
	Conditions []FilterCondition
}

// FilterCondition matches one payload field.
type FilterCondition struct {
	Key string

	// Scalar equality, e.g. {"memory_type": "episodic"}.
	Value any

	// Membership, e.g. {"tags": ["bug", "fix"]} matches any of the list.
	Values []any

	// Numeric/time range match.
	Range *RangeCondition

	// TextMatch tokenizes Text on whitespace and requires every token to
	// appear in the field's string value (AND semantics), mirroring the
	// __text_match operator.
	TextMatch string
}

// RangeCondition bounds a field; nil bounds are unconstrained.
type RangeCondition struct {
	Gte, Lte *float64
	GteTime, LteTime *time.Time
}

// SearchQuery describes a similarity search against a collection.
type SearchQuery struct {
	Vector      embeddings.Vector
	Limit       int
	MinScore    float64
	Filter      *Filter
	WithVectors bool
}

// ScoredPoint is one similarity search hit.
type ScoredPoint struct {
	Point types.Point
	Score float64
}

// CollectionInfo reports basic occupancy for a collection.
type CollectionInfo struct {
	Name        string
	PointsCount uint64
	VectorSize  uint64
}

// VectorStore is the adapter contract for the embedded-point backend. Every
// method takes a collection name so a single store instance can serve the
// distinct episodic/semantic/procedural collections described in the wire
// contract.
type VectorStore interface {
	CreateCollection(ctx context.Context, collection string, vectorSize uint64) error
	CollectionExists(ctx context.Context, collection string) (bool, error)
	GetCollectionInfo(ctx context.Context, collection string) (CollectionInfo, error)
	EnsurePayloadIndexes(ctx context.Context, collection string) error

	Upsert(ctx context.Context, collection string, point types.Point, vector embeddings.Vector) error
	UpsertBatch(ctx context.Context, collection string, points []types.Point, vectors []embeddings.Vector) error

	Search(ctx context.Context, collection string, q SearchQuery) ([]ScoredPoint, error)

	Get(ctx context.Context, collection string, id string) (types.Point, embeddings.Vector, error)
	Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]types.Point, error)
	Count(ctx context.Context, collection string, filter *Filter) (uint64, error)

	UpdatePayload(ctx context.Context, collection string, id string, patch map[string]any) error
	OverwritePayload(ctx context.Context, collection string, point types.Point) error
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	HealthCheck(ctx context.Context) error
}
