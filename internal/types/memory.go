// Package types holds the core data model shared across the memory engine:
// logical memories, their physical point representation in the vector
// store, and typed relations in the knowledge graph.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the memory kind, one-to-one with a vector collection.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// AllKinds is the fixed, ordered set of collections the engine maintains.
var AllKinds = []Kind{KindEpisodic, KindSemantic, KindProcedural}

// RelationCreator records who or what created a relation.
type RelationCreator string

const (
	CreatedByUser        RelationCreator = "user"
	CreatedByAuto        RelationCreator = "auto"
	CreatedBySystem      RelationCreator = "system"
	CreatedByAISuggested RelationCreator = "ai_suggested"
)

// RelationType is the typed label on a directed edge between two memories.
type RelationType string

const (
	RelationCauses     RelationType = "causes"
	RelationFixes      RelationType = "fixes"
	RelationSupports   RelationType = "supports"
	RelationOpposes    RelationType = "opposes"
	RelationFollows    RelationType = "follows"
	RelationSupersedes RelationType = "supersedes"
	RelationDerives    RelationType = "derives"
	RelationPartOf     RelationType = "part_of"
	RelationRelated    RelationType = "related"

	// RelationSameProject is a pseudo relation type used only for
	// implicit, non-persisted same-project neighbor edges (see
	// graph.Manager.GetNeighbors); Valid() deliberately excludes it since
	// it can never be the type of a stored Relation.
	RelationSameProject RelationType = "same_project"
)

// Valid reports whether rt is a known relation type.
func (rt RelationType) Valid() bool {
	switch rt {
	case RelationCauses, RelationFixes, RelationSupports, RelationOpposes,
		RelationFollows, RelationSupersedes, RelationDerives, RelationPartOf, RelationRelated:
		return true
	}
	return false
}

// Memory is the logical, user-facing unit of remembered content.
//
// A Memory is stored physically as one or more Points (see Point); the
// Lifecycle Manager is the only component allowed to mutate that mapping.
type Memory struct {
	ID          uuid.UUID
	Kind        Kind
	Content     string
	Tags        []string
	Importance  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	Metadata    map[string]interface{}

	// Per-kind optional fields. Only the fields matching Kind are expected
	// to be populated; the others remain zero-valued.
	Episodic   *EpisodicFields
	Semantic   *SemanticFields
	Procedural *ProceduralFields
}

// EpisodicFields carries optional fields specific to episodic memories.
type EpisodicFields struct {
	SessionID  string
	Project    string
	UserAction string
}

// SemanticFields carries optional fields specific to semantic memories.
type SemanticFields struct {
	Domain       string
	Source       string
	Confidence   float64
	LastVerified *time.Time
}

// ProceduralFields carries optional fields specific to procedural memories.
type ProceduralFields struct {
	Category       string
	Steps          []string
	SuccessRate    float64
	ExecutionCount int64
	LastExecuted   *time.Time
}

// Validate enforces the invariants from the data model: importance bounds,
// timestamp ordering, and a non-negative access count.
func (m *Memory) Validate() error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("memory id is required")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("invalid memory kind: %q", m.Kind)
	}
	if m.Content == "" {
		return fmt.Errorf("memory content cannot be empty")
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("importance must be in [0,1], got %f", m.Importance)
	}
	if m.CreatedAt.After(m.UpdatedAt) {
		return fmt.Errorf("created_at must not be after updated_at")
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("access_count must be non-negative")
	}
	return nil
}

// Project returns the implicit project field used for same-project edge
// discovery, regardless of which per-kind struct carries it.
func (m *Memory) Project() string {
	if m.Episodic != nil {
		return m.Episodic.Project
	}
	return ""
}

// Point is the physical unit stored in the vector database. A short memory
// maps to exactly one point (IsChunk=false, ID=ParentID=memory id); a long
// memory maps to N chunk points sharing ParentID with distinct ChunkIndex.
type Point struct {
	ID           uuid.UUID
	ParentID     uuid.UUID
	Kind         Kind
	Content      string // chunk text, or full content when not chunked
	FullContent  string // original text; only set on chunk points
	IsChunk      bool
	ChunkIndex   int
	ChunkCount   int
	Tags         []string
	Importance   float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AccessedAt   time.Time
	AccessCount  int64
	HasRelations bool
	Metadata     map[string]interface{}
}

// ChunkNamespace is the fixed UUID namespace chunk ids are derived from via
// UUIDv5, so that chunk i of memory M always resolves to the same id.
var ChunkNamespace = uuid.MustParse("6c1b2e3a-4f5d-4a1e-9c2b-8f3a1d2e4b5c")

// ChunkID deterministically derives the id of chunk i of memory id.
func ChunkID(memoryID uuid.UUID, index int) uuid.UUID {
	name := fmt.Sprintf("%s__chunk_%d", memoryID.String(), index)
	return uuid.NewSHA1(ChunkNamespace, []byte(name))
}

// Relation is a typed, weighted, directed edge between two logical memories.
type Relation struct {
	ID        uuid.UUID
	SourceID  uuid.UUID
	TargetID  uuid.UUID
	Type      RelationType
	Weight    float64
	CreatedBy RelationCreator
	CreatedAt time.Time
	Metadata  map[string]interface{}
}

// Validate enforces the no-self-loop and weight-bound invariants.
func (r *Relation) Validate() error {
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relation source and target must differ")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid relation type: %q", r.Type)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("relation weight must be in [0,1], got %f", r.Weight)
	}
	return nil
}

// RejectedSuggestion is a triple the user refused, persisted so that global
// discovery never re-offers it.
type RejectedSuggestion struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Type     RelationType
}
