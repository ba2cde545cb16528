// Package graph implements the typed knowledge graph on top of a
// RelationalStore for persistence and a VectorStore for the similarity
// search that powers relation suggestions.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

// Direction selects which side of a relation to query.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// RelationWithContext pairs a Relation with a preview of the memory on the
// other end of the edge, for callers that want context without a second
// round trip.
type RelationWithContext struct {
	types.Relation
	LinkedMemoryID         uuid.UUID
	LinkedMemoryContent    string
	LinkedMemoryKind       types.Kind
	LinkedMemoryTags       []string
	LinkedMemoryImportance float64
}

// Suggestion is one candidate relation surfaced by similarity search plus
// the content heuristics.
type Suggestion struct {
	TargetID      uuid.UUID
	TargetContent string
	TargetTags    []string
	TargetKind    types.Kind
	TargetProject string
	SuggestedType types.RelationType
	Confidence    float64
	Reason        string
}

// GraphNode is one vertex in a rendered subgraph.
type GraphNode struct {
	ID         uuid.UUID
	Label      string
	Kind       types.Kind
	Importance float64
	Tags       []string
	IsCenter   bool
	Depth      int
}

// GraphEdge is one rendered edge in a subgraph.
type GraphEdge struct {
	Source    uuid.UUID
	Target    uuid.UUID
	Type      types.RelationType
	Weight    float64
	CreatedBy types.RelationCreator
}

// Subgraph is a visualization-ready slice of the graph centered on one
// memory.
type Subgraph struct {
	CenterID uuid.UUID
	Depth    int
	Nodes    []GraphNode
	Edges    []GraphEdge
}

// PathStep is one hop in a GraphPath. Direction records whether the hop
// followed the relation forward (outgoing from the previous step) or
// against it.
type PathStep struct {
	MemoryID  uuid.UUID
	Type      types.RelationType
	Direction Direction
}

// GraphPath is the shortest sequence of relations connecting two memories.
type GraphPath struct {
	FromID      uuid.UUID
	ToID        uuid.UUID
	Found       bool
	TotalWeight float64
	Steps       []PathStep
}

// DiscoveryResult summarizes one discover-relations-global sweep.
type DiscoveryResult struct {
	Suggestions           []GlobalSuggestion
	AutoAccepted          int
	ScannedCount          int
	TotalWithoutRelations int
}

// GlobalSuggestion is one suggestion surfaced during a global discovery
// sweep, carrying enough source context to act on without a further fetch.
type GlobalSuggestion struct {
	SourceID      uuid.UUID
	SourceKind    types.Kind
	SourcePreview string
	TargetID      uuid.UUID
	TargetPreview string
	TargetKind    types.Kind
	RelationType  types.RelationType
	Confidence    float64
	Reason        string
	SharedTags    []string
}

// Manager implements the typed knowledge graph: CRUD on relations,
// traversal (neighbors, shortest path, subgraph extraction), and
// similarity-driven relation suggestions.
type Manager struct {
	relational storage.RelationalStore
	vectors    storage.VectorStore
	log        logging.Logger
}

// New builds a Manager over the given stores. vectors may be nil: CRUD and
// traversal still work, SuggestRelations reports GraphUnavailableError, and
// the implicit same-project neighbor scan is skipped.
func New(relational storage.RelationalStore, vectors storage.VectorStore, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop{}
	}
	return &Manager{relational: relational, vectors: vectors, log: log}
}

// AddRelation persists a new typed edge, rejecting self-loops and
// duplicates.
func (m *Manager) AddRelation(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType, weight float64, createdBy types.RelationCreator, metadata map[string]interface{}) (types.Relation, error) {
	if sourceID == targetID {
		return types.Relation{}, &memerrors.InvalidInputError{Reason: "relation source and target must differ"}
	}
	exists, err := m.relational.RelationExists(ctx, sourceID, targetID, relType)
	if err != nil {
		return types.Relation{}, err
	}
	if exists {
		return types.Relation{}, &memerrors.DuplicateRelationError{SourceID: sourceID.String(), TargetID: targetID.String(), Type: string(relType)}
	}

	rel := types.Relation{
		ID:        uuid.New(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      relType,
		Weight:    weight,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := rel.Validate(); err != nil {
		return types.Relation{}, &memerrors.InvalidInputError{Reason: err.Error()}
	}
	if err := m.relational.AddRelation(ctx, rel); err != nil {
		return types.Relation{}, err
	}

	m.log.InfoContext(ctx, "relation created", "source", sourceID, "target", targetID, "type", relType)
	m.markHasRelations(ctx, sourceID, targetID)
	return rel, nil
}

// markHasRelations sets the advisory has_relations payload flag on both
// endpoint memories. Best-effort by contract: failures are logged and
// swallowed, the flag is a hint, not an invariant.
func (m *Manager) markHasRelations(ctx context.Context, ids ...uuid.UUID) {
	if m.vectors == nil {
		return
	}
	for _, id := range ids {
		kind, ok := m.findMemoryKind(ctx, id)
		if !ok {
			continue
		}
		if err := m.vectors.UpdatePayload(ctx, string(kind), id.String(), map[string]any{"has_relations": true}); err != nil {
			m.log.DebugContext(ctx, "could not mark has_relations", "memory_id", id, "error", err)
		}
	}
}

// findMemoryKind locates the collection holding id's point, if any.
func (m *Manager) findMemoryKind(ctx context.Context, id uuid.UUID) (types.Kind, bool) {
	for _, kind := range types.AllKinds {
		if _, _, err := m.vectors.Get(ctx, string(kind), id.String()); err == nil {
			return kind, true
		}
	}
	return "", false
}

// RemoveRelation deletes a specific relation by id.
func (m *Manager) RemoveRelation(ctx context.Context, id uuid.UUID) error {
	return m.relational.RemoveRelation(ctx, id)
}

// RemoveRelationsBetween deletes every relation from sourceID to targetID;
// a nil relType removes all types between the pair. Returns the count.
func (m *Manager) RemoveRelationsBetween(ctx context.Context, sourceID, targetID uuid.UUID, relType *types.RelationType) (int, error) {
	return m.relational.DeleteRelationsBetween(ctx, sourceID, targetID, relType)
}

// GetRelations returns relations touching memoryID, optionally filtered by
// direction and type.
func (m *Manager) GetRelations(ctx context.Context, memoryID uuid.UUID, direction Direction, relType *types.RelationType) ([]types.Relation, error) {
	asSource := direction == DirectionOutgoing || direction == DirectionBoth
	asTarget := direction == DirectionIncoming || direction == DirectionBoth
	return m.relational.GetRelations(ctx, memoryID, relType, asSource, asTarget)
}

// GetRelationsWithContext is GetRelations plus a preview of the memory on
// the other end of each edge, fetched from the vector store so callers can
// render a relation list without a second round trip. Memories whose point
// cannot be fetched are decorated with the bare relation only.
func (m *Manager) GetRelationsWithContext(ctx context.Context, memoryID uuid.UUID, direction Direction, relType *types.RelationType) ([]RelationWithContext, error) {
	relations, err := m.GetRelations(ctx, memoryID, direction, relType)
	if err != nil {
		return nil, err
	}

	out := make([]RelationWithContext, 0, len(relations))
	for _, r := range relations {
		linked := r.TargetID
		if linked == memoryID {
			linked = r.SourceID
		}
		rc := RelationWithContext{Relation: r, LinkedMemoryID: linked}
		if m.vectors != nil {
			if kind, ok := m.findMemoryKind(ctx, linked); ok {
				if p, _, err := m.vectors.Get(ctx, string(kind), linked.String()); err == nil {
					rc.LinkedMemoryContent = truncate(p.Content, 200)
					rc.LinkedMemoryKind = p.Kind
					rc.LinkedMemoryTags = p.Tags
					rc.LinkedMemoryImportance = p.Importance
				}
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

// UpdateRelationWeight updates the weight of an existing (source, target,
// type) relation, returning NotFoundError if no such relation exists.
func (m *Manager) UpdateRelationWeight(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType, weight float64) (types.Relation, error) {
	relTypePtr := &relType
	relations, err := m.relational.GetRelations(ctx, sourceID, relTypePtr, true, false)
	if err != nil {
		return types.Relation{}, err
	}
	for _, r := range relations {
		if r.TargetID == targetID {
			if err := m.relational.UpdateRelationWeight(ctx, r.ID, weight); err != nil {
				return types.Relation{}, err
			}
			r.Weight = weight
			return r, nil
		}
	}
	return types.Relation{}, &memerrors.NotFoundError{Resource: "relation", ID: fmt.Sprintf("%s->%s (%s)", sourceID, targetID, relType)}
}

// GetNeighbors returns memories up to depth hops from memoryID, clamped to
// [1, 5], plus implicit same-project pseudo-neighbors at depth 1: these are
// discovered by a payload scan rather than a relation row, never
// participate in pathfinding or subgraph edges, and are marked Implicit.
func (m *Manager) GetNeighbors(ctx context.Context, memoryID uuid.UUID, depth int, relTypes []types.RelationType) ([]storage.NeighborRow, error) {
	depth = clamp(depth, 1, 5)
	neighbors, err := m.relational.GetNeighbors(ctx, memoryID, depth, relTypes)
	if err != nil {
		return nil, err
	}
	neighbors = append(neighbors, m.implicitProjectNeighbors(ctx, memoryID, neighbors)...)
	return neighbors, nil
}

// implicitProjectNeighbors discovers project co-membership by payload scan.
// It never touches the relational store, and its results are intentionally
// excluded from GetSubgraph's edge set, which only walks persisted rows.
func (m *Manager) implicitProjectNeighbors(ctx context.Context, memoryID uuid.UUID, existing []storage.NeighborRow) []storage.NeighborRow {
	if m.vectors == nil {
		return nil
	}

	var project string
	for _, kind := range types.AllKinds {
		p, _, err := m.vectors.Get(ctx, string(kind), memoryID.String())
		if err != nil {
			continue
		}
		if proj, _ := p.Metadata["project"].(string); proj != "" {
			project = proj
			break
		}
	}
	if project == "" {
		return nil
	}

	excluded := map[uuid.UUID]bool{memoryID: true}
	for _, n := range existing {
		excluded[n.MemoryID] = true
	}

	var out []storage.NeighborRow
	filter := &storage.Filter{Conditions: []storage.FilterCondition{{Key: "project", Value: project}}}
	for _, kind := range types.AllKinds {
		points, err := m.vectors.Scroll(ctx, string(kind), filter, 0)
		if err != nil {
			m.log.DebugContext(ctx, "implicit project neighbor scroll failed", "kind", kind, "error", err)
			continue
		}
		for _, p := range points {
			if excluded[p.ID] {
				continue
			}
			excluded[p.ID] = true
			out = append(out, storage.NeighborRow{
				MemoryID: p.ID,
				Depth:    1,
				Implicit: true,
				Via:      types.Relation{Type: types.RelationSameProject},
			})
		}
	}
	return out
}

// FindPath returns the shortest relation path between two memories within
// maxDepth hops (clamped to [1, 10]), or an empty path if none exists.
func (m *Manager) FindPath(ctx context.Context, fromID, toID uuid.UUID, maxDepth int) (GraphPath, error) {
	maxDepth = clamp(maxDepth, 1, 10)
	relations, err := m.relational.FindPath(ctx, fromID, toID, maxDepth)
	if err != nil {
		return GraphPath{}, err
	}
	path := GraphPath{FromID: fromID, ToID: toID, Found: len(relations) > 0}
	cursor := fromID
	for _, r := range relations {
		next := r.TargetID
		dir := DirectionOutgoing
		if next == cursor {
			next = r.SourceID
			dir = DirectionIncoming
		}
		path.Steps = append(path.Steps, PathStep{MemoryID: next, Type: r.Type, Direction: dir})
		path.TotalWeight += r.Weight
		cursor = next
	}
	return path, nil
}

// CountRelations reports relation counts for memoryID.
func (m *Manager) CountRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	return m.relational.CountRelations(ctx, memoryID)
}

// DeleteMemoryRelations removes every relation touching memoryID, for use
// when the memory itself is deleted.
func (m *Manager) DeleteMemoryRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	count, err := m.relational.DeleteMemoryRelations(ctx, memoryID)
	if err != nil {
		return 0, err
	}
	m.log.InfoContext(ctx, "deleted memory relations", "memory_id", memoryID, "count", count)
	return count, nil
}

// HasRelations reports whether memoryID participates in any relation.
func (m *Manager) HasRelations(ctx context.Context, memoryID uuid.UUID) (bool, error) {
	count, err := m.relational.CountRelations(ctx, memoryID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RejectSuggestion records that a caller declined a suggested relation so
// future discovery sweeps never re-offer it.
func (m *Manager) RejectSuggestion(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) error {
	return m.relational.RecordRejectedSuggestion(ctx, types.RejectedSuggestion{SourceID: sourceID, TargetID: targetID, Type: relType})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func payloadOf(p types.Point) candidatePayload {
	project, _ := p.Metadata["project"].(string)
	return candidatePayload{
		Content:   p.Content,
		Tags:      p.Tags,
		Kind:      p.Kind,
		Project:   project,
		CreatedAt: p.CreatedAt,
	}
}

// SuggestRelations searches collection for memories similar to memoryID's
// content and returns up to limit typed suggestions, ranked by confidence,
// excluding memories already related or identical to the source.
func (m *Manager) SuggestRelations(ctx context.Context, collection string, memoryID uuid.UUID, limit int, minSimilarity float64) ([]Suggestion, error) {
	if m.vectors == nil || m.relational == nil {
		return nil, &memerrors.GraphUnavailableError{}
	}

	source, vector, err := m.vectors.Get(ctx, collection, memoryID.String())
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, nil
	}

	existing, err := m.relational.GetRelations(ctx, memoryID, nil, true, true)
	if err != nil {
		return nil, err
	}
	excluded := map[uuid.UUID]bool{memoryID: true}
	for _, r := range existing {
		excluded[r.SourceID] = true
		excluded[r.TargetID] = true
	}

	searchLimit := limit + len(excluded) + 5
	sourcePayload := payloadOf(source)

	var hits []storage.ScoredPoint
	if sourcePayload.Project != "" {
		projectHits, err := m.vectors.Search(ctx, collection, storage.SearchQuery{
			Vector:   vector,
			Limit:    searchLimit,
			MinScore: minSimilarity,
			Filter: &storage.Filter{Conditions: []storage.FilterCondition{
				{Key: "project", Value: sourcePayload.Project},
			}},
		})
		if err == nil {
			hits = append(hits, projectHits...)
		}
	}
	globalHits, err := m.vectors.Search(ctx, collection, storage.SearchQuery{Vector: vector, Limit: searchLimit, MinScore: minSimilarity})
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{}
	for _, h := range hits {
		seen[h.Point.ID] = true
	}
	for _, h := range globalHits {
		if !seen[h.Point.ID] {
			hits = append(hits, h)
			seen[h.Point.ID] = true
		}
	}

	var suggestions []Suggestion
	for _, hit := range hits {
		if excluded[hit.Point.ID] {
			continue
		}
		targetPayload := payloadOf(hit.Point)
		relType := InferRelationType(sourcePayload, targetPayload)
		confidence := CalculateConfidence(hit.Score, sourcePayload, targetPayload, relType)
		reason := ExplainSuggestion(sourcePayload, targetPayload, relType)

		suggestions = append(suggestions, Suggestion{
			TargetID:      hit.Point.ID,
			TargetContent: truncate(hit.Point.Content, 500),
			TargetTags:    hit.Point.Tags,
			TargetKind:    hit.Point.Kind,
			TargetProject: targetPayload.Project,
			SuggestedType: relType,
			Confidence:    confidence,
			Reason:        reason,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Confidence > suggestions[j].Confidence })
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// AddRelationsBulk creates many relations at once, tallying created,
// duplicate, and error outcomes rather than aborting on the first failure.
func (m *Manager) AddRelationsBulk(ctx context.Context, relations []types.Relation, createdBy types.RelationCreator) (created, duplicates, errs int) {
	for _, r := range relations {
		_, err := m.AddRelation(ctx, r.SourceID, r.TargetID, r.Type, r.Weight, createdBy, r.Metadata)
		if err == nil {
			created++
			continue
		}
		var dupErr *memerrors.DuplicateRelationError
		if errors.As(err, &dupErr) {
			duplicates++
			continue
		}
		errs++
		m.log.DebugContext(ctx, "bulk relation error", "error", err)
	}
	return created, duplicates, errs
}

// GetSubgraph extracts a visualization-ready subgraph centered on centerID,
// traversing up to depth hops (clamped to [1, 4]).
func (m *Manager) GetSubgraph(ctx context.Context, collection string, centerID uuid.UUID, depth int, relTypes []types.RelationType) (Subgraph, error) {
	depth = clamp(depth, 1, 4)

	neighbors, err := m.GetNeighbors(ctx, centerID, depth, relTypes)
	if err != nil {
		return Subgraph{}, err
	}

	depthOf := map[uuid.UUID]int{centerID: 0}
	ids := []uuid.UUID{centerID}
	for _, n := range neighbors {
		if _, ok := depthOf[n.MemoryID]; !ok {
			depthOf[n.MemoryID] = n.Depth
			ids = append(ids, n.MemoryID)
		}
	}

	nodes := m.buildNodes(ctx, collection, ids, centerID, depthOf)
	edges, err := m.buildEdges(ctx, ids)
	if err != nil {
		return Subgraph{}, err
	}

	return Subgraph{CenterID: centerID, Depth: depth, Nodes: nodes, Edges: edges}, nil
}

func (m *Manager) buildNodes(ctx context.Context, collection string, ids []uuid.UUID, centerID uuid.UUID, depthOf map[uuid.UUID]int) []GraphNode {
	var nodes []GraphNode
	if m.vectors == nil {
		return nodes
	}
	for _, id := range ids {
		point, _, err := m.vectors.Get(ctx, collection, id.String())
		if err != nil {
			continue
		}
		nodes = append(nodes, GraphNode{
			ID:         id,
			Label:      truncate(point.Content, 50),
			Kind:       point.Kind,
			Importance: point.Importance,
			Tags:       point.Tags,
			IsCenter:   id == centerID,
			Depth:      depthOf[id],
		})
	}
	return nodes
}

func (m *Manager) buildEdges(ctx context.Context, ids []uuid.UUID) ([]GraphEdge, error) {
	memberSet := map[uuid.UUID]bool{}
	for _, id := range ids {
		memberSet[id] = true
	}

	var edges []GraphEdge
	for _, id := range ids {
		relations, err := m.relational.GetRelations(ctx, id, nil, true, false)
		if err != nil {
			return nil, err
		}
		for _, r := range relations {
			if memberSet[r.TargetID] {
				edges = append(edges, GraphEdge{Source: r.SourceID, Target: r.TargetID, Type: r.Type, Weight: r.Weight, CreatedBy: r.CreatedBy})
			}
		}
	}
	return edges, nil
}
