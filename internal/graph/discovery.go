package graph

import (
	"context"
	"sort"

	"github.com/google/uuid"

	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/types"
)

// DiscoveryOptions bounds a global discovery sweep.
type DiscoveryOptions struct {
	Limit               int
	MinConfidence       float64
	AutoAcceptThreshold float64
	SkipWithRelations   bool
	Kinds               []types.Kind
}

// DiscoverRelationsGlobal scans every memory across Kinds (default: all
// three) for plausible relations, auto-accepting anything at or above
// AutoAcceptThreshold and returning the rest as ranked suggestions.
func (m *Manager) DiscoverRelationsGlobal(ctx context.Context, opts DiscoveryOptions) (DiscoveryResult, error) {
	if m.vectors == nil {
		return DiscoveryResult{}, nil
	}
	if m.relational == nil {
		return DiscoveryResult{}, &memerrors.GraphUnavailableError{}
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}

	type candidate struct {
		id    uuid.UUID
		kind  types.Kind
		point types.Point
	}
	var candidates []candidate
	for _, kind := range kinds {
		points, err := m.vectors.Scroll(ctx, string(kind), nil, 0)
		if err != nil {
			m.log.WarnContext(ctx, "could not scroll collection for discovery", "kind", kind, "error", err)
			continue
		}
		for _, p := range points {
			candidates = append(candidates, candidate{id: p.ID, kind: kind, point: p})
		}
	}

	withRelations := map[uuid.UUID]bool{}
	if opts.SkipWithRelations {
		ids, err := m.relational.AllMemoryIDsWithRelations(ctx)
		if err != nil {
			return DiscoveryResult{}, err
		}
		for _, id := range ids {
			withRelations[id] = true
		}
	}

	var toScan []candidate
	for _, c := range candidates {
		if opts.SkipWithRelations && withRelations[c.id] {
			continue
		}
		toScan = append(toScan, c)
	}

	result := DiscoveryResult{TotalWithoutRelations: len(toScan)}
	seenPairs := map[[2]uuid.UUID]bool{}

	for _, c := range toScan {
		if len(result.Suggestions) >= opts.Limit*2 {
			break
		}
		result.ScannedCount++

		suggestions, err := m.SuggestRelations(ctx, string(c.kind), c.id, 5, opts.MinConfidence)
		if err != nil {
			m.log.DebugContext(ctx, "could not get suggestions during discovery", "memory_id", c.id, "error", err)
			continue
		}

		for _, s := range suggestions {
			rejected, err := m.relational.IsRejectedSuggestion(ctx, c.id, s.TargetID, s.SuggestedType)
			if err == nil && rejected {
				continue
			}

			pair := pairKey(c.id, s.TargetID)
			if seenPairs[pair] {
				continue
			}
			seenPairs[pair] = true

			sharedTags := intersectTags(c.point.Tags, s.TargetTags)

			if s.Confidence >= opts.AutoAcceptThreshold {
				if _, err := m.AddRelation(ctx, c.id, s.TargetID, s.SuggestedType, s.Confidence, types.CreatedByAuto, nil); err == nil {
					result.AutoAccepted++
					continue
				}
			}

			result.Suggestions = append(result.Suggestions, GlobalSuggestion{
				SourceID:      c.id,
				SourceKind:    c.kind,
				SourcePreview: truncate(c.point.Content, 500),
				TargetID:      s.TargetID,
				TargetPreview: truncate(s.TargetContent, 500),
				TargetKind:    s.TargetKind,
				RelationType:  s.SuggestedType,
				Confidence:    s.Confidence,
				Reason:        s.Reason,
				SharedTags:    sharedTags,
			})
		}
	}

	sort.Slice(result.Suggestions, func(i, j int) bool { return result.Suggestions[i].Confidence > result.Suggestions[j].Confidence })
	if len(result.Suggestions) > opts.Limit {
		result.Suggestions = result.Suggestions[:opts.Limit]
	}
	return result, nil
}

func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() < b.String() {
		return [2]uuid.UUID{a, b}
	}
	return [2]uuid.UUID{b, a}
}

func intersectTags(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var out []string
	for _, t := range b {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

// GetGraphOverview centers a subgraph on the most-connected memories,
// useful for an initial visualization without a prior search.
func (m *Manager) GetGraphOverview(ctx context.Context, collection string, hubLimit, depth int) (Subgraph, error) {
	depth = clamp(depth, 1, 3)

	ids, err := m.relational.AllMemoryIDsWithRelations(ctx)
	if err != nil {
		return Subgraph{}, err
	}
	if len(ids) == 0 {
		return Subgraph{Depth: depth}, nil
	}

	type hub struct {
		id    uuid.UUID
		count int
	}
	hubs := make([]hub, 0, len(ids))
	for _, id := range ids {
		count, err := m.relational.CountRelations(ctx, id)
		if err != nil {
			continue
		}
		hubs = append(hubs, hub{id: id, count: count})
	}
	sort.Slice(hubs, func(i, j int) bool { return hubs[i].count > hubs[j].count })
	if len(hubs) > hubLimit {
		hubs = hubs[:hubLimit]
	}
	if len(hubs) == 0 {
		return Subgraph{Depth: depth}, nil
	}

	allIDs := map[uuid.UUID]bool{}
	depthOf := map[uuid.UUID]int{}
	for _, h := range hubs {
		allIDs[h.id] = true
	}

	shallowDepth := depth
	if shallowDepth > 1 {
		shallowDepth = 1
	}
	topHubs := hubs
	if len(topHubs) > 5 {
		topHubs = topHubs[:5]
	}
	for _, h := range topHubs {
		neighbors, err := m.GetNeighbors(ctx, h.id, shallowDepth, nil)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			allIDs[n.MemoryID] = true
			if _, ok := depthOf[n.MemoryID]; !ok {
				depthOf[n.MemoryID] = n.Depth
			}
		}
	}

	center := hubs[0].id
	depthOf[center] = 0

	ordered := make([]uuid.UUID, 0, len(allIDs))
	for id := range allIDs {
		ordered = append(ordered, id)
	}

	nodes := m.buildNodes(ctx, collection, ordered, center, depthOf)
	for i := range nodes {
		if nodes[i].ID == center {
			nodes[i].IsCenter = true
			nodes[i].Depth = 0
		}
	}
	edges, err := m.buildEdges(ctx, ordered)
	if err != nil {
		return Subgraph{}, err
	}

	return Subgraph{CenterID: center, Depth: depth, Nodes: nodes, Edges: edges}, nil
}
