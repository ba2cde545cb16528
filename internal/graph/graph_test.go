package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

// fakeRelationalStore is an in-memory stand-in for storage.RelationalStore,
// sufficient to exercise Manager's CRUD and traversal logic without a real
// database.
type fakeRelationalStore struct {
	relations []types.Relation
	rejected  map[string]bool
}

func newFakeRelationalStore() *fakeRelationalStore {
	return &fakeRelationalStore{rejected: make(map[string]bool)}
}

func (f *fakeRelationalStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakeRelationalStore) AddRelation(ctx context.Context, r types.Relation) error {
	f.relations = append(f.relations, r)
	return nil
}

func (f *fakeRelationalStore) RemoveRelation(ctx context.Context, id uuid.UUID) error {
	for i, r := range f.relations {
		if r.ID == id {
			f.relations = append(f.relations[:i], f.relations[i+1:]...)
			return nil
		}
	}
	return &memerrors.NotFoundError{Resource: "relation", ID: id.String()}
}

func (f *fakeRelationalStore) DeleteRelationsBetween(ctx context.Context, sourceID, targetID uuid.UUID, relType *types.RelationType) (int, error) {
	var kept []types.Relation
	count := 0
	for _, r := range f.relations {
		if r.SourceID == sourceID && r.TargetID == targetID && (relType == nil || r.Type == *relType) {
			count++
			continue
		}
		kept = append(kept, r)
	}
	f.relations = kept
	return count, nil
}

func (f *fakeRelationalStore) GetRelation(ctx context.Context, id uuid.UUID) (types.Relation, error) {
	for _, r := range f.relations {
		if r.ID == id {
			return r, nil
		}
	}
	return types.Relation{}, &memerrors.NotFoundError{Resource: "relation", ID: id.String()}
}

func (f *fakeRelationalStore) GetRelations(ctx context.Context, memoryID uuid.UUID, relType *types.RelationType, asSource, asTarget bool) ([]types.Relation, error) {
	var out []types.Relation
	for _, r := range f.relations {
		matches := (asSource && r.SourceID == memoryID) || (asTarget && r.TargetID == memoryID)
		if !matches {
			continue
		}
		if relType != nil && r.Type != *relType {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRelationalStore) UpdateRelationWeight(ctx context.Context, id uuid.UUID, weight float64) error {
	for i, r := range f.relations {
		if r.ID == id {
			f.relations[i].Weight = weight
			return nil
		}
	}
	return &memerrors.NotFoundError{Resource: "relation", ID: id.String()}
}

func (f *fakeRelationalStore) RelationExists(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error) {
	for _, r := range f.relations {
		if r.SourceID == sourceID && r.TargetID == targetID && r.Type == relType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelationalStore) DeleteMemoryRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	var kept []types.Relation
	count := 0
	for _, r := range f.relations {
		if r.SourceID == memoryID || r.TargetID == memoryID {
			count++
			continue
		}
		kept = append(kept, r)
	}
	f.relations = kept
	return count, nil
}

func (f *fakeRelationalStore) CountRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	count := 0
	for _, r := range f.relations {
		if r.SourceID == memoryID || r.TargetID == memoryID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRelationalStore) GetNeighbors(ctx context.Context, memoryID uuid.UUID, maxDepth int, relTypes []types.RelationType) ([]storage.NeighborRow, error) {
	var out []storage.NeighborRow
	for _, r := range f.relations {
		if r.SourceID == memoryID {
			out = append(out, storage.NeighborRow{MemoryID: r.TargetID, Via: r, Depth: 1})
		} else if r.TargetID == memoryID {
			out = append(out, storage.NeighborRow{MemoryID: r.SourceID, Via: r, Depth: 1})
		}
	}
	return out, nil
}

func (f *fakeRelationalStore) FindPath(ctx context.Context, sourceID, targetID uuid.UUID, maxDepth int) ([]types.Relation, error) {
	for _, r := range f.relations {
		if r.SourceID == sourceID && r.TargetID == targetID {
			return []types.Relation{r}, nil
		}
	}
	return nil, nil
}

func (f *fakeRelationalStore) AllMemoryIDsWithRelations(ctx context.Context) ([]uuid.UUID, error) {
	set := map[uuid.UUID]bool{}
	for _, r := range f.relations {
		set[r.SourceID] = true
		set[r.TargetID] = true
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRelationalStore) RecordRejectedSuggestion(ctx context.Context, r types.RejectedSuggestion) error {
	f.rejected[r.SourceID.String()+r.TargetID.String()+string(r.Type)] = true
	return nil
}

func (f *fakeRelationalStore) IsRejectedSuggestion(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error) {
	return f.rejected[sourceID.String()+targetID.String()+string(relType)], nil
}

func (f *fakeRelationalStore) HealthCheck(ctx context.Context) error { return nil }

func TestAddRelationRejectsSelfLoop(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	id := uuid.New()
	_, err := m.AddRelation(context.Background(), id, id, types.RelationRelated, 0.5, types.CreatedByUser, nil)
	require.Error(t, err)
	var invalidErr *memerrors.InvalidInputError
	assert.ErrorAs(t, err, &invalidErr)
}

func TestAddRelationRejectsDuplicate(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.9, types.CreatedByUser, nil)
	require.NoError(t, err)

	_, err = m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.5, types.CreatedByUser, nil)
	require.Error(t, err)
	var dupErr *memerrors.DuplicateRelationError
	assert.ErrorAs(t, err, &dupErr)
}

func TestUpdateRelationWeightFindsMatchingEdge(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)

	updated, err := m.UpdateRelationWeight(context.Background(), a, b, types.RelationFixes, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.8, updated.Weight)
}

func TestUpdateRelationWeightNotFound(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	_, err := m.UpdateRelationWeight(context.Background(), uuid.New(), uuid.New(), types.RelationFixes, 0.8)
	require.Error(t, err)
	var notFound *memerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDeleteMemoryRelationsRemovesBothDirections(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)
	_, err = m.AddRelation(context.Background(), c, a, types.RelationCauses, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)

	count, err := m.DeleteMemoryRelations(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	has, err := m.HasRelations(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAddRelationsBulkCountsDuplicatesSeparately(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.9, types.CreatedByUser, nil)
	require.NoError(t, err)

	created, duplicates, errs := m.AddRelationsBulk(context.Background(), []types.Relation{
		{SourceID: a, TargetID: b, Type: types.RelationFixes, Weight: 0.9},
	}, types.CreatedByUser)
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, 0, errs)
}

func TestRemoveRelationsBetweenWithoutTypeRemovesAllTypes(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)
	_, err = m.AddRelation(context.Background(), a, b, types.RelationSupports, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)

	count, err := m.RemoveRelationsBetween(context.Background(), a, b, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRemoveRelationsBetweenWithTypeLeavesOthers(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationFixes, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)
	_, err = m.AddRelation(context.Background(), a, b, types.RelationSupports, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)

	fixes := types.RelationFixes
	count, err := m.RemoveRelationsBetween(context.Background(), a, b, &fixes)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	remaining, err := m.GetRelations(context.Background(), a, DirectionBoth, nil)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, types.RelationSupports, remaining[0].Type)
}

func TestFindPathCarriesWeightAndDirection(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	a, b := uuid.New(), uuid.New()
	_, err := m.AddRelation(context.Background(), a, b, types.RelationCauses, 0.7, types.CreatedByUser, nil)
	require.NoError(t, err)

	path, err := m.FindPath(context.Background(), a, b, 5)
	require.NoError(t, err)
	assert.True(t, path.Found)
	require.Len(t, path.Steps, 1)
	assert.Equal(t, b, path.Steps[0].MemoryID)
	assert.Equal(t, DirectionOutgoing, path.Steps[0].Direction)
	assert.Equal(t, 0.7, path.TotalWeight)
}

func TestFindPathNotFound(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	path, err := m.FindPath(context.Background(), uuid.New(), uuid.New(), 5)
	require.NoError(t, err)
	assert.False(t, path.Found)
	assert.Empty(t, path.Steps)
}

func TestSuggestRelationsWithoutVectorStoreReturnsGraphUnavailable(t *testing.T) {
	m := New(newFakeRelationalStore(), nil, nil)
	_, err := m.SuggestRelations(context.Background(), "semantic", uuid.New(), 5, 0.75)
	require.Error(t, err)
	var unavailable *memerrors.GraphUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}
