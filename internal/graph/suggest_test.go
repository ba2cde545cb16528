package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapias/memoria/internal/embeddings"
	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

// fakeVectorStore serves scripted points and search hits for the
// suggestion/discovery paths; it ignores collections since suggestion
// logic never mixes kinds within one call.
type fakeVectorStore struct {
	points  map[string]types.Point
	vectors map[string]embeddings.Vector
	hits    []storage.ScoredPoint
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{points: map[string]types.Point{}, vectors: map[string]embeddings.Vector{}}
}

func (f *fakeVectorStore) put(p types.Point, v embeddings.Vector) {
	f.points[p.ID.String()] = p
	f.vectors[p.ID.String()] = v
}

func (f *fakeVectorStore) CreateCollection(ctx context.Context, collection string, vectorSize uint64) error {
	return nil
}
func (f *fakeVectorStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	return true, nil
}
func (f *fakeVectorStore) GetCollectionInfo(ctx context.Context, collection string) (storage.CollectionInfo, error) {
	return storage.CollectionInfo{}, nil
}
func (f *fakeVectorStore) EnsurePayloadIndexes(ctx context.Context, collection string) error {
	return nil
}
func (f *fakeVectorStore) Upsert(ctx context.Context, collection string, point types.Point, vector embeddings.Vector) error {
	f.put(point, vector)
	return nil
}
func (f *fakeVectorStore) UpsertBatch(ctx context.Context, collection string, points []types.Point, vectors []embeddings.Vector) error {
	for i, p := range points {
		f.put(p, vectors[i])
	}
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, collection string, q storage.SearchQuery) ([]storage.ScoredPoint, error) {
	return f.hits, nil
}
func (f *fakeVectorStore) Get(ctx context.Context, collection string, id string) (types.Point, embeddings.Vector, error) {
	p, ok := f.points[id]
	if !ok {
		return types.Point{}, nil, &memerrors.NotFoundError{Resource: "point", ID: id}
	}
	return p, f.vectors[id], nil
}
func (f *fakeVectorStore) Scroll(ctx context.Context, collection string, filter *storage.Filter, limit int) ([]types.Point, error) {
	var out []types.Point
	for _, p := range f.points {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeVectorStore) Count(ctx context.Context, collection string, filter *storage.Filter) (uint64, error) {
	return uint64(len(f.points)), nil
}
func (f *fakeVectorStore) UpdatePayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	return nil
}
func (f *fakeVectorStore) OverwritePayload(ctx context.Context, collection string, point types.Point) error {
	return nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}
func (f *fakeVectorStore) DeleteByFilter(ctx context.Context, collection string, filter *storage.Filter) error {
	return nil
}
func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

func TestSuggestRelationsInfersFixesWithProjectAndTagBoosts(t *testing.T) {
	vectors := newFakeVectorStore()
	rel := newFakeRelationalStore()

	fix := types.Point{
		ID: uuid.New(), Kind: types.KindEpisodic,
		Content:  "fix: initialize state in constructor",
		Tags:     []string{"x"},
		Metadata: map[string]interface{}{"project": "memoria"},
	}
	fix.ParentID = fix.ID
	bug := types.Point{
		ID: uuid.New(), Kind: types.KindEpisodic,
		Content:  "bug: crash on startup",
		Tags:     []string{"x"},
		Metadata: map[string]interface{}{"project": "memoria"},
	}
	bug.ParentID = bug.ID

	vectors.put(fix, embeddings.Vector{1, 0})
	vectors.put(bug, embeddings.Vector{0.9, 0.1})
	vectors.hits = []storage.ScoredPoint{{Point: bug, Score: 0.8}}

	m := New(rel, vectors, nil)
	suggestions, err := m.SuggestRelations(context.Background(), "episodic", fix.ID, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, bug.ID, suggestions[0].TargetID)
	assert.Equal(t, types.RelationFixes, suggestions[0].SuggestedType)
	// base 0.8, specific-type, shared-tag, same-kind and same-project boosts
	assert.Greater(t, suggestions[0].Confidence, 0.8)
	assert.LessOrEqual(t, suggestions[0].Confidence, 1.0)
}

func TestSuggestRelationsExcludesAlreadyRelatedMemories(t *testing.T) {
	vectors := newFakeVectorStore()
	rel := newFakeRelationalStore()

	source := types.Point{ID: uuid.New(), Kind: types.KindSemantic, Content: "note one"}
	source.ParentID = source.ID
	related := types.Point{ID: uuid.New(), Kind: types.KindSemantic, Content: "note two"}
	related.ParentID = related.ID

	vectors.put(source, embeddings.Vector{1, 0})
	vectors.put(related, embeddings.Vector{0.9, 0.1})
	vectors.hits = []storage.ScoredPoint{{Point: related, Score: 0.9}}

	require.NoError(t, rel.AddRelation(context.Background(), types.Relation{
		ID: uuid.New(), SourceID: source.ID, TargetID: related.ID, Type: types.RelationRelated,
	}))

	m := New(rel, vectors, nil)
	suggestions, err := m.SuggestRelations(context.Background(), "semantic", source.ID, 5, 0.5)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestDiscoverRelationsGlobalNeverReoffersRejectedTriple(t *testing.T) {
	vectors := newFakeVectorStore()
	rel := newFakeRelationalStore()

	a := types.Point{ID: uuid.New(), Kind: types.KindSemantic, Content: "note one"}
	a.ParentID = a.ID
	b := types.Point{ID: uuid.New(), Kind: types.KindSemantic, Content: "note two"}
	b.ParentID = b.ID
	vectors.put(a, embeddings.Vector{1, 0})
	vectors.put(b, embeddings.Vector{0.9, 0.1})
	vectors.hits = []storage.ScoredPoint{
		{Point: a, Score: 0.9},
		{Point: b, Score: 0.9},
	}

	m := New(rel, vectors, nil)
	require.NoError(t, m.RejectSuggestion(context.Background(), a.ID, b.ID, types.RelationRelated))
	require.NoError(t, m.RejectSuggestion(context.Background(), b.ID, a.ID, types.RelationRelated))

	result, err := m.DiscoverRelationsGlobal(context.Background(), DiscoveryOptions{
		Limit: 10, MinConfidence: 0.5, AutoAcceptThreshold: 2.0,
	})
	require.NoError(t, err)
	for _, s := range result.Suggestions {
		refused := (s.SourceID == a.ID && s.TargetID == b.ID) || (s.SourceID == b.ID && s.TargetID == a.ID)
		assert.False(t, refused, "rejected pair re-offered")
	}
}

func TestGetRelationsWithContextDecoratesCounterpart(t *testing.T) {
	vectors := newFakeVectorStore()
	rel := newFakeRelationalStore()

	a := types.Point{ID: uuid.New(), Kind: types.KindEpisodic, Content: "source memory", Importance: 0.4}
	a.ParentID = a.ID
	b := types.Point{ID: uuid.New(), Kind: types.KindEpisodic, Content: "linked memory", Tags: []string{"t"}, Importance: 0.6}
	b.ParentID = b.ID
	vectors.put(a, embeddings.Vector{1, 0})
	vectors.put(b, embeddings.Vector{0, 1})

	m := New(rel, vectors, nil)
	_, err := m.AddRelation(context.Background(), a.ID, b.ID, types.RelationSupports, 0.5, types.CreatedByUser, nil)
	require.NoError(t, err)

	decorated, err := m.GetRelationsWithContext(context.Background(), a.ID, DirectionBoth, nil)
	require.NoError(t, err)
	require.Len(t, decorated, 1)
	assert.Equal(t, b.ID, decorated[0].LinkedMemoryID)
	assert.Equal(t, "linked memory", decorated[0].LinkedMemoryContent)
	assert.Equal(t, types.KindEpisodic, decorated[0].LinkedMemoryKind)
	assert.Equal(t, 0.6, decorated[0].LinkedMemoryImportance)
}
