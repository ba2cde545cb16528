package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapias/memoria/internal/embeddings"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

type fakeVectorStore struct {
	points  map[string]map[string]types.Point
	vectors map[string]map[string]embeddings.Vector
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{points: map[string]map[string]types.Point{}, vectors: map[string]map[string]embeddings.Vector{}}
}

func (f *fakeVectorStore) collection(name string) map[string]types.Point {
	if f.points[name] == nil {
		f.points[name] = map[string]types.Point{}
		f.vectors[name] = map[string]embeddings.Vector{}
	}
	return f.points[name]
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
	f.collection(collection)
	f.points[collection][point.ID.String()] = point
	f.vectors[collection][point.ID.String()] = vector
	return nil
}
func (f *fakeVectorStore) UpsertBatch(ctx context.Context, collection string, points []types.Point, vectors []embeddings.Vector) error {
	for i, p := range points {
		_ = f.Upsert(ctx, collection, p, vectors[i])
	}
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, collection string, q storage.SearchQuery) ([]storage.ScoredPoint, error) {
	return nil, nil
}
func (f *fakeVectorStore) Get(ctx context.Context, collection string, id string) (types.Point, embeddings.Vector, error) {
	return f.collection(collection)[id], f.vectors[collection][id], nil
}
func (f *fakeVectorStore) Scroll(ctx context.Context, collection string, filter *storage.Filter, limit int) ([]types.Point, error) {
	var out []types.Point
	for _, p := range f.collection(collection) {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeVectorStore) Count(ctx context.Context, collection string, filter *storage.Filter) (uint64, error) {
	return uint64(len(f.collection(collection))), nil
}
func (f *fakeVectorStore) UpdatePayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	return nil
}
func (f *fakeVectorStore) OverwritePayload(ctx context.Context, collection string, point types.Point) error {
	return nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		delete(f.collection(collection), id)
	}
	return nil
}
func (f *fakeVectorStore) DeleteByFilter(ctx context.Context, collection string, filter *storage.Filter) error {
	return nil
}
func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

func TestCreateBackupDedupesChunksByParentID(t *testing.T) {
	store := newFakeVectorStore()
	memoryID := uuid.New()
	now := time.Now()
	chunk0 := types.Point{ID: memoryID, ParentID: memoryID, Kind: types.KindEpisodic, Content: "part 1", FullContent: "part 1 part 2", IsChunk: true, ChunkIndex: 0, CreatedAt: now, UpdatedAt: now, AccessedAt: now, Tags: []string{"a"}}
	chunk1 := types.Point{ID: uuid.New(), ParentID: memoryID, Kind: types.KindEpisodic, Content: "part 2", FullContent: "part 1 part 2", IsChunk: true, ChunkIndex: 1, CreatedAt: now, UpdatedAt: now, AccessedAt: now}
	store.Upsert(context.Background(), "episodic", chunk0, embeddings.Vector{1, 0})
	store.Upsert(context.Background(), "episodic", chunk1, embeddings.Vector{0, 1})

	dir := t.TempDir()
	bm := NewBackupManager(store, nil, dir, nil)
	meta, err := bm.CreateBackup(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.EntryCount)

	data, err := os.ReadFile(meta.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "part 1 part 2")
	assert.NotContains(t, string(data), `"is_chunk"`)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, kind embeddings.Kind) (embeddings.Result, error) {
	return embeddings.Result{Vector: embeddings.Vector{1, 2, 3}, Dims: 3, Model: "fake"}, nil
}
func (fakeEmbedder) CheckConnection(ctx context.Context) (bool, error) { return true, nil }
func (fakeEmbedder) EnsureModel(ctx context.Context) (bool, error)     { return true, nil }

func TestRestoreBackupRoundTripsJSON(t *testing.T) {
	store := newFakeVectorStore()
	id := uuid.New()
	now := time.Now()
	p := types.Point{ID: id, ParentID: id, Kind: types.KindSemantic, Content: "standalone fact", CreatedAt: now, UpdatedAt: now, AccessedAt: now, Importance: 0.7, AccessCount: 4, Metadata: map[string]interface{}{"domain": "testing"}}
	store.Upsert(context.Background(), "semantic", p, embeddings.Vector{0.1, 0.2})

	dir := t.TempDir()
	bm := NewBackupManager(store, fakeEmbedder{}, dir, nil)
	meta, err := bm.CreateBackup(context.Background(), true)
	require.NoError(t, err)

	restoreStore := newFakeVectorStore()
	restoreBM := NewBackupManager(restoreStore, fakeEmbedder{}, dir, nil)
	count, err := restoreBM.RestoreBackup(context.Background(), meta.File)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	restored, _, err := restoreStore.Get(context.Background(), "semantic", id.String())
	require.NoError(t, err)
	assert.Equal(t, "standalone fact", restored.Content)
	assert.Equal(t, 0.7, restored.Importance)
	assert.Equal(t, int64(4), restored.AccessCount)
	assert.Equal(t, "testing", restored.Metadata["domain"])
	// fixed payload fields must not leak back in as open metadata
	assert.NotContains(t, restored.Metadata, "content")
	assert.NotContains(t, restored.Metadata, "importance")
	assert.NotContains(t, restored.Metadata, "access_count")
}

func TestRestoreBackupAcceptsJSONL(t *testing.T) {
	store := newFakeVectorStore()
	dir := t.TempDir()
	id := uuid.New()
	line := `{"id":"` + id.String() + `","payload":{"content":"jsonl memory","importance":0.5},"_collection":"procedural"}` + "\n"
	path := filepath.Join(dir, "import.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

	bm := NewBackupManager(store, fakeEmbedder{}, dir, nil)
	count, err := bm.RestoreBackup(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	restored, _, err := store.Get(context.Background(), "procedural", id.String())
	require.NoError(t, err)
	assert.Equal(t, "jsonl memory", restored.Content)
}
