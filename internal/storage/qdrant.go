package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/embeddings"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/resilience"
	"github.com/trapias/memoria/internal/types"
)

// HNSWParams are the per-collection index knobs, tuned differently per
// memory kind since episodic collections churn fast while semantic ones are
// built for high-recall lookups.
type HNSWParams struct {
	M           uint64
	EFConstruct uint64
}

// QdrantStore implements VectorStore against a Qdrant cluster, wrapping
// every call with a rate limiter and circuit breaker.
type QdrantStore struct {
	client  *qdrant.Client
	log     logging.Logger
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker

	// hnsw holds per-collection index parameters; collections absent here
	// get Qdrant's defaults.
	hnsw map[string]HNSWParams
}

// QdrantConfig configures a new QdrantStore.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantStore dials Qdrant and wraps it with the shared rate limiter and
// circuit breaker the rest of the engine's external calls use.
func NewQdrantStore(cfg QdrantConfig, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, log logging.Logger) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	if log == nil {
		log = logging.Noop{}
	}
	return &QdrantStore{
		client:  client,
		log:     log,
		limiter: limiter,
		breaker: breaker,
		hnsw: map[string]HNSWParams{
			string(types.KindEpisodic):   {M: 16, EFConstruct: 100},
			string(types.KindSemantic):   {M: 32, EFConstruct: 200},
			string(types.KindProcedural): {M: 16, EFConstruct: 100},
		},
	}, nil
}

// guard composes rate-limit then circuit-breaker around fn, matching every
// other external call site in the engine.
func (s *QdrantStore) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Acquire(); err != nil {
			return err
		}
	}
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Call(ctx, fn)
}

func (s *QdrantStore) CreateCollection(ctx context.Context, collection string, vectorSize uint64) error {
	return s.guard(ctx, "create_collection", func(ctx context.Context) error {
		params := s.hnsw[collection]
		req := &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     vectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		}
		if params.M > 0 {
			req.HnswConfig = &qdrant.HnswConfigDiff{
				M:           qdrant.PtrOf(params.M),
				EfConstruct: qdrant.PtrOf(params.EFConstruct),
			}
		}
		if err := s.client.CreateCollection(ctx, req); err != nil {
			return &memerrors.StoreError{Op: "create_collection", Err: err}
		}
		s.log.InfoContext(ctx, "created vector collection", "collection", collection)
		return nil
	})
}

func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := s.guard(ctx, "collection_exists", func(ctx context.Context) error {
		names, err := s.client.ListCollections(ctx)
		if err != nil {
			return &memerrors.StoreError{Op: "list_collections", Err: err}
		}
		for _, n := range names {
			if n == collection {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}

func (s *QdrantStore) GetCollectionInfo(ctx context.Context, collection string) (CollectionInfo, error) {
	var info CollectionInfo
	err := s.guard(ctx, "get_collection_info", func(ctx context.Context) error {
		raw, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return &memerrors.StoreError{Op: "get_collection_info", Err: err}
		}
		info = CollectionInfo{Name: collection, PointsCount: raw.GetPointsCount()}
		return nil
	})
	return info, err
}

// kindPayloadIndexes lists the per-collection payload indexes on top of the
// common set: fields callers filter by for that kind only. Kind-specific
// fields live under the meta_ prefix like all open metadata.
var kindPayloadIndexes = map[string]map[string]qdrant.FieldType{
	string(types.KindEpisodic): {
		"meta_project":    qdrant.FieldType_FieldTypeKeyword,
		"meta_session_id": qdrant.FieldType_FieldTypeKeyword,
	},
	string(types.KindSemantic): {
		"meta_domain":     qdrant.FieldType_FieldTypeKeyword,
		"meta_source":     qdrant.FieldType_FieldTypeKeyword,
		"meta_confidence": qdrant.FieldType_FieldTypeFloat,
	},
	string(types.KindProcedural): {
		"meta_category":     qdrant.FieldType_FieldTypeKeyword,
		"meta_success_rate": qdrant.FieldType_FieldTypeFloat,
	},
}

// EnsurePayloadIndexes creates the payload indexes the engine's filters rely
// on: the common fields every collection carries, a text index on content
// for __text_match, and the kind-specific fields for collection.
func (s *QdrantStore) EnsurePayloadIndexes(ctx context.Context, collection string) error {
	fields := map[string]qdrant.FieldType{
		"memory_type": qdrant.FieldType_FieldTypeKeyword,
		"tags":        qdrant.FieldType_FieldTypeKeyword,
		"parent_id":   qdrant.FieldType_FieldTypeKeyword,
		"is_chunk":    qdrant.FieldType_FieldTypeBool,
		"importance":  qdrant.FieldType_FieldTypeFloat,
		"created_at":  qdrant.FieldType_FieldTypeInteger,
		"content":     qdrant.FieldType_FieldTypeText,
	}
	for field, ft := range kindPayloadIndexes[collection] {
		fields[field] = ft
	}
	for field, ft := range fields {
		err := s.guard(ctx, "create_payload_index", func(ctx context.Context) error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: collection,
				FieldName:      field,
				FieldType:      qdrant.PtrOf(ft),
			})
			return err
		})
		if err != nil {
			return &memerrors.StoreError{Op: "ensure_payload_index:" + field, Err: err}
		}
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, point types.Point, vector embeddings.Vector) error {
	return s.guard(ctx, "upsert", func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         []*qdrant.PointStruct{pointToQdrant(point, vector)},
		})
		if err != nil {
			return &memerrors.StoreError{Op: "upsert", Err: err}
		}
		return nil
	})
}

func (s *QdrantStore) UpsertBatch(ctx context.Context, collection string, points []types.Point, vectors []embeddings.Vector) error {
	if len(points) != len(vectors) {
		return &memerrors.InvalidInputError{Reason: "points and vectors length mismatch"}
	}
	return s.guard(ctx, "upsert_batch", func(ctx context.Context) error {
		qp := make([]*qdrant.PointStruct, len(points))
		for i, p := range points {
			qp[i] = pointToQdrant(p, vectors[i])
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: qp})
		if err != nil {
			return &memerrors.StoreError{Op: "upsert_batch", Err: err}
		}
		return nil
	})
}

func (s *QdrantStore) Search(ctx context.Context, collection string, q SearchQuery) ([]ScoredPoint, error) {
	var out []ScoredPoint
	err := s.guard(ctx, "search", func(ctx context.Context) error {
		vec := make([]float32, len(q.Vector))
		copy(vec, q.Vector)

		limit := uint64(q.Limit)
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(limit),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    withVectorsSelector(q.WithVectors),
			Filter:         BuildQdrantFilter(q.Filter),
			ScoreThreshold: qdrant.PtrOf(float32(q.MinScore)),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "search", Err: err}
		}
		out = make([]ScoredPoint, 0, len(res))
		for _, sp := range res {
			p, vector := scoredPointFromQdrant(sp)
			_ = vector
			out = append(out, ScoredPoint{Point: p, Score: float64(sp.GetScore())})
		}
		return nil
	})
	return out, err
}

func (s *QdrantStore) Get(ctx context.Context, collection string, id string) (types.Point, embeddings.Vector, error) {
	var point types.Point
	var vector embeddings.Vector
	err := s.guard(ctx, "get", func(ctx context.Context) error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{stringToPointID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    withVectorsSelector(true),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "get", Err: err}
		}
		if len(res) == 0 {
			return &memerrors.NotFoundError{Resource: "point", ID: id}
		}
		point, vector = retrievedPointFromQdrant(res[0])
		return nil
	})
	return point, vector, err
}

func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]types.Point, error) {
	var out []types.Point
	err := s.guard(ctx, "scroll", func(ctx context.Context) error {
		l := uint32(limit)
		if l == 0 {
			l = 10000
		}
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         BuildQdrantFilter(filter),
			Limit:          qdrant.PtrOf(l),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    withVectorsSelector(false),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "scroll", Err: err}
		}
		out = make([]types.Point, 0, len(res))
		for _, rp := range res {
			p, _ := retrievedPointFromQdrant(rp)
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *QdrantStore) Count(ctx context.Context, collection string, filter *Filter) (uint64, error) {
	var n uint64
	err := s.guard(ctx, "count", func(ctx context.Context) error {
		count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: collection, Filter: BuildQdrantFilter(filter)})
		if err != nil {
			return &memerrors.StoreError{Op: "count", Err: err}
		}
		n = count
		return nil
	})
	return n, err
}

func (s *QdrantStore) UpdatePayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	return s.guard(ctx, "update_payload", func(ctx context.Context) error {
		payload := make(map[string]*qdrant.Value, len(patch))
		for k, v := range patch {
			// Open metadata arrives as a nested map under the "metadata"
			// key; it is stored flattened under the meta_ prefix, matching
			// how pointPayload writes it on upsert.
			if k == "metadata" {
				if m, ok := v.(map[string]interface{}); ok {
					for mk, mv := range m {
						payload["meta_"+mk] = valueToQdrant(mv)
					}
					continue
				}
			}
			payload[k] = valueToQdrant(v)
		}
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: collection,
			Payload:        payload,
			PointsSelector: pointsSelectorForIDs([]*qdrant.PointId{stringToPointID(id)}),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "update_payload", Err: err}
		}
		return nil
	})
}

func (s *QdrantStore) OverwritePayload(ctx context.Context, collection string, point types.Point) error {
	return s.guard(ctx, "overwrite_payload", func(ctx context.Context) error {
		_, err := s.client.OverwritePayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: collection,
			Payload:        pointPayload(point),
			PointsSelector: pointsSelectorForIDs([]*qdrant.PointId{stringToPointID(point.ID.String())}),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "overwrite_payload", Err: err}
		}
		return nil
	})
}

func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.guard(ctx, "delete", func(ctx context.Context) error {
		pids := make([]*qdrant.PointId, len(ids))
		for i, id := range ids {
			pids[i] = stringToPointID(id)
		}
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         pointsSelectorForIDs(pids),
		})
		if err != nil {
			return &memerrors.StoreError{Op: "delete", Err: err}
		}
		return nil
	})
}

func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	return s.guard(ctx, "delete_by_filter", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: BuildQdrantFilter(filter)},
			},
		})
		if err != nil {
			return &memerrors.StoreError{Op: "delete_by_filter", Err: err}
		}
		return nil
	})
}

// HealthCheck fetches collection info for each known collection; Qdrant's Go
// client has no dedicated ping RPC, so a metadata fetch stands in for one,
// matching how the rest of the engine treats "can we reach the backend".
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	for kind := range s.hnsw {
		if _, err := s.client.GetCollectionInfo(ctx, kind); err != nil {
			return &memerrors.StoreError{Op: "health_check:" + kind, Err: err}
		}
	}
	return nil
}

func withVectorsSelector(enable bool) *qdrant.WithVectorsSelector {
	return &qdrant.WithVectorsSelector{SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: enable}}
}

func pointsSelectorForIDs(ids []*qdrant.PointId) *qdrant.PointsSelector {
	return &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{Points: &qdrant.PointsIdsList{Ids: ids}},
	}
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

// --- conversion helpers ---

func pointToQdrant(p types.Point, vector embeddings.Vector) *qdrant.PointStruct {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	return &qdrant.PointStruct{
		Id:      stringToPointID(p.ID.String()),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: vec}}},
		Payload: pointPayload(p),
	}
}

func stringValue(s string) *qdrant.Value   { return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}} }
func boolValue(b bool) *qdrant.Value       { return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: b}} }
func intValue(i int64) *qdrant.Value       { return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}} }
func doubleValue(f float64) *qdrant.Value  { return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: f}} }
func listValue(vs []*qdrant.Value) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: vs}}}
}

func pointPayload(p types.Point) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"parent_id":     stringValue(p.ParentID.String()),
		"memory_type":   stringValue(string(p.Kind)),
		"content":       stringValue(p.Content),
		"is_chunk":      boolValue(p.IsChunk),
		"chunk_index":   intValue(int64(p.ChunkIndex)),
		"chunk_count":   intValue(int64(p.ChunkCount)),
		"importance":    doubleValue(p.Importance),
		"created_at":    intValue(p.CreatedAt.Unix()),
		"updated_at":    intValue(p.UpdatedAt.Unix()),
		"accessed_at":   intValue(p.AccessedAt.Unix()),
		"access_count":  intValue(p.AccessCount),
		"has_relations": boolValue(p.HasRelations),
	}
	if p.FullContent != "" {
		payload["full_content"] = stringValue(p.FullContent)
	}
	if len(p.Tags) > 0 {
		values := make([]*qdrant.Value, len(p.Tags))
		for i, t := range p.Tags {
			values[i] = stringValue(t)
		}
		payload["tags"] = listValue(values)
	}
	for k, v := range p.Metadata {
		payload["meta_"+k] = valueToQdrant(v)
	}
	return payload
}

func retrievedPointFromQdrant(rp *qdrant.RetrievedPoint) (types.Point, embeddings.Vector) {
	payload := rp.GetPayload()
	p := payloadToPoint(pointIDString(rp.GetId()), payload)
	var vec embeddings.Vector
	if vectors := rp.GetVectors(); vectors != nil {
		if v := vectors.GetVector(); v != nil {
			vec = toVector(v.GetData())
		}
	}
	return p, vec
}

func scoredPointFromQdrant(sp *qdrant.ScoredPoint) (types.Point, embeddings.Vector) {
	payload := sp.GetPayload()
	p := payloadToPoint(pointIDString(sp.GetId()), payload)
	var vec embeddings.Vector
	if vectors := sp.GetVectors(); vectors != nil {
		if v := vectors.GetVector(); v != nil {
			vec = toVector(v.GetData())
		}
	}
	return p, vec
}

func payloadToPoint(id string, payload map[string]*qdrant.Value) types.Point {
	pid, _ := uuid.Parse(id)
	parentID, _ := uuid.Parse(getString(payload, "parent_id"))
	p := types.Point{
		ID:           pid,
		ParentID:     parentID,
		Kind:         types.Kind(getString(payload, "memory_type")),
		Content:      getString(payload, "content"),
		FullContent:  getString(payload, "full_content"),
		IsChunk:      getBool(payload, "is_chunk"),
		ChunkIndex:   int(getInt(payload, "chunk_index")),
		ChunkCount:   int(getInt(payload, "chunk_count")),
		Tags:         getStringSlice(payload, "tags"),
		Importance:   getFloat(payload, "importance"),
		CreatedAt:    time.Unix(getInt(payload, "created_at"), 0).UTC(),
		UpdatedAt:    time.Unix(getInt(payload, "updated_at"), 0).UTC(),
		AccessedAt:   time.Unix(getInt(payload, "accessed_at"), 0).UTC(),
		AccessCount:  getInt(payload, "access_count"),
		HasRelations: getBool(payload, "has_relations"),
		Metadata:     make(map[string]interface{}),
	}
	for k, v := range payload {
		if strings.HasPrefix(k, "meta_") {
			p.Metadata[strings.TrimPrefix(k, "meta_")] = fromQdrantValue(v)
		}
	}
	return p
}

func pointIDString(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func toVector(f32 []float32) embeddings.Vector {
	v := make(embeddings.Vector, len(f32))
	copy(v, f32)
	return v
}

func getString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func getBool(payload map[string]*qdrant.Value, key string) bool {
	if v, ok := payload[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func getInt(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func getFloat(payload map[string]*qdrant.Value, key string) float64 {
	if v, ok := payload[key]; ok {
		return v.GetDoubleValue()
	}
	return 0
}

func getStringSlice(payload map[string]*qdrant.Value, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil
	}
	out := make([]string, len(lv.GetValues()))
	for i, e := range lv.GetValues() {
		out[i] = e.GetStringValue()
	}
	return out
}

func valueToQdrant(v any) *qdrant.Value {
	switch t := v.(type) {
	case string:
		return stringValue(t)
	case bool:
		return boolValue(t)
	case int:
		return intValue(int64(t))
	case int64:
		return intValue(t)
	case float64:
		return doubleValue(t)
	case time.Time:
		return intValue(t.Unix())
	case []string:
		values := make([]*qdrant.Value, len(t))
		for i, s := range t {
			values[i] = stringValue(s)
		}
		return listValue(values)
	default:
		return stringValue(fmt.Sprintf("%v", t))
	}
}

func fromQdrantValue(v *qdrant.Value) interface{} {
	switch v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return v.GetStringValue()
	case *qdrant.Value_BoolValue:
		return v.GetBoolValue()
	case *qdrant.Value_IntegerValue:
		return v.GetIntegerValue()
	case *qdrant.Value_DoubleValue:
		return v.GetDoubleValue()
	default:
		return nil
	}
}
