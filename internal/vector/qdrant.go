package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/querystack/ragserve/internal/apperr"
)

// maxGrpcMessageBytes raises the default 4 MiB cap; embedding batches with
// payloads routinely exceed it.
const maxGrpcMessageBytes = 32 * 1024 * 1024

// payloadIDField carries the logical point ID inside the payload. Qdrant
// point IDs must be UUIDs or integers, so the logical ID (a content hash)
// is mapped to a deterministic UUID and preserved here.
const payloadIDField = "_id"

// pointNamespace seeds the deterministic UUID derivation.
var pointNamespace = uuid.MustParse("8f2f1d6e-3b4a-4a50-9c1e-7d35a0c41b22")

// QdrantConfig configures the Qdrant client.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantStore implements Store on a Qdrant instance via gRPC.
type QdrantStore struct {
	client *qdrant.Client
}

// Verify interface implementation at compile time.
var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxGrpcMessageBytes),
				grpc.MaxCallSendMsgSize(maxGrpcMessageBytes),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return &QdrantStore{client: client}, nil
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return apperr.Transient("qdrant collection check failed", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return apperr.Transient("qdrant create collection failed", err)
	}
	return nil
}

// Upsert inserts or replaces points. The deterministic UUID mapping makes
// retries idempotent.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpts := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[payloadIDField] = p.ID
		qpts[i] = &qdrant.PointStruct{
			Id:      pointID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpts,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return apperr.Transient("qdrant upsert failed", err)
	}
	return nil
}

// Search returns the k nearest points above minScore that pass the filter.
func (s *QdrantStore) Search(ctx context.Context, collection string, query []float32, k int, filter *Filter, minScore float32) ([]ScoredPoint, error) {
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	}
	if minScore > 0 {
		req.ScoreThreshold = qdrant.PtrOf(minScore)
	}
	hits, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, apperr.Transient("qdrant search failed", err)
	}
	out := make([]ScoredPoint, 0, len(hits))
	for _, h := range hits {
		payload := payloadToMap(h.Payload)
		out = append(out, ScoredPoint{
			ID:      logicalID(payload),
			Score:   h.Score,
			Payload: payload,
		})
	}
	return out, nil
}

// Delete removes points by logical ID.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	qids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		qids[i] = pointID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return apperr.Transient("qdrant delete failed", err)
	}
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	qf := buildFilter(filter)
	if qf == nil {
		return fmt.Errorf("refusing to delete with empty filter")
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(qf),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return apperr.Transient("qdrant delete by filter failed", err)
	}
	return nil
}

// Scroll pages through the collection.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, cursor string, limit int) ([]ScoredPoint, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewID(cursor)
	}
	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", apperr.Transient("qdrant scroll failed", err)
	}
	out := make([]ScoredPoint, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := payloadToMap(p.Payload)
		out = append(out, ScoredPoint{ID: logicalID(payload), Payload: payload})
	}
	next := ""
	if off := resp.GetNextPageOffset(); off != nil {
		next = off.GetUuid()
	}
	return out, next, nil
}

// SetPayload merges payload fields into the given points.
func (s *QdrantStore) SetPayload(ctx context.Context, collection string, ids []string, payload map[string]any) error {
	if len(ids) == 0 || len(payload) == 0 {
		return nil
	}
	qids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		qids[i] = pointID(id)
	}
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        qdrant.NewValueMap(payload),
		PointsSelector: qdrant.NewPointsSelector(qids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return apperr.Transient("qdrant set payload failed", err)
	}
	return nil
}

// UpdateCollectionParams adjusts HNSW and optimizer settings.
func (s *QdrantStore) UpdateCollectionParams(ctx context.Context, collection string, params CollectionParams) error {
	req := &qdrant.UpdateCollection{CollectionName: collection}
	if params.HnswM > 0 || params.HnswEfConstruct > 0 {
		hnsw := &qdrant.HnswConfigDiff{}
		if params.HnswM > 0 {
			hnsw.M = qdrant.PtrOf(uint64(params.HnswM))
		}
		if params.HnswEfConstruct > 0 {
			hnsw.EfConstruct = qdrant.PtrOf(uint64(params.HnswEfConstruct))
		}
		req.HnswConfig = hnsw
	}
	if params.IndexingThreshold > 0 {
		req.OptimizersConfig = &qdrant.OptimizersConfigDiff{
			IndexingThreshold: qdrant.PtrOf(uint64(params.IndexingThreshold)),
		}
	}
	if err := s.client.UpdateCollection(ctx, req); err != nil {
		return apperr.Transient("qdrant update collection failed", err)
	}
	return nil
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, apperr.Transient("qdrant count failed", err)
	}
	return n, nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// pointID derives the deterministic Qdrant UUID for a logical ID.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// logicalID extracts the logical ID from a payload, falling back to empty.
func logicalID(payload map[string]any) string {
	if v, ok := payload[payloadIDField].(string); ok {
		return v
	}
	return ""
}

// buildFilter converts the abstract filter into a Qdrant filter.
// The tenant clause becomes a nested should-filter so it ANDs with the
// other predicates: must(fields...) AND (owner_id = me OR is_public).
func buildFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	qf := &qdrant.Filter{}
	for field, value := range f.Must {
		qf.Must = append(qf.Must, matchCondition(field, value))
	}
	if len(f.GroupIDs) > 0 {
		qf.Must = append(qf.Must, qdrant.NewMatchKeywords("group_ids", f.GroupIDs...))
	}
	if f.Tenant != nil {
		qf.Must = append(qf.Must, qdrant.NewFilterAsCondition(&qdrant.Filter{
			Should: []*qdrant.Condition{
				qdrant.NewMatch("owner_id", f.Tenant.OwnerID),
				qdrant.NewMatchBool("is_public", true),
			},
		}))
	}
	return qf
}

// matchCondition builds a field-equality condition for supported types.
func matchCondition(field string, value any) *qdrant.Condition {
	switch v := value.(type) {
	case bool:
		return qdrant.NewMatchBool(field, v)
	case int:
		return qdrant.NewMatchInt(field, int64(v))
	case int64:
		return qdrant.NewMatchInt(field, v)
	case string:
		return qdrant.NewMatch(field, v)
	default:
		return qdrant.NewMatch(field, fmt.Sprintf("%v", v))
	}
}

// payloadToMap converts Qdrant payload values to plain Go values.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, 0, len(items))
		for _, item := range items {
			list = append(list, valueToAny(item))
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
