package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollection is the Qdrant collection holding all chunks.
const DefaultCollection = "document_chunks"

const (
	qdrantBatchSize  = 100
	qdrantScrollPage = 256
)

// QdrantRepository wraps the Qdrant client with connection management and health checks.
// Point ids are the chunk ids, which are UUIDs by construction.
type QdrantRepository struct {
	client     *qdrant.Client
	collection string
	dimension  int
	host       string
	port       int
}

var _ Repository = (*QdrantRepository)(nil)

// NewQdrantRepository creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantRepository(ctx context.Context, host string, port int, collection string, dimension int) (*QdrantRepository, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	if collection == "" {
		collection = DefaultCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	r := &QdrantRepository{
		client:     client,
		collection: collection,
		dimension:  dimension,
		host:       host,
		port:       port,
	}

	if err := r.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return r, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (r *QdrantRepository) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return r.ping(ctx)
	}, backoff.WithContext(newBackOff(), ctx))
}

// Health checks that Qdrant answers and the collection exists.
func (r *QdrantRepository) Health(ctx context.Context) error {
	if err := r.ping(ctx); err != nil {
		return err
	}
	exists, err := r.client.CollectionExists(ctx, r.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, r.collection)
	}
	return nil
}

func (r *QdrantRepository) ping(ctx context.Context) error {
	result, err := r.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (r *QdrantRepository) Dimension() int { return r.dimension }

// EnsureCollection creates the collection with cosine distance and payload indexes.
// An existing collection with another vector size is rejected.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	exists, err := r.client.CollectionExists(ctx, r.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if exists {
		info, err := r.client.GetCollectionInfo(ctx, r.collection)
		if err != nil {
			return fmt.Errorf("failed to get collection: %w", err)
		}
		size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != uint64(r.dimension) {
			return fmt.Errorf("%w: collection %s has size %d, configured %d",
				ErrDimensionMismatch, r.collection, size, r.dimension)
		}
		return nil
	}

	err = r.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(r.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := r.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	return nil
}

// createPayloadIndexes creates indexes for all filterable fields.
func (r *QdrantRepository) createPayloadIndexes(ctx context.Context) error {
	fields := map[string]qdrant.FieldType{
		"document_id": qdrant.FieldType_FieldTypeKeyword,
		"source_file": qdrant.FieldType_FieldTypeKeyword,
		"created_at":  qdrant.FieldType_FieldTypeInteger,
	}

	for field, fieldType := range fields {
		_, err := r.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: r.collection,
			FieldName:      field,
			FieldType:      fieldType.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

// ClearCollection deletes the collection and recreates it empty.
func (r *QdrantRepository) ClearCollection(ctx context.Context) error {
	if err := r.client.DeleteCollection(ctx, r.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return r.EnsureCollection(ctx)
}

// Close closes the Qdrant client connection.
func (r *QdrantRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (r *QdrantRepository) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := r.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: r.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(newBackOff(), ctx))
}

// Upsert validates every chunk, then writes the valid ones in batches of 100.
// A batch that still fails after retries marks itself and every later chunk as failed,
// since the backend is then considered unreachable for this request.
func (r *QdrantRepository) Upsert(ctx context.Context, chunks []*Chunk) (*UpsertReport, error) {
	report := &UpsertReport{}

	valid := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if err := Validate(c, r.dimension); err != nil {
			report.fail(chunkID(c), err)
			continue
		}
		if _, err := uuid.Parse(c.ID); err != nil {
			report.fail(c.ID, fmt.Errorf("%w: chunk id %s is not a UUID", ErrInvalidChunk, c.ID))
			continue
		}
		valid = append(valid, c)
	}

	for i := 0; i < len(valid); i += qdrantBatchSize {
		end := min(i+qdrantBatchSize, len(valid))
		batch := valid[i:end]

		points, ids := toBatch(batch, report)
		if len(points) == 0 {
			continue
		}

		if err := r.upsertWithRetry(ctx, points); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			failBatch(report, ids, valid[end:], fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err))
			return report, nil
		}
		report.Written = append(report.Written, ids...)
	}
	return report, nil
}

// toBatch converts chunks to points. Chunks that cannot be converted are reported and
// left out of both returned slices.
func toBatch(batch []*Chunk, report *UpsertReport) ([]*qdrant.PointStruct, []string) {
	points := make([]*qdrant.PointStruct, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, c := range batch {
		p, err := toPoint(c)
		if err != nil {
			report.fail(c.ID, err)
			continue
		}
		points = append(points, p)
		ids = append(ids, c.ID)
	}
	return points, ids
}

// failBatch marks the ids of a failed batch and every chunk not yet attempted.
func failBatch(report *UpsertReport, ids []string, rest []*Chunk, reason error) {
	for _, id := range ids {
		report.fail(id, reason)
	}
	for _, c := range rest {
		report.fail(c.ID, reason)
	}
}

// Insert rejects existing ids. Qdrant has no conditional write, so the existence check
// and the write are two calls.
func (r *QdrantRepository) Insert(ctx context.Context, c *Chunk) error {
	if err := Validate(c, r.dimension); err != nil {
		return err
	}
	_, found, err := r.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, c.ID)
	}
	p, err := toPoint(c)
	if err != nil {
		return err
	}
	return r.upsertWithRetry(ctx, []*qdrant.PointStruct{p})
}

func (r *QdrantRepository) GetByID(ctx context.Context, id string) (*Chunk, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, nil
	}
	result, err := r.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: r.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get chunk: %w", err)
	}
	if len(result) == 0 {
		return nil, false, nil
	}
	c, err := fromPayload(result[0].GetId().GetUuid(), result[0].GetPayload(),
		result[0].GetVectors().GetVector().GetData())
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (r *QdrantRepository) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	var chunks []*Chunk
	err := r.scroll(ctx, documentFilter(documentID), true, func(c *Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortByPosition(chunks)
	return chunks, nil
}

func (r *QdrantRepository) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	filter := documentFilter(documentID)
	count, err := r.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: r.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count document chunks: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = r.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: r.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete document: %w", err)
	}
	return int(count), nil
}

func (r *QdrantRepository) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
		}
	}
	if len(pointIDs) == 0 {
		return 0, nil
	}

	existing, err := r.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: r.collection,
		Ids:            pointIDs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to look up chunks: %w", err)
	}
	if len(existing) == 0 {
		return 0, nil
	}

	_, err = r.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: r.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return len(existing), nil
}

func (r *QdrantRepository) Stats(ctx context.Context) (*Stats, error) {
	b := newStatsBuilder()
	err := r.scroll(ctx, nil, false, func(c *Chunk) error {
		b.add(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.build(), nil
}

// Scan pages through the collection and yields chunks in creation order.
func (r *QdrantRepository) Scan(ctx context.Context, documentID string, fn func(*Chunk) error) error {
	var filter *qdrant.Filter
	if documentID != "" {
		filter = documentFilter(documentID)
	}
	var chunks []*Chunk
	err := r.scroll(ctx, filter, true, func(c *Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return err
	}
	sortByCreation(chunks)
	for _, c := range chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// SearchNative runs the query against Qdrant's own index.
func (r *QdrantRepository) SearchNative(ctx context.Context, query []float32, k int, threshold float64, documentID string) ([]ScoredChunk, error) {
	if len(query) != r.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(query), r.dimension)
	}

	req := &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if documentID != "" {
		req.Filter = documentFilter(documentID)
	}

	results, err := r.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	scored := make([]ScoredChunk, 0, len(results))
	for _, result := range results {
		c, err := fromPayload(result.GetId().GetUuid(), result.GetPayload(), nil)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: float64(result.GetScore())})
	}
	return scored, nil
}

// scroll walks every point matching filter using the raw gRPC offset cursor.
func (r *QdrantRepository) scroll(ctx context.Context, filter *qdrant.Filter, withVectors bool, fn func(*Chunk) error) error {
	var offset *qdrant.PointId
	for {
		resp, err := r.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: r.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(qdrantScrollPage)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(withVectors),
		})
		if err != nil {
			return fmt.Errorf("failed to scroll chunks: %w", err)
		}

		for _, p := range resp.GetResult() {
			var vector []float32
			if withVectors {
				vector = p.GetVectors().GetVector().GetData()
			}
			c, err := fromPayload(p.GetId().GetUuid(), p.GetPayload(), vector)
			if err != nil {
				return err
			}
			if err := fn(c); err != nil {
				return err
			}
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("document_id", documentID),
		},
	}
}

func toPoint(c *Chunk) (*qdrant.PointStruct, error) {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling chunk metadata: %w", err)
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(c.ID),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: qdrant.NewValueMap(map[string]any{
			"document_id": c.DocumentID,
			"content":     c.Content,
			"page_number": int64(c.PageNumber),
			"chunk_index": int64(c.ChunkIndex),
			"source_file": c.SourceFile(),
			"metadata":    string(metadataJSON),
			"created_at":  c.CreatedAt.UnixNano(),
		}),
	}, nil
}

func fromPayload(id string, payload map[string]*qdrant.Value, vector []float32) (*Chunk, error) {
	c := &Chunk{
		ID:         id,
		DocumentID: payload["document_id"].GetStringValue(),
		Content:    payload["content"].GetStringValue(),
		PageNumber: int(payload["page_number"].GetIntegerValue()),
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
		CreatedAt:  time.Unix(0, payload["created_at"].GetIntegerValue()),
	}
	if len(vector) > 0 {
		c.Embedding = append([]float32(nil), vector...)
	}
	if raw := payload["metadata"].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling chunk metadata: %w", err)
		}
		normalizeMetadata(c.Metadata)
	}
	return c, nil
}

// sortByCreation orders by created_at, then page and index, then id.
func sortByCreation(chunks []*Chunk) {
	slices.SortFunc(chunks, func(a, b *Chunk) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.PageNumber, b.PageNumber); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ChunkIndex, b.ChunkIndex); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
