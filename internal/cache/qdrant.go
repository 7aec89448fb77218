package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by a Qdrant collection. Optional;
// configured deployments get ANN lookups off the primary database.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; the pointer is never nil, the error inside may be
	healthAt    atomic.Int64 // unix nanos of the last probe
}

const qdrantGRPCPort = 6334

// parseQdrantURL turns a Qdrant endpoint URL into gRPC dial parameters.
// The REST port 6333 maps to its gRPC sibling 6334, a missing port
// defaults to 6334, and any other explicit port is kept as given.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("cache: invalid qdrant URL: %q", rawURL)
	}

	port = qdrantGRPCPort
	if s := u.Port(); s != "" {
		p, convErr := strconv.Atoi(s)
		if convErr != nil {
			return "", 0, false, fmt.Errorf("cache: invalid port in qdrant URL: %q", s)
		}
		if p != 6333 {
			port = p
		}
	}

	return u.Hostname(), port, u.Scheme == "https", nil
}

// NewQdrantIndex creates a QdrantIndex and connects via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures payload indexes are present. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted to backfill indexes added
// after the collection was first created.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("cache: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("cache: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "org_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("cache: ensure index on org_id: %w", err)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "created_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("cache: ensure index on created_unix: %w", err)
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// Insert upserts one cache entry as a point with its response payload.
func (q *QdrantIndex) Insert(ctx context.Context, orgID uuid.UUID, embedding []float32, message, response, modelID string) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(uuid.New().String()),
		Vectors: qdrant.NewVectorsDense(embedding),
		Payload: qdrant.NewValueMap(map[string]any{
			"org_id":       orgID.String(),
			"message":      message,
			"response":     response,
			"model_id":     modelID,
			"created_unix": float64(time.Now().UTC().Unix()),
		}),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("cache: qdrant upsert: %w", err)
	}
	return nil
}

// Nearest returns the closest entry within the org newer than since.
// org_id is always the first filter (tenant isolation).
func (q *QdrantIndex) Nearest(ctx context.Context, orgID uuid.UUID, embedding []float32, since time.Time) (*Match, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("org_id", orgID.String()),
		qdrant.NewRange("created_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(since.Unix())),
		}),
	}

	limit := uint64(1)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: qdrant query: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sp := scored[0]
	payload := sp.Payload
	match := &Match{Similarity: sp.Score}
	if v, ok := payload["message"]; ok {
		match.Message = v.GetStringValue()
	}
	if v, ok := payload["response"]; ok {
		match.Response = v.GetStringValue()
	}
	if v, ok := payload["model_id"]; ok {
		match.ModelID = v.GetStringValue()
	}
	return match, nil
}

// Healthy reports whether Qdrant answered a recent probe. Probe results
// are held for 5 seconds, and concurrent callers past expiry collapse
// into one gRPC round trip.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight hands every waiter the first caller's result, so the
	// probe runs on its own context; a cancel from that first caller must
	// not poison the shared slot.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		q.probeHealth()
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) probeHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := q.client.HealthCheck(ctx); err != nil {
		q.storeHealthErr(fmt.Errorf("cache: qdrant unhealthy: %w", err))
	} else {
		q.storeHealthErr(nil)
	}
	q.healthAt.Store(time.Now().UnixNano())
}

// atomic.Value rejects a bare nil, so the healthy state is stored as a
// pointer to a nil error.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
