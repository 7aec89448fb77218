// Package cache implements the semantic response cache. Completed
// responses are stored under an embedding of the redacted message; a later
// message close enough in embedding space is answered straight from the
// cache without touching a provider.
//
// Every failure path degrades to a miss: an unreachable index, a failed
// embedding call, or a zero vector from the noop provider all mean the
// pipeline simply runs in full.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/sluice-ai/sluice/internal/telemetry"
)

// Match is the raw nearest-neighbour result from an Index.
type Match struct {
	Message    string
	Response   string
	ModelID    string
	Similarity float32
}

// Hit is a cache lookup that cleared the similarity threshold.
type Hit struct {
	Response   string
	ModelID    string
	Message    string // the cached message that matched
	Similarity float32
}

// Index is a vector store holding cached responses. Implementations must
// be safe for concurrent use.
type Index interface {
	// Insert stores one response under its message embedding.
	Insert(ctx context.Context, orgID uuid.UUID, embedding []float32, message, response, modelID string) error

	// Nearest returns the closest entry for the org newer than since, or
	// nil when the index holds nothing eligible.
	Nearest(ctx context.Context, orgID uuid.UUID, embedding []float32, since time.Time) (*Match, error)
}

// healthChecker is implemented by indexes with a liveness probe (Qdrant).
// The pgvector index has no separate probe; pool health covers it.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

// Config tunes cache behavior.
type Config struct {
	// Threshold is the minimum cosine similarity for a hit.
	Threshold float64
	// TTL bounds how old a cached response may be and still be served.
	TTL time.Duration
}

// Cache ties an embedding provider to a vector index.
type Cache struct {
	embedder Provider
	index    Index
	cfg      Config
	logger   *slog.Logger

	embeddingDuration metric.Float64Histogram
	lookups           metric.Int64Counter
	hits              metric.Int64Counter
}

// New creates a Cache. The embedder and index must be non-nil; wire the
// Noop provider when no embedding endpoint is configured.
func New(embedder Provider, index Index, cfg Config, logger *slog.Logger) *Cache {
	meter := telemetry.Meter("sluice/cache")
	embDur, _ := meter.Float64Histogram("sluice.cache.embedding.duration",
		metric.WithDescription("Time to generate cache embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	lookups, _ := meter.Int64Counter("sluice.cache.lookups",
		metric.WithDescription("Semantic cache lookups"),
	)
	hits, _ := meter.Int64Counter("sluice.cache.hits",
		metric.WithDescription("Semantic cache hits"),
	)
	return &Cache{
		embedder:          embedder,
		index:             index,
		cfg:               cfg,
		logger:            logger.With("component", "cache"),
		embeddingDuration: embDur,
		lookups:           lookups,
		hits:              hits,
	}
}

// Lookup embeds the (already redacted) message and returns a cached
// response when one clears the similarity threshold within the TTL window.
// Returns nil on a miss and on any internal failure.
func (c *Cache) Lookup(ctx context.Context, orgID uuid.UUID, message string) *Hit {
	if hc, ok := c.index.(healthChecker); ok {
		if err := hc.Healthy(ctx); err != nil {
			c.logger.Debug("index unhealthy, skipping lookup", "error", err)
			return nil
		}
	}

	c.lookups.Add(ctx, 1)

	embStart := time.Now()
	emb, err := c.embedder.Embed(ctx, message)
	c.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		c.logger.Warn("embedding failed, skipping lookup", "error", err)
		return nil
	}
	if isZeroVector(emb) {
		return nil
	}

	since := time.Now().UTC().Add(-c.cfg.TTL)
	match, err := c.index.Nearest(ctx, orgID, emb.Slice(), since)
	if err != nil {
		c.logger.Warn("lookup failed", "error", err)
		return nil
	}
	if match == nil || float64(match.Similarity) < c.cfg.Threshold {
		return nil
	}

	c.hits.Add(ctx, 1)
	c.logger.Debug("cache hit",
		"similarity", match.Similarity,
		"model", match.ModelID,
	)
	return &Hit{
		Response:   match.Response,
		ModelID:    match.ModelID,
		Message:    match.Message,
		Similarity: match.Similarity,
	}
}

// Store saves a completed response under its message embedding.
// Best-effort: failures are logged and swallowed.
func (c *Cache) Store(ctx context.Context, orgID uuid.UUID, message, response, modelID string) {
	emb, err := c.embedder.Embed(ctx, message)
	if err != nil {
		c.logger.Warn("embedding failed, response not cached", "error", err)
		return
	}
	if isZeroVector(emb) {
		return
	}

	if err := c.index.Insert(ctx, orgID, emb.Slice(), message, response, modelID); err != nil {
		c.logger.Warn("store failed", "error", err)
	}
}

// isZeroVector returns true if all elements are zero (noop provider).
func isZeroVector(v pgvector.Vector) bool {
	for _, val := range v.Slice() {
		if val != 0 {
			return false
		}
	}
	return true
}
