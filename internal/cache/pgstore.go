package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/sluice-ai/sluice/internal/storage"
)

// PGIndex backs the cache with the response_cache table. This is the
// default index whenever storage is configured; Qdrant is only worth the
// extra moving part at volumes where an in-database HNSW scan hurts.
type PGIndex struct {
	db *storage.DB
}

// NewPGIndex creates an index over the storage layer.
func NewPGIndex(db *storage.DB) *PGIndex {
	return &PGIndex{db: db}
}

// Insert stores one response row.
func (p *PGIndex) Insert(ctx context.Context, orgID uuid.UUID, embedding []float32, message, response, modelID string) error {
	return p.db.InsertCachedResponse(ctx, orgID, pgvector.NewVector(embedding), message, response, modelID)
}

// Nearest returns the closest row newer than since, or nil.
func (p *PGIndex) Nearest(ctx context.Context, orgID uuid.UUID, embedding []float32, since time.Time) (*Match, error) {
	entry, err := p.db.SearchCachedResponse(ctx, orgID, pgvector.NewVector(embedding), since)
	if err != nil || entry == nil {
		return nil, err
	}
	return &Match{
		Message:    entry.Message,
		Response:   entry.Response,
		ModelID:    entry.ModelID,
		Similarity: entry.Similarity,
	}, nil
}
