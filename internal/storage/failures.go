package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// RecordProviderFailure persists one provider-level error for failover
// analytics.
func (db *DB) RecordProviderFailure(ctx context.Context, f model.ProviderFailure) error {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO provider_failures (job_id, provider, model, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.JobID, f.Provider, f.Model, f.Reason, f.At,
	)
	if err != nil {
		return fmt.Errorf("storage: record provider failure: %w", err)
	}
	return nil
}

// CountRecentFailures returns per-provider failure counts since the cutoff.
// Useful for surfacing unhealthy providers in ops tooling.
func (db *DB) CountRecentFailures(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT provider, count(*) FROM provider_failures
		 WHERE occurred_at >= $1
		 GROUP BY provider`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count recent failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("storage: scan failure count: %w", err)
		}
		counts[provider] = n
	}
	return counts, rows.Err()
}
