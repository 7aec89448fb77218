package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordUsage appends one completed job's spend to the usage log. Satisfies
// the admission controller's UsageStore. Retries on transient conflicts so
// a deadlock does not lose billing data.
func (db *DB) RecordUsage(ctx context.Context, orgID, userID uuid.UUID, costUSD float64) error {
	err := WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO usage_records (org_id, user_id, cost_usd, recorded_at)
			 VALUES ($1, $2, $3, $4)`,
			orgID, userID, costUSD, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: record usage: %w", err)
	}
	return nil
}

// MonthToDateCost sums an org's spend for the current calendar month (UTC).
func (db *DB) MonthToDateCost(ctx context.Context, orgID uuid.UUID) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE org_id = $1
		   AND recorded_at >= date_trunc('month', now() AT TIME ZONE 'UTC')`,
		orgID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: month-to-date cost: %w", err)
	}
	return total, nil
}

// UsageByUser returns per-user spend for an org within [from, to).
func (db *DB) UsageByUser(ctx context.Context, orgID uuid.UUID, from, to time.Time) (map[uuid.UUID]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE org_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		 GROUP BY user_id`,
		orgID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: usage by user: %w", err)
	}
	defer rows.Close()

	usage := make(map[uuid.UUID]float64)
	for rows.Next() {
		var userID uuid.UUID
		var spent float64
		if err := rows.Scan(&userID, &spent); err != nil {
			return nil, fmt.Errorf("storage: scan usage: %w", err)
		}
		usage[userID] = spent
	}
	return usage, rows.Err()
}
