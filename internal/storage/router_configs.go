package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sluice-ai/sluice/internal/model"
)

// LoadRouterConfig returns the effective router config for a caller: the
// user-level config when one exists, otherwise the org-level one, otherwise
// nil. A nil config with nil error means the router falls through to
// heuristics.
func (db *DB) LoadRouterConfig(ctx context.Context, orgID, userID uuid.UUID) (*model.RouterConfig, error) {
	if userID != uuid.Nil {
		cfg, err := db.loadRouterConfigRow(ctx,
			`SELECT rules, catch_all, version FROM router_configs
			 WHERE org_id = $1 AND user_id = $2`, orgID, userID)
		if err != nil {
			return nil, fmt.Errorf("storage: load user router config: %w", err)
		}
		if cfg != nil {
			cfg.Scope = model.ScopeUser
			return cfg, nil
		}
	}

	cfg, err := db.loadRouterConfigRow(ctx,
		`SELECT rules, catch_all, version FROM router_configs
		 WHERE org_id = $1 AND user_id IS NULL`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: load org router config: %w", err)
	}
	if cfg != nil {
		cfg.Scope = model.ScopeOrg
	}
	return cfg, nil
}

func (db *DB) loadRouterConfigRow(ctx context.Context, query string, args ...any) (*model.RouterConfig, error) {
	var cfg model.RouterConfig
	err := db.pool.QueryRow(ctx, query, args...).Scan(&cfg.Rules, &cfg.CatchAll, &cfg.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveRouterConfig upserts a router config at org scope (userID zero) or
// user scope. The version increments on every save.
func (db *DB) SaveRouterConfig(ctx context.Context, orgID, userID uuid.UUID, cfg model.RouterConfig) (int, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = []model.RouterRule{}
	}
	catchAll := cfg.CatchAll
	if catchAll == nil {
		catchAll = []string{}
	}

	var (
		version int
		err     error
	)
	if userID == uuid.Nil {
		err = db.pool.QueryRow(ctx,
			`INSERT INTO router_configs (org_id, user_id, scope, rules, catch_all, version, updated_at)
			 VALUES ($1, NULL, 'org', $2, $3, 1, $4)
			 ON CONFLICT (org_id) WHERE user_id IS NULL
			 DO UPDATE SET rules = $2, catch_all = $3, version = router_configs.version + 1, updated_at = $4
			 RETURNING version`,
			orgID, rules, catchAll, time.Now().UTC(),
		).Scan(&version)
	} else {
		err = db.pool.QueryRow(ctx,
			`INSERT INTO router_configs (org_id, user_id, scope, rules, catch_all, version, updated_at)
			 VALUES ($1, $2, 'user', $3, $4, 1, $5)
			 ON CONFLICT (org_id, user_id) WHERE user_id IS NOT NULL
			 DO UPDATE SET rules = $3, catch_all = $4, version = router_configs.version + 1, updated_at = $5
			 RETURNING version`,
			orgID, userID, rules, catchAll, time.Now().UTC(),
		).Scan(&version)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: save router config: %w", err)
	}
	return version, nil
}

// DeleteRouterConfig removes a config at the given scope. Missing rows are
// reported as ErrNotFound.
func (db *DB) DeleteRouterConfig(ctx context.Context, orgID, userID uuid.UUID) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if userID == uuid.Nil {
		tag, err = db.pool.Exec(ctx,
			`DELETE FROM router_configs WHERE org_id = $1 AND user_id IS NULL`, orgID)
	} else {
		tag, err = db.pool.Exec(ctx,
			`DELETE FROM router_configs WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	}
	if err != nil {
		return fmt.Errorf("storage: delete router config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: router config for org %s: %w", orgID, ErrNotFound)
	}
	return nil
}
