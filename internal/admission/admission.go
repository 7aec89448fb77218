// Package admission decides whether a job may start and accounts for what
// completed jobs spent.
//
// The OSS distribution ships an in-memory token bucket with an optional
// monthly budget check (MemoryController). Deployments that need
// cross-instance coordination can substitute a shared-store implementation;
// the Controller interface is the contract.
package admission

import (
	"context"

	"github.com/google/uuid"
)

// Identity names the caller a job runs on behalf of. Rate limiting is per
// org+user pair; budget accounting is per org.
type Identity struct {
	OrgID  uuid.UUID
	UserID uuid.UUID
}

func (id Identity) key() string { return id.OrgID.String() + ":" + id.UserID.String() }

// Decision is the outcome of an admission check. Reason is set only when
// the request was denied and is safe to show the caller.
type Decision struct {
	Allowed bool
	Reason  string
}

// Controller gates job starts and records completed spend.
// Implementations must be safe for concurrent use. Returning an error
// signals a controller malfunction; callers should treat errors as
// fail-open (admit the request) rather than blocking traffic.
type Controller interface {
	CheckAndReserve(ctx context.Context, id Identity) (Decision, error)
	RecordCost(ctx context.Context, id Identity, costUSD float64) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Noop admits every request and discards cost records. Used when admission
// control is disabled.
type Noop struct{}

// CheckAndReserve always admits.
func (Noop) CheckAndReserve(context.Context, Identity) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// RecordCost is a no-op.
func (Noop) RecordCost(context.Context, Identity, float64) error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }
