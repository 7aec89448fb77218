package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UsageStore reports and records per-org spend. Implemented by the usage
// records store; a nil store disables budget enforcement.
type UsageStore interface {
	MonthToDateCost(ctx context.Context, orgID uuid.UUID) (float64, error)
	RecordUsage(ctx context.Context, orgID, userID uuid.UUID, costUSD float64) error
}

// Limits configures the memory controller. A zero value disables the
// corresponding check.
type Limits struct {
	RatePerSecond    float64 // sustained job starts per second per identity
	Burst            int     // token bucket capacity
	MonthlyBudgetUSD float64 // per-org spend ceiling
}

func (l Limits) burstTokens() float64 {
	if l.Burst < 1 {
		return 1
	}
	return float64(l.Burst)
}

// bucket is a single token bucket for one identity.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryController implements Controller with an in-memory token bucket per
// identity and an optional monthly budget read from the usage store.
//
// Each identity gets an independent bucket with a configurable refill rate
// (tokens per second) and burst capacity. A background goroutine evicts
// buckets not used in the last 10 minutes to bound memory. Call Close to
// stop it.
type MemoryController struct {
	limits Limits
	usage  UsageStore
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryController creates a memory-backed admission controller. The
// usage store may be nil, in which case only the token bucket applies.
func NewMemoryController(limits Limits, usage UsageStore, logger *slog.Logger) *MemoryController {
	c := &MemoryController{
		limits:  limits,
		usage:   usage,
		logger:  logger.With("component", "admission"),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CheckAndReserve consumes one token for the identity and, when a budget is
// configured, verifies the org's month-to-date spend is still under it.
// Usage store errors are logged and admit the request.
func (c *MemoryController) CheckAndReserve(ctx context.Context, id Identity) (Decision, error) {
	if c.limits.RatePerSecond > 0 && !c.take(id.key()) {
		c.logger.Warn("admission: rate limited",
			"org_id", id.OrgID, "user_id", id.UserID)
		return Decision{Reason: "rate limit exceeded, retry shortly"}, nil
	}

	if c.limits.MonthlyBudgetUSD > 0 && c.usage != nil {
		spent, err := c.usage.MonthToDateCost(ctx, id.OrgID)
		if err != nil {
			c.logger.Warn("admission: budget lookup failed, admitting",
				"org_id", id.OrgID, "error", err)
			return Decision{Allowed: true}, nil
		}
		if spent >= c.limits.MonthlyBudgetUSD {
			c.logger.Warn("admission: monthly budget exhausted",
				"org_id", id.OrgID, "spent_usd", spent, "budget_usd", c.limits.MonthlyBudgetUSD)
			return Decision{Reason: fmt.Sprintf(
				"monthly budget of $%.2f exhausted", c.limits.MonthlyBudgetUSD)}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// take consumes one token from the bucket for key. Returns false when the
// bucket is empty.
func (c *MemoryController) take(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	b, ok := c.buckets[key]
	if !ok {
		// First request for this identity: start with a full bucket minus
		// one token.
		c.buckets[key] = &bucket{
			tokens:     c.limits.burstTokens() - 1,
			lastAccess: now,
		}
		return true
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * c.limits.RatePerSecond
	if full := c.limits.burstTokens(); b.tokens > full {
		b.tokens = full
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RecordCost forwards a completed job's spend to the usage store. Zero and
// negative costs are skipped.
func (c *MemoryController) RecordCost(ctx context.Context, id Identity, costUSD float64) error {
	if c.usage == nil || costUSD <= 0 {
		return nil
	}
	if err := c.usage.RecordUsage(ctx, id.OrgID, id.UserID, costUSD); err != nil {
		return fmt.Errorf("admission: record usage: %w", err)
	}
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *MemoryController) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been used recently.
func (c *MemoryController) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *MemoryController) evictStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range c.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(c.buckets, key)
		}
	}
}
