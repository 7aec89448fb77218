package catalog

import (
	"sync"

	"github.com/sluice-ai/sluice/internal/model"
)

// Catalog hands out the current snapshot and swaps in replacements
// atomically. Safe for concurrent readers and one or more writers.
type Catalog struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// New builds a catalog from the seed model list. The seed must already be
// validated.
func New(seed []model.ModelOption) *Catalog {
	return &Catalog{snap: newSnapshot(seed, 1)}
}

// Snapshot returns the current generation. The returned snapshot stays
// valid (and unchanged) after any number of later refreshes.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Replace swaps in a wholly new snapshot built from models and returns it.
// In-flight readers keep the snapshot they already hold.
func (c *Catalog) Replace(models []model.ModelOption) (*Snapshot, error) {
	if err := Validate(models); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = newSnapshot(models, c.snap.generation+1)
	return c.snap, nil
}
