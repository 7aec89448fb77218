// Package catalog maintains the in-memory table of model options.
//
// The catalog is an immutable snapshot rebuilt wholesale: readers take the
// current *Snapshot and keep it for the duration of a job, so a refresh
// mid-job never changes what an in-flight pipeline sees. Only the pointer
// swap in Catalog is guarded; snapshots themselves are never mutated.
package catalog

import (
	"fmt"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// Snapshot is one immutable generation of the catalog.
type Snapshot struct {
	models     []model.ModelOption
	byID       map[string]model.ModelOption
	generation int64
	builtAt    time.Time
}

func newSnapshot(models []model.ModelOption, generation int64) *Snapshot {
	owned := make([]model.ModelOption, len(models))
	copy(owned, models)

	byID := make(map[string]model.ModelOption, len(owned))
	for _, m := range owned {
		byID[m.ModelID] = m
	}
	return &Snapshot{
		models:     owned,
		byID:       byID,
		generation: generation,
		builtAt:    time.Now(),
	}
}

// Models returns every entry in catalog order. Callers must not mutate the
// returned slice.
func (s *Snapshot) Models() []model.ModelOption {
	return s.models
}

// ByID returns the entry for a model ID.
func (s *Snapshot) ByID(id string) (model.ModelOption, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.models) }

// Generation returns the monotonic snapshot generation, starting at 1 for
// the seed.
func (s *Snapshot) Generation() int64 { return s.generation }

// BuiltAt returns when this snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// ForProviders returns the entries whose provider passes the given check,
// preserving catalog order.
func (s *Snapshot) ForProviders(available func(name string) bool) []model.ModelOption {
	out := make([]model.ModelOption, 0, len(s.models))
	for _, m := range s.models {
		if available(m.Provider) {
			out = append(out, m)
		}
	}
	return out
}

// Validate checks a candidate model list before it becomes a snapshot.
func Validate(models []model.ModelOption) error {
	if len(models) == 0 {
		return fmt.Errorf("catalog: empty model list")
	}
	seen := make(map[string]struct{}, len(models))
	for i, m := range models {
		if m.Provider == "" || m.ModelID == "" {
			return fmt.Errorf("catalog: entry %d missing provider or model_id", i)
		}
		if m.CostTier.Order() < 0 {
			return fmt.Errorf("catalog: model %s has unknown cost tier %q", m.ModelID, m.CostTier)
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("catalog: model %s has non-positive context window", m.ModelID)
		}
		if _, dup := seen[m.ModelID]; dup {
			return fmt.Errorf("catalog: duplicate model_id %s", m.ModelID)
		}
		seen[m.ModelID] = struct{}{}
	}
	return nil
}
