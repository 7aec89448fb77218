// Package provider defines the strategy interface for AI model vendors and
// the concrete adapters the service ships with.
//
// Each vendor implements Provider; the pipeline never branches on vendor
// names. Failures carry a closed ErrorKind so orchestration policy (failover
// vs propagate) dispatches on kind, never on message text.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/sluice-ai/sluice/internal/model"
)

// TokenFunc receives each streamed chunk as it arrives.
type TokenFunc func(token string)

// Provider is one AI vendor. Implementations must be safe for concurrent
// use; one Provider instance serves all jobs.
type Provider interface {
	// Name returns the stable provider identifier used in the catalog
	// ("anthropic", "openai", "gemini").
	Name() string

	// Generate returns the full completion in one call.
	Generate(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning) (string, error)

	// Stream sends tokens to onToken as they arrive and returns the full
	// assembled text. Cancellation is observed between chunks via ctx.
	Stream(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning, onToken TokenFunc) (string, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name, or nil if not configured.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Names returns the configured provider names, sorted for determinism.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available reports whether a provider with the given name is configured.
func (r *Registry) Available(name string) bool {
	return r.Get(name) != nil
}
