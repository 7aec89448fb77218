package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// Source republishes the model catalog. Fetch returns the complete new
// model list; partial updates do not exist.
type Source interface {
	Fetch(ctx context.Context) ([]model.ModelOption, error)
}

// Static is a fixed Source for tests and embedded deployments.
type Static []model.ModelOption

// Fetch implements Source.
func (s Static) Fetch(context.Context) ([]model.ModelOption, error) {
	out := make([]model.ModelOption, len(s))
	copy(out, s)
	return out, nil
}

// HTTPSource fetches a catalog manifest (YAML or JSON) from a URL.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource creates a discovery source for the given feed URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url: url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Fetch implements Source.
func (h *HTTPSource) Fetch(ctx context.Context) ([]model.ModelOption, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build discovery request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch discovery feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: discovery feed returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("catalog: read discovery feed: %w", err)
	}
	return Parse(raw)
}

// Refresher polls a Source and swaps refreshed snapshots into the catalog.
// A failed fetch keeps the current snapshot; the catalog never goes empty.
type Refresher struct {
	catalog  *Catalog
	source   Source
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher wires a refresher. interval below one second is clamped to
// one second to keep a misconfigured deployment from hot-looping the feed.
func NewRefresher(c *Catalog, source Source, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval < time.Second {
		interval = time.Second
	}
	return &Refresher{catalog: c, source: source, interval: interval, logger: logger}
}

// Run refreshes once immediately, then on every interval tick until ctx is
// cancelled. Call in a dedicated goroutine.
func (r *Refresher) Run(ctx context.Context) {
	r.RefreshNow(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshNow(ctx)
		}
	}
}

// RefreshNow performs a single fetch-and-swap out of band of the poll loop.
func (r *Refresher) RefreshNow(ctx context.Context) {
	models, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Error("catalog: refresh fetch failed, keeping current snapshot", "error", err)
		return
	}

	snap, err := r.catalog.Replace(models)
	if err != nil {
		r.logger.Error("catalog: refresh rejected, keeping current snapshot", "error", err)
		return
	}
	r.logger.Info("catalog: snapshot refreshed",
		"generation", snap.Generation(), "models", snap.Len())
}
