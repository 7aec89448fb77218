package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sluice-ai/sluice/internal/model"
)

const modelURIPrefix = "sluice://models/"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcplib.NewResource(
		"sluice://catalog",
		"Model catalog",
		mcplib.WithResourceDescription("The full routing catalog: every model sluice can route to, with provider, tiers, strengths, context window, and per-million-token pricing. Includes the catalog generation and build time so agents can detect refreshes."),
		mcplib.WithMIMEType("application/json"),
	), s.handleCatalogResource)

	s.mcpServer.AddResourceTemplate(mcplib.NewResourceTemplate(
		modelURIPrefix+"{id}",
		"Catalog model",
		mcplib.WithTemplateDescription("A single catalog entry by model ID, e.g. sluice://models/gpt-4o-mini."),
		mcplib.WithTemplateMIMEType("application/json"),
	), s.handleModelResource)
}

type catalogResource struct {
	Models     []model.ModelOption `json:"models"`
	Generation int64               `json:"generation"`
	BuiltAt    time.Time           `json:"built_at"`
}

func (s *Server) handleCatalogResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snap := s.catalog.Snapshot()
	out, err := json.MarshalIndent(catalogResource{
		Models:     snap.Models(),
		Generation: snap.Generation(),
		BuiltAt:    snap.BuiltAt(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal catalog: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func (s *Server) handleModelResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := parseModelURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	snap := s.catalog.Snapshot()
	opt, ok := snap.ByID(id)
	if !ok {
		return nil, fmt.Errorf("mcp: model %q is not in the catalog", id)
	}

	out, err := json.MarshalIndent(opt, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal model: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

// parseModelURI extracts the model ID from a sluice://models/{id} URI.
func parseModelURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, modelURIPrefix) {
		return "", fmt.Errorf("mcp: model URI must start with %s, got %q", modelURIPrefix, uri)
	}
	id := strings.TrimPrefix(uri, modelURIPrefix)
	if id == "" {
		return "", fmt.Errorf("mcp: model URI %q has an empty model ID", uri)
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: model URI %q has extra path segments", uri)
	}
	return id, nil
}
