package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// Provider turns text into embedding vectors for similarity lookups.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch returns vectors for several texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions is the width of every vector this provider produces.
	Dimensions() int
}

// OpenAIProvider generates embeddings through an OpenAI-compatible
// /embeddings endpoint. The dimensions parameter is sent explicitly so the
// vectors always match the response_cache column width regardless of the
// model's default.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an embedding provider against baseURL
// (e.g. "https://api.openai.com/v1" or any compatible endpoint).
func NewOpenAIProvider(baseURL, apiKey, model string, dimensions int) *OpenAIProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed is EmbedBatch for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(embedRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("cache: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("cache: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cache: send embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cache: read embed response: %w", err)
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("cache: unmarshal embed response: %w", err)
	}

	if result.Error != nil {
		return nil, fmt.Errorf("cache: embedding error: %s: %s", result.Error.Type, result.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cache: unexpected embed status %d: %s", resp.StatusCode, string(body))
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("cache: got %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	// The API may return entries out of order; place by index.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("cache: invalid index %d in embed response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}

	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no embedding endpoint is
// configured; the cache treats zero vectors as unembeddable and skips.
type NoopProvider struct {
	dims int
}

// NewNoopProvider makes a zero-vector provider of the given width.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

func (p *NoopProvider) Dimensions() int {
	return p.dims
}

func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
