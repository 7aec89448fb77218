package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/sluice-ai/sluice/internal/model"
)

// Gemini calls the Google Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates the Gemini adapter.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider: gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("provider: create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

func geminiContents(messages []model.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		var role genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func geminiConfig(params model.ParameterTuning) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(params.Temperature))
	}
	if params.TopP > 0 && params.TopP < 1 {
		cfg.TopP = genai.Ptr(float32(params.TopP))
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}
	return cfg
}

// classifyGeminiErr converts an SDK error into a classified provider error.
func (g *Gemini) classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewError(g.Name(), classifyStatus(apiErr.Code), apiErr.Code, apiErr.Message, err)
	}
	return NewError(g.Name(), KindOutage, 0, "request failed", err)
}

// Generate implements Provider.
func (g *Gemini) Generate(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, modelID, geminiContents(messages), geminiConfig(params))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", g.classifyGeminiErr(err)
	}
	text := resp.Text()
	if text == "" {
		return "", NewError(g.Name(), KindBadResponse, 0, "empty completion", nil)
	}
	return text, nil
}

// Stream implements Provider.
func (g *Gemini) Stream(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning, onToken TokenFunc) (string, error) {
	var sb strings.Builder

	for resp, err := range g.client.Models.GenerateContentStream(ctx, modelID, geminiContents(messages), geminiConfig(params)) {
		if err != nil {
			if ctx.Err() != nil {
				return sb.String(), ctx.Err()
			}
			return sb.String(), g.classifyGeminiErr(err)
		}

		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		default:
		}

		if token := resp.Text(); token != "" {
			sb.WriteString(token)
			if onToken != nil {
				onToken(token)
			}
		}
	}

	if sb.Len() == 0 {
		return "", NewError(g.Name(), KindBadResponse, 0, "empty stream", nil)
	}
	return sb.String(), nil
}
