package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropic creates the Anthropic adapter. baseURL overrides the public
// endpoint when non-empty (used by tests and proxies).
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent is the union of the delta events we care about.
// content_block_delta carries text; everything else is structural.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) buildRequest(modelID string, messages []model.ChatMessage, params model.ParameterTuning, stream bool) anthropicRequest {
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropicRequest{
		Model:     modelID,
		MaxTokens: maxTokens,
		Messages:  msgs,
		Stream:    stream,
	}
	if params.Temperature > 0 {
		t := params.Temperature
		req.Temperature = &t
	}
	if params.TopP > 0 && params.TopP < 1 {
		p := params.TopP
		req.TopP = &p
	}
	return req
}

func (a *Anthropic) do(ctx context.Context, payload anthropicRequest, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(a.Name(), KindOutage, 0, "request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		msg := anthropicErrorMessage(raw)
		return nil, NewError(a.Name(), classifyStatus(resp.StatusCode), resp.StatusCode, msg, nil)
	}
	return resp, nil
}

// anthropicErrorMessage extracts the error message from an error envelope,
// falling back to the raw body.
func anthropicErrorMessage(raw []byte) string {
	var env anthropicErrorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// Generate implements Provider.
func (a *Anthropic) Generate(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning) (string, error) {
	resp, err := a.do(ctx, a.buildRequest(modelID, messages, params, false), false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", NewError(a.Name(), KindBadResponse, resp.StatusCode, "decode response", err)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", NewError(a.Name(), KindBadResponse, resp.StatusCode, "empty completion", nil)
	}
	return sb.String(), nil
}

// Stream implements Provider.
func (a *Anthropic) Stream(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning, onToken TokenFunc) (string, error) {
	resp, err := a.do(ctx, a.buildRequest(modelID, messages, params, true), true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	reader := newSSEReader(resp.Body)
	var sb strings.Builder

	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		default:
		}

		eventType, data, err := reader.readEvent()
		if err != nil {
			if err == io.EOF {
				return sb.String(), nil
			}
			if ctx.Err() != nil {
				return sb.String(), ctx.Err()
			}
			return sb.String(), NewError(a.Name(), KindBadResponse, 0, "stream interrupted", err)
		}

		if eventType == "message_stop" {
			return sb.String(), nil
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return sb.String(), NewError(a.Name(), KindBadResponse, 0, "malformed stream event", err)
		}
		if ev.Type == "error" || ev.Error != nil {
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return sb.String(), NewError(a.Name(), KindOutage, 0, msg, nil)
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			sb.WriteString(ev.Delta.Text)
			if onToken != nil {
				onToken(ev.Delta.Text)
			}
		}
	}
}
