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

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAI calls the OpenAI Chat Completions API.
type OpenAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates the OpenAI adapter. baseURL overrides the public
// endpoint when non-empty; this also serves OpenAI-compatible gateways.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openaiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *OpenAI) buildRequest(modelID string, messages []model.ChatMessage, params model.ParameterTuning, stream bool) openaiRequest {
	msgs := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content})
	}
	req := openaiRequest{
		Model:     modelID,
		Messages:  msgs,
		MaxTokens: params.MaxTokens,
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

func (o *OpenAI) do(ctx context.Context, payload openaiRequest, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(o.Name(), KindOutage, 0, "request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		var env openaiErrorEnvelope
		msg := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, NewError(o.Name(), classifyStatus(resp.StatusCode), resp.StatusCode, msg, nil)
	}
	return resp, nil
}

// Generate implements Provider.
func (o *OpenAI) Generate(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning) (string, error) {
	resp, err := o.do(ctx, o.buildRequest(modelID, messages, params, false), false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", NewError(o.Name(), KindBadResponse, resp.StatusCode, "decode response", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", NewError(o.Name(), KindBadResponse, resp.StatusCode, "empty completion", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream implements Provider.
func (o *OpenAI) Stream(ctx context.Context, modelID string, messages []model.ChatMessage, params model.ParameterTuning, onToken TokenFunc) (string, error) {
	resp, err := o.do(ctx, o.buildRequest(modelID, messages, params, true), true)
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

		_, data, err := reader.readEvent()
		if err != nil {
			if err == io.EOF {
				return sb.String(), nil
			}
			if ctx.Err() != nil {
				return sb.String(), ctx.Err()
			}
			return sb.String(), NewError(o.Name(), KindBadResponse, 0, "stream interrupted", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return sb.String(), nil
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return sb.String(), NewError(o.Name(), KindBadResponse, 0, "malformed stream chunk", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			sb.WriteString(token)
			if onToken != nil {
				onToken(token)
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			return sb.String(), nil
		}
	}
}
