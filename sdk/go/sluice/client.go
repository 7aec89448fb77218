package sluice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// userAgent identifies this SDK version to the server.
const userAgent = "sluice-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the sluice server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the sk_ credential. The client exchanges it for a
	// short-lived JWT on first use and refreshes automatically.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with Timeout is used. Events overrides any client timeout for
	// the duration of the stream.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client talks to the sluice orchestration API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sluice: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sluice: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// SubmitChat submits a message for orchestration. The response carries
// only the job ID; everything else, including the generated text, arrives
// on Events.
func (c *Client) SubmitChat(ctx context.Context, req ChatRequest) (*ChatAccepted, error) {
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var resp ChatAccepted
	if err := c.post(ctx, "/v1/chat", req, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a running job. The authoritative
// acknowledgement is the terminal cancelled event on the job's stream; a
// job that already finished ignores the request.
func (c *Client) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return c.post(ctx, "/v1/jobs/"+jobID.String()+"/cancel", nil, nil, nil)
}

// GetJob retrieves one job record. Requires the server to run with
// persistent storage.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var resp Job
	if err := c.get(ctx, "/v1/jobs/"+jobID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobsOptions are optional pagination parameters for ListJobs.
type ListJobsOptions struct {
	Limit  int
	Offset int
}

// ListJobs returns the org's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts *ListJobsOptions) ([]Job, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Catalog returns the server's model catalog. With availableOnly, the
// listing is restricted to models whose provider has a configured key.
func (c *Client) Catalog(ctx context.Context, availableOnly bool) (*CatalogResponse, error) {
	path := "/v1/catalog"
	if availableOnly {
		path += "?available=true"
	}
	var resp CatalogResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Estimate prices a hypothetical request against a catalog model without
// running anything.
func (c *Client) Estimate(ctx context.Context, req EstimateRequest) (*EstimateResponse, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("sluice: ModelID is required")
	}
	params := url.Values{}
	params.Set("model_id", req.ModelID)
	if req.InputTokens > 0 {
		params.Set("input_tokens", strconv.Itoa(req.InputTokens))
	}
	if req.OutputTokens > 0 {
		params.Set("output_tokens", strconv.Itoa(req.OutputTokens))
	}
	if req.Message != "" {
		params.Set("message", req.Message)
	}

	var resp EstimateResponse
	if err := c.get(ctx, "/v1/estimate?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health. Works without credentials, so it can
// probe a server the client cannot authenticate against. An unhealthy
// server answers 503 but still returns the report; callers should check
// Status rather than rely on a non-nil error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("sluice: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sluice: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sluice: read response body: %w", err)
	}

	// The health report is wrapped even on 503, and the report is what the
	// caller wants; fall back to a status error only when it won't decode.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Data != nil {
		var health HealthResponse
		if err := json.Unmarshal(envelope.Data, &health); err == nil && health.Status != "" {
			return &health, nil
		}
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return nil, fmt.Errorf("sluice: unexpected health response body")
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (c *Client) post(ctx context.Context, path string, body any, headers http.Header, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sluice: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sluice: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sluice: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sluice: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sluice: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content has nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("sluice: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("sluice: response carried no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.Meta.RequestID
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
