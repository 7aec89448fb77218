package sluice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenManager exchanges the API key for a short-lived JWT and refreshes
// it before expiry, so the raw key travels only on the token endpoint.
// Safe for concurrent use.
type tokenManager struct {
	baseURL string
	apiKey  string
	client  *http.Client
	margin  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.fresh() {
		return tm.token, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// fresh reports whether the cached token still has at least margin left.
func (tm *tokenManager) fresh() bool {
	return tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin))
}

type authTokenRequest struct {
	APIKey string `json:"api_key"`
}

type authTokenEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authTokenRequest{APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("sluice: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sluice: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("sluice: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sluice: auth failed with status %d", resp.StatusCode)
	}

	var envelope authTokenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("sluice: decode auth response: %w", err)
	}
	if envelope.Data.Token == "" {
		return fmt.Errorf("sluice: auth response carried no token")
	}

	tm.token = envelope.Data.Token
	tm.expiresAt = envelope.Data.ExpiresAt
	return nil
}
