package sluice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the sluice API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register the token endpoint.
	if _, ok := handlers["POST /v1/auth/token"]; !ok {
		mux.HandleFunc("POST /v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		APIKey:  "sk_test_key",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestSubmitChatReturnsJobID(t *testing.T) {
	jobID := uuid.New()

	var receivedBody map[string]any
	var receivedHeaders http.Header
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, r *http.Request) {
			receivedHeaders = r.Header.Clone()
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": ChatAccepted{JobID: jobID},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.SubmitChat(context.Background(), ChatRequest{
		Message:        "summarize this document",
		History:        []ChatMessage{{Role: "user", Content: "hello"}},
		TaskTypeHint:   "summarization",
		IdempotencyKey: "retry-safe-1",
	})
	if err != nil {
		t.Fatalf("SubmitChat failed: %v", err)
	}
	if resp.JobID != jobID {
		t.Errorf("expected job ID %s, got %s", jobID, resp.JobID)
	}

	if receivedBody["message"] != "summarize this document" {
		t.Errorf("expected message in wire body, got %v", receivedBody["message"])
	}
	if receivedBody["task_type_hint"] != "summarization" {
		t.Errorf("expected task_type_hint in wire body, got %v", receivedBody["task_type_hint"])
	}
	if _, ok := receivedBody["IdempotencyKey"]; ok {
		t.Error("IdempotencyKey must not be serialized into the body")
	}
	if got := receivedHeaders.Get("Idempotency-Key"); got != "retry-safe-1" {
		t.Errorf("expected Idempotency-Key header 'retry-safe-1', got %q", got)
	}
	if got := receivedHeaders.Get("User-Agent"); got != "sluice-go/0.1.0" {
		t.Errorf("expected User-Agent 'sluice-go/0.1.0', got %q", got)
	}
}

func TestSubmitChatIdempotencyConflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "CONFLICT", "message": "idempotency key reused with a different request"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitChat(context.Background(), ChatRequest{
		Message:        "different body",
		IdempotencyKey: "retry-safe-1",
	})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !IsConflict(err) {
		t.Errorf("expected IsConflict, got %v", err)
	}
}

func TestEventsStreamsUntilTerminal(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)

			events := []PhaseUpdate{
				{JobID: jobID, Seq: 1, Phase: PhaseAnalyzing, Status: StatusProcessing},
				{JobID: jobID, Seq: 2, Phase: PhaseGenerating, Status: StatusProcessing, Payload: map[string]any{"token": "Hello"}},
				{JobID: jobID, Seq: 3, Phase: PhaseResponse, Status: StatusCompleted, Payload: map[string]any{"response": "Hello, world"}},
				{JobID: jobID, Seq: 4, Phase: PhaseComplete, Status: StatusCompleted},
			}
			for _, ev := range events {
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
				flusher.Flush()
			}
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	updates, errs, err := client.Events(context.Background(), jobID, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	var got []PhaseUpdate
	for u := range updates {
		got = append(got, u)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(got))
	}
	for i, u := range got {
		if u.Seq != int64(i+1) {
			t.Errorf("update %d: expected seq %d, got %d", i, i+1, u.Seq)
		}
	}
	if tok := got[1].Token(); tok != "Hello" {
		t.Errorf("expected token 'Hello', got %q", tok)
	}
	if text := got[2].ResponseText(); text != "Hello, world" {
		t.Errorf("expected response text 'Hello, world', got %q", text)
	}
	if !got[3].Terminal() {
		t.Error("expected final update to be terminal")
	}
}

func TestEventsSendsLastEventID(t *testing.T) {
	jobID := uuid.New()

	var receivedLastEventID atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			receivedLastEventID.Store(r.Header.Get("Last-Event-ID"))
			w.Header().Set("Content-Type", "text/event-stream")
			ev := PhaseUpdate{JobID: jobID, Seq: 8, Phase: PhaseComplete, Status: StatusCompleted}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	updates, errs, err := client.Events(context.Background(), jobID, 7)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	for range updates {
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if got := receivedLastEventID.Load(); got != "7" {
		t.Errorf("expected Last-Event-ID '7', got %v", got)
	}
}

func TestEventsReportsBrokenStream(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			ev := PhaseUpdate{JobID: jobID, Seq: 1, Phase: PhaseAnalyzing, Status: StatusProcessing}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			// Handler returns without a terminal event: connection closes.
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	updates, errs, err := client.Events(context.Background(), jobID, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	var got []PhaseUpdate
	for u := range updates {
		got = append(got, u)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 update before the break, got %d", len(got))
	}
	if err := <-errs; err == nil {
		t.Fatal("expected an error for a stream that ended without a terminal update")
	}
}

func TestEventsRejectsUnknownJob(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "job not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.Events(context.Background(), uuid.New(), 0)
	if err == nil {
		t.Fatal("expected setup error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
}

func TestCancelRequestsCancellation(t *testing.T) {
	jobID := uuid.New()

	var called atomic.Bool
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/jobs/{id}/cancel": func(w http.ResponseWriter, r *http.Request) {
			called.Store(true)
			if r.PathValue("id") != jobID.String() {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"code": "NOT_FOUND", "message": "job not found"},
				})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": map[string]any{"job_id": jobID, "status": "cancelling"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !called.Load() {
		t.Error("expected cancel endpoint to be called")
	}
}

func TestCatalogAvailableFilter(t *testing.T) {
	var receivedQuery atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/catalog": func(w http.ResponseWriter, r *http.Request) {
			receivedQuery.Store(r.URL.RawQuery)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": CatalogResponse{
					Models: []ModelOption{
						{Provider: "anthropic", ModelID: "claude-sonnet-4-5", CostTier: "high", SpeedTier: "medium"},
					},
					Generation: 3,
					BuiltAt:    time.Now().UTC(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Catalog(context.Background(), true)
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ModelID != "claude-sonnet-4-5" {
		t.Errorf("unexpected models: %+v", resp.Models)
	}
	if resp.Generation != 3 {
		t.Errorf("expected generation 3, got %d", resp.Generation)
	}
	if got := receivedQuery.Load(); got != "available=true" {
		t.Errorf("expected query 'available=true', got %v", got)
	}
}

func TestEstimateBuildsQuery(t *testing.T) {
	var receivedQuery atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/estimate": func(w http.ResponseWriter, r *http.Request) {
			receivedQuery.Store(r.URL.Query())
			writeJSON(w, http.StatusOK, map[string]any{
				"data": EstimateResponse{
					ModelID:      "gpt-4o-mini",
					Provider:     "openai",
					InputTokens:  1200,
					OutputTokens: 500,
					Estimate:     CostEstimate{TotalCost: 0.00048, Display: "<$0.01"},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Estimate(context.Background(), EstimateRequest{
		ModelID:      "gpt-4o-mini",
		InputTokens:  1200,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if resp.Estimate.TotalCost != 0.00048 {
		t.Errorf("expected total cost 0.00048, got %f", resp.Estimate.TotalCost)
	}

	q := receivedQuery.Load().(url.Values)
	if got := q["model_id"]; len(got) != 1 || got[0] != "gpt-4o-mini" {
		t.Errorf("expected model_id param, got %v", got)
	}
	if got := q["input_tokens"]; len(got) != 1 || got[0] != "1200" {
		t.Errorf("expected input_tokens param, got %v", got)
	}

	if _, err := client.Estimate(context.Background(), EstimateRequest{}); err == nil {
		t.Error("expected error for missing ModelID")
	}
}

func TestListJobsPagination(t *testing.T) {
	var receivedQuery atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs": func(w http.ResponseWriter, r *http.Request) {
			receivedQuery.Store(r.URL.Query())
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"jobs":   []Job{{ID: uuid.New(), Status: "completed"}},
					"limit":  20,
					"offset": 40,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	jobs, err := client.ListJobs(context.Background(), &ListJobsOptions{Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" {
		t.Errorf("unexpected jobs: %+v", jobs)
	}

	q := receivedQuery.Load().(map[string][]string)
	if got := q["limit"]; len(got) != 1 || got[0] != "20" {
		t.Errorf("expected limit param '20', got %v", got)
	}
	if got := q["offset"]; len(got) != 1 || got[0] != "40" {
		t.Errorf("expected offset param '40', got %v", got)
	}
}

func TestTokenRefreshedOnExpiry(t *testing.T) {
	var authCalls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					// Already inside the refresh margin, so every request
					// re-exchanges.
					"token":      fmt.Sprintf("token-%d", authCalls.Load()),
					"expires_at": time.Now().Format(time.RFC3339),
				},
			})
		},
		"GET /v1/jobs": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"jobs": []Job{}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 2 {
		if _, err := client.ListJobs(context.Background(), nil); err != nil {
			t.Fatalf("ListJobs failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 2 {
		t.Errorf("expected 2 token exchanges, got %d", got)
	}
}

func TestErrorCarriesServerDetail(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "job not found"},
				"meta":  map[string]any{"request_id": "req-123"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetJob(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound, got %v", err)
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %q", apiErr.Code)
	}
	if apiErr.Message != "job not found" {
		t.Errorf("expected server message, got %q", apiErr.Message)
	}
	if apiErr.RequestID != "req-123" {
		t.Errorf("expected request ID 'req-123', got %q", apiErr.RequestID)
	}
}

func TestHealthDecodesUnhealthyReport(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /healthz": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"data": HealthResponse{
					Status:   "unhealthy",
					Version:  "1.2.0",
					Postgres: "disconnected",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", health.Status)
	}
	if health.Postgres != "disconnected" {
		t.Errorf("expected postgres 'disconnected', got %q", health.Postgres)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "sk_x"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost:8080"}); err == nil {
		t.Error("expected error for missing APIKey")
	}
	c, err := NewClient(Config{BaseURL: "http://localhost:8080/", APIKey: "sk_x"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
}
