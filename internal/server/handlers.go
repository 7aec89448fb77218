package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-ai/sluice/internal/admission"
	"github.com/sluice-ai/sluice/internal/auth"
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/events"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/routing"
	"github.com/sluice-ai/sluice/internal/storage"
)

// Pipeline is the slice of the orchestrator the HTTP layer needs.
type Pipeline interface {
	Start(ctx context.Context, req model.ChatRequest) (model.Job, error)
	Cancel(jobID uuid.UUID)
	InFlight() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline            Pipeline
	hub                 *events.Hub
	catalog             *catalog.Catalog
	providers           *provider.Registry
	admission           admission.Controller
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	idem                *idempotencyLog
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Admission, DB, JWTMgr, OpenAPISpec.
type HandlersDeps struct {
	Pipeline            Pipeline
	Hub                 *events.Hub
	Catalog             *catalog.Catalog
	Providers           *provider.Registry
	Admission           admission.Controller
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		pipeline:            d.Pipeline,
		hub:                 d.Hub,
		catalog:             d.Catalog,
		providers:           d.Providers,
		admission:           d.Admission,
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		idem:                newIdempotencyLog(idempotencyTTL),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleChat handles POST /v1/chat. The response carries only the job ID;
// all pipeline progress flows through the job's event stream.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.OrgID = claims.OrgID
	req.UserID = claims.UserID
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if h.admission != nil {
		decision, err := h.admission.CheckAndReserve(r.Context(), admission.Identity{
			OrgID:  req.OrgID,
			UserID: req.UserID,
		})
		if err != nil {
			h.logger.Warn("admission check failed, admitting request", "error", err)
		} else if !decision.Allowed {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, decision.Reason)
			return
		}
	}

	idem, proceed := h.beginIdempotentChat(w, r, req)
	if !proceed {
		return
	}

	job, err := h.pipeline.Start(r.Context(), req)
	if err != nil {
		h.clearIdempotentChat(idem)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "pipeline is shutting down")
		return
	}

	accepted := model.ChatAccepted{JobID: job.ID}
	h.completeIdempotentChat(idem, accepted)
	writeJSON(w, r, http.StatusAccepted, accepted)
}

// HandleCancelJob handles POST /v1/jobs/{id}/cancel. The acknowledgement is
// a terminal cancelled event on the job's stream, not this response.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// With storage configured every started job has a row, so an org-scoped
	// miss means the job is not ours to cancel.
	if h.db != nil {
		if _, err := h.db.GetJob(r.Context(), OrgIDFromContext(r.Context()), jobID); err != nil {
			if isNotFoundError(err) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
				return
			}
			h.writeInternalError(w, r, "failed to look up job", err)
			return
		}
	}

	h.pipeline.Cancel(jobID)
	writeJSON(w, r, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "cancelling"})
}

// HandleGetJob handles GET /v1/jobs/{id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	job, err := h.db.GetJob(r.Context(), OrgIDFromContext(r.Context()), jobID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "failed to get job", err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	jobs, err := h.db.ListJobs(r.Context(), OrgIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleCatalog handles GET /v1/catalog. Pass ?available=true to restrict
// the listing to models whose provider has a configured key.
func (h *Handlers) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	snap := h.catalog.Snapshot()
	models := snap.Models()
	if r.URL.Query().Get("available") == "true" {
		models = snap.ForProviders(h.providers.Available)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"models":     models,
		"generation": snap.Generation(),
		"built_at":   snap.BuiltAt(),
	})
}

// HandleEstimate handles GET /v1/estimate. Either input_tokens or message
// must be supplied; output_tokens defaults to the pipeline's planning
// figure.
func (h *Handlers) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "model_id is required")
		return
	}
	option, ok := h.catalog.Snapshot().ByID(modelID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown model: "+modelID)
		return
	}

	inputTokens := queryInt(r, "input_tokens", 0)
	if msg := r.URL.Query().Get("message"); msg != "" && inputTokens == 0 {
		inputTokens = routing.EstimateTokens(msg)
	}
	if inputTokens <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input_tokens or message is required")
		return
	}
	outputTokens := queryInt(r, "output_tokens", routing.DefaultOutputTokens)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"model_id":      option.ModelID,
		"provider":      option.Provider,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"estimate":      routing.EstimateCost(option, inputTokens, outputTokens),
	})
}

// HandleAuthToken handles POST /v1/auth/token: exchanges a valid API key
// for a short-lived JWT, for clients that prefer not to send the raw key
// on every request.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "token auth not configured")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	claims := verifyAPIKeyCredential(r.Context(), h.db, req.APIKey)
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(claims.OrgID, claims.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "unconfigured"
	if h.db != nil {
		pgStatus = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	providers := h.providers.Names()
	if len(providers) == 0 && status == "healthy" {
		// Reachable but unable to serve generations.
		status = "degraded"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		Providers:     providers,
		CatalogModels: h.catalog.Snapshot().Len(),
		InFlightJobs:  h.pipeline.InFlight(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": h.version})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// requireDB rejects endpoints that need persistent storage when the server
// runs without it.
func (h *Handlers) requireDB(w http.ResponseWriter, r *http.Request) bool {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "persistent storage not configured")
		return false
	}
	return true
}

func isNotFoundError(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("job id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents absurdly large offsets that force expensive scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a bounded, non-negative offset.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}
