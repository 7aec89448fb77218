package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-ai/sluice/internal/auth"
	"github.com/sluice-ai/sluice/internal/model"
)

// HandleCreateKey handles POST /v1/keys. The response is the only place
// the raw key ever appears; from then on the server holds just the prefix
// and the Argon2id hash.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	claims := ClaimsFromContext(r.Context())

	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Label == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "label is required")
		return
	}
	if len(req.Label) > 128 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "label must be at most 128 characters")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid expires_at format (expected RFC3339)")
			return
		}
		if t.Before(time.Now()) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at must be in the future")
			return
		}
		expiresAt = &t
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}

	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateAPIKey(r.Context(), model.APIKey{
		Prefix:    prefix,
		KeyHash:   hash,
		OrgID:     claims.OrgID,
		UserID:    claims.UserID,
		Label:     req.Label,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create api key", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{
		APIKey: created,
		RawKey: rawKey,
	})
}

// HandleListKeys handles GET /v1/keys. Listed keys carry the prefix and
// metadata only, never the hash.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	limit := queryLimit(r, 50)

	keys, err := h.db.ListAPIKeys(r.Context(), OrgIDFromContext(r.Context()), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list api keys", err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"keys":  keys,
		"limit": limit,
	})
}

// HandleRevokeKey handles DELETE /v1/keys/{id}. Revocation sets
// revoked_at; the key stops authenticating on the next request.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid key id")
		return
	}

	if err := h.db.RevokeAPIKey(r.Context(), OrgIDFromContext(r.Context()), keyID); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found")
			return
		}
		h.writeInternalError(w, r, "failed to revoke api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
