package server

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-ai/sluice/internal/model"
)

// maxRouterRules caps the size of a single router config.
const maxRouterRules = 100

// HandleGetRouterConfig handles GET /v1/router-config. Returns the
// effective config for the caller: user scope when one exists, else org.
func (h *Handlers) HandleGetRouterConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	cfg, err := h.db.LoadRouterConfig(r.Context(), OrgIDFromContext(r.Context()), UserIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to load router config", err)
		return
	}
	if cfg == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no router config; routing uses built-in heuristics")
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandlePutRouterConfig handles PUT /v1/router-config. Writes at org scope
// by default; pass ?scope=user for a personal config that shadows the
// org's. Jobs already in flight keep the config they started with.
func (h *Handlers) HandlePutRouterConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	var cfg model.RouterConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateRouterConfig(cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	userID, scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	version, err := h.db.SaveRouterConfig(r.Context(), OrgIDFromContext(r.Context()), userID, cfg)
	if err != nil {
		h.writeInternalError(w, r, "failed to save router config", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"scope": scope, "version": version})
}

// HandleDeleteRouterConfig handles DELETE /v1/router-config.
func (h *Handlers) HandleDeleteRouterConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	userID, _, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteRouterConfig(r.Context(), OrgIDFromContext(r.Context()), userID); err != nil {
		if isNotFoundError(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "router config not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete router config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetSettings handles GET /v1/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	threshold, err := h.db.SecurityThreshold(r.Context(), OrgIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to load org settings", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.OrgSettings{SecurityThreshold: threshold})
}

// HandlePutSettings handles PUT /v1/settings. The new threshold applies to
// jobs submitted after the write.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	var settings model.OrgSettings
	if err := decodeJSON(w, r, &settings, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if settings.SecurityThreshold < 0 || settings.SecurityThreshold > 10 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "security_threshold must be between 0 and 10")
		return
	}

	if err := h.db.SetSecurityThreshold(r.Context(), OrgIDFromContext(r.Context()), settings.SecurityThreshold); err != nil {
		h.writeInternalError(w, r, "failed to save org settings", err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

// HandleGetUsage handles GET /v1/usage. Accepts ?period=YYYY-MM (defaults
// to the current month) and returns spend for the window plus a per-user
// breakdown.
func (h *Handlers) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	orgID := OrgIDFromContext(r.Context())

	periodStr := r.URL.Query().Get("period")
	var from time.Time
	if periodStr == "" {
		now := time.Now().UTC()
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		periodStr = from.Format("2006-01")
	} else {
		parsed, err := time.Parse("2006-01", periodStr)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid period format (expected YYYY-MM)")
			return
		}
		from = parsed
	}
	to := from.AddDate(0, 1, 0)

	byUser, err := h.db.UsageByUser(r.Context(), orgID, from, to)
	if err != nil {
		h.writeInternalError(w, r, "failed to get usage", err)
		return
	}

	type userUsage struct {
		UserID  uuid.UUID `json:"user_id"`
		CostUSD float64   `json:"cost_usd"`
	}
	users := make([]userUsage, 0, len(byUser))
	var total float64
	for userID, cost := range byUser {
		users = append(users, userUsage{UserID: userID, CostUSD: cost})
		total += cost
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"org_id":         orgID,
		"period":         periodStr,
		"total_cost_usd": total,
		"by_user":        users,
	})
}

// HandleListHalts handles GET /v1/security/halts: recent security halts
// for the org, newest first.
func (h *Handlers) HandleListHalts(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	limit := queryLimit(r, 50)

	halts, err := h.db.ListSecurityHalts(r.Context(), OrgIDFromContext(r.Context()), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list security halts", err)
		return
	}
	if halts == nil {
		halts = []model.SecurityHalt{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"halts": halts,
		"limit": limit,
	})
}

// HandleProviderHealth handles GET /v1/providers/health: failure counts
// per provider over a recent window, for spotting a degraded upstream.
func (h *Handlers) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}
	windowMinutes := queryInt(r, "window_minutes", 15)
	if windowMinutes < 1 {
		windowMinutes = 1
	}
	if windowMinutes > 24*60 {
		windowMinutes = 24 * 60
	}
	since := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	failures, err := h.db.CountRecentFailures(r.Context(), since)
	if err != nil {
		h.writeInternalError(w, r, "failed to count provider failures", err)
		return
	}

	type providerHealth struct {
		Provider       string `json:"provider"`
		Configured     bool   `json:"configured"`
		RecentFailures int    `json:"recent_failures"`
	}
	var out []providerHealth
	for _, name := range h.providers.Names() {
		out = append(out, providerHealth{
			Provider:       name,
			Configured:     true,
			RecentFailures: failures[name],
		})
		delete(failures, name)
	}
	// Failures recorded for providers no longer configured still show up.
	for name, count := range failures {
		out = append(out, providerHealth{Provider: name, RecentFailures: count})
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"window_minutes": windowMinutes,
		"providers":      out,
	})
}

// scopeFromQuery resolves the ?scope= parameter to the storage convention:
// zero UUID for org scope, the caller's ID for user scope.
func scopeFromQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, model.ConfigScope, bool) {
	switch r.URL.Query().Get("scope") {
	case "", "org":
		return uuid.Nil, model.ScopeOrg, true
	case "user":
		return UserIDFromContext(r.Context()), model.ScopeUser, true
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "scope must be org or user")
		return uuid.Nil, "", false
	}
}

func validateRouterConfig(cfg model.RouterConfig) error {
	if len(cfg.Rules) > maxRouterRules {
		return fmt.Errorf("too many rules: %d (max %d)", len(cfg.Rules), maxRouterRules)
	}
	for i, rule := range cfg.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if rule.Enabled && len(rule.ModelPriority) == 0 {
			return fmt.Errorf("rule %q: enabled rule needs at least one model in model_priority", rule.Name)
		}
		if rule.Conditions.CustomRegex != "" {
			if _, err := regexp.Compile(rule.Conditions.CustomRegex); err != nil {
				return fmt.Errorf("rule %q: invalid custom_regex: %v", rule.Name, err)
			}
		}
	}
	return nil
}
