package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// sseKeepaliveInterval is how often a comment frame is written so proxies
// do not idle out a quiet stream.
const sseKeepaliveInterval = 15 * time.Second

// HandleJobEvents handles GET /v1/jobs/{id}/events: a Server-Sent Events
// stream of the job's phase updates. The journal is replayed from the
// beginning, or from the sequence in Last-Event-ID on reconnect, and the
// stream closes itself once the terminal update has been written.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Same ownership rule as the read endpoints: with storage configured, a
	// job outside the caller's org does not exist.
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	var lastSeq int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The stream outlives any server-level write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	updates, unsubscribe := h.hub.Subscribe(jobID)
	defer unsubscribe()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case u, open := <-updates:
			if !open {
				// Hub shut down, or this subscriber fell too far behind
				// and was dropped.
				return
			}
			if u.Seq <= lastSeq {
				continue
			}
			if err := writeSSEUpdate(w, u); err != nil {
				return
			}
			flusher.Flush()
			if u.Phase == model.PhaseComplete || u.Phase == model.PhaseCancelled {
				return
			}
		}
	}
}

// writeSSEUpdate writes one update as an SSE frame. Seq doubles as the
// event ID so EventSource reconnects resume where they left off.
func writeSSEUpdate(w io.Writer, u model.PhaseUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("server: marshal update: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", u.Seq, data)
	return err
}
