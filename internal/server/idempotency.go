package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// idempotencyTTL is how long a completed submission stays replayable.
const idempotencyTTL = 24 * time.Hour

// idempotencySweepEvery bounds how often expired entries are collected.
const idempotencySweepEvery = time.Minute

type idemState int

const (
	idemPending idemState = iota
	idemDone
)

type idemEntry struct {
	state       idemState
	requestHash string
	response    model.ChatAccepted
	createdAt   time.Time
}

// idempotencyLog is an in-memory register of chat submissions keyed by org
// and Idempotency-Key header. A duplicate submission replays the original
// job ID instead of starting a second pipeline run. Entries are
// process-local; a restart forgets them, which at worst costs the client
// one duplicate run.
type idempotencyLog struct {
	mu        sync.Mutex
	entries   map[string]*idemEntry
	ttl       time.Duration
	lastSweep time.Time
}

func newIdempotencyLog(ttl time.Duration) *idempotencyLog {
	return &idempotencyLog{
		entries:   make(map[string]*idemEntry),
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

type idempotencyHandle struct {
	key string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentChat checks/reuses/reserves the request's idempotency key.
// Returns (nil, true) when no idempotency key is present and the caller
// should proceed normally; when the second value is false the response
// (replay or conflict) has already been written.
func (h *Handlers) beginIdempotentChat(w http.ResponseWriter, r *http.Request, req model.ChatRequest) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}

	// Org and user IDs are excluded from the request's JSON, so the hash
	// covers only the client-visible payload; the log key is org-scoped.
	hash, err := requestHash(req)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	logKey := req.OrgID.String() + ":" + key

	h.idem.mu.Lock()
	defer h.idem.mu.Unlock()
	h.idem.sweepLocked(time.Now())

	if e, ok := h.idem.entries[logKey]; ok {
		if e.state == idemPending {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
			return nil, false
		}
		if e.requestHash != hash {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
			return nil, false
		}
		w.Header().Set("Idempotency-Replayed", "true")
		writeJSON(w, r, http.StatusAccepted, e.response)
		return nil, false
	}

	h.idem.entries[logKey] = &idemEntry{
		state:       idemPending,
		requestHash: hash,
		createdAt:   time.Now(),
	}
	return &idempotencyHandle{key: logKey}, true
}

// completeIdempotentChat records the accepted job so later duplicates
// replay it.
func (h *Handlers) completeIdempotentChat(idem *idempotencyHandle, accepted model.ChatAccepted) {
	if idem == nil {
		return
	}
	h.idem.mu.Lock()
	defer h.idem.mu.Unlock()
	if e, ok := h.idem.entries[idem.key]; ok {
		e.state = idemDone
		e.response = accepted
	}
}

// clearIdempotentChat releases a reservation whose submission failed, so
// the client may retry with the same key.
func (h *Handlers) clearIdempotentChat(idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	h.idem.mu.Lock()
	defer h.idem.mu.Unlock()
	delete(h.idem.entries, idem.key)
}

// sweepLocked drops expired entries. Caller holds mu.
func (l *idempotencyLog) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idempotencySweepEvery {
		return
	}
	l.lastSweep = now
	for k, e := range l.entries {
		if now.Sub(e.createdAt) > l.ttl {
			delete(l.entries, k)
		}
	}
}
