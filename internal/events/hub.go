// Package events delivers per-job phase updates in order.
//
// Each job gets a journal: Publish appends and assigns the next sequence
// number, Subscribe replays everything journaled so far and then streams
// live updates. A subscriber that cannot keep up is disconnected rather
// than skipped, so a delivered stream is always gap-free and in order; the
// transport layer replays the journal on reconnect.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/telemetry"
)

const (
	defaultBuffer = 256

	sweepInterval = time.Minute
	// retention is how long a finished journal stays replayable.
	retention = 10 * time.Minute
)

// Hub owns the live job journals.
type Hub struct {
	logger  *slog.Logger
	bufSize int
	taps    []func(model.PhaseUpdate)

	mu   sync.RWMutex
	jobs map[uuid.UUID]*journal

	lagged atomic.Int64
}

type journal struct {
	mu      sync.Mutex
	updates []model.PhaseUpdate
	subs    map[chan model.PhaseUpdate]struct{}
	seq     int64
	doneAt  time.Time // set when a terminal update lands
}

// NewHub creates a hub. bufSize is each subscriber's live headroom; at or
// below zero uses the default.
func NewHub(bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	h := &Hub{
		logger:  logger.With("component", "events"),
		bufSize: bufSize,
		jobs:    make(map[uuid.UUID]*journal),
	}
	h.registerMetrics()
	return h
}

// Tap registers fn to observe every stamped update across all jobs. Taps
// run on the publishing goroutine and must return quickly. Register all
// taps before the hub carries traffic; Tap is not safe to call
// concurrently with Publish.
func (h *Hub) Tap(fn func(model.PhaseUpdate)) {
	h.taps = append(h.taps, fn)
}

// Publish journals u for its job and fans it out to subscribers. The hub
// assigns Seq and OccurredAt; the caller's values for those fields are
// ignored. Returns the stamped update.
func (h *Hub) Publish(u model.PhaseUpdate) model.PhaseUpdate {
	j := h.journalFor(u.JobID)

	j.mu.Lock()
	j.seq++
	u.Seq = j.seq
	u.OccurredAt = time.Now().UTC()
	j.updates = append(j.updates, u)
	if u.Phase == model.PhaseComplete || u.Phase == model.PhaseCancelled {
		j.doneAt = u.OccurredAt
	}

	var dropped int
	for ch := range j.subs {
		select {
		case ch <- u:
		default:
			// A full buffer means the subscriber lost ordering headroom.
			// Disconnect it; reconnecting replays the journal gap-free.
			delete(j.subs, ch)
			close(ch)
			dropped++
		}
	}
	j.mu.Unlock()

	if dropped > 0 {
		h.lagged.Add(int64(dropped))
		h.logger.Warn("disconnected lagging subscribers",
			"job_id", u.JobID, "count", dropped)
	}

	for _, tap := range h.taps {
		tap(u)
	}
	return u
}

// Subscribe returns a channel that first replays every update already
// journaled for the job, then delivers live updates in order. The channel
// closes when cancel runs, the hub closes, or the subscriber lags too far
// behind.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan model.PhaseUpdate, func()) {
	j := h.journalFor(jobID)

	j.mu.Lock()
	ch := make(chan model.PhaseUpdate, len(j.updates)+h.bufSize)
	for _, u := range j.updates {
		ch <- u
	}
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
		j.mu.Unlock()
	}
	return ch, cancel
}

// History returns a copy of the journaled updates for a job, oldest first.
// Nil when the job has no journal (unknown, or already swept).
func (h *Hub) History(jobID uuid.UUID) []model.PhaseUpdate {
	h.mu.RLock()
	j, ok := h.jobs[jobID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.PhaseUpdate, len(j.updates))
	copy(out, j.updates)
	return out
}

// Run sweeps finished journals until ctx is cancelled. A journal stays
// replayable for a grace period after its terminal update so reconnecting
// clients can still catch up. Call in a dedicated goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, j := range h.jobs {
		j.mu.Lock()
		expired := !j.doneAt.IsZero() && now.Sub(j.doneAt) > retention
		if expired {
			for ch := range j.subs {
				close(ch)
			}
			j.subs = nil
		}
		j.mu.Unlock()
		if expired {
			delete(h.jobs, id)
		}
	}
}

// Close disconnects every subscriber and drops all journals.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, j := range h.jobs {
		j.mu.Lock()
		for ch := range j.subs {
			close(ch)
		}
		j.subs = nil
		j.mu.Unlock()
		delete(h.jobs, id)
	}
}

func (h *Hub) journalFor(jobID uuid.UUID) *journal {
	h.mu.RLock()
	j, ok := h.jobs[jobID]
	h.mu.RUnlock()
	if ok {
		return j
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if j, ok := h.jobs[jobID]; ok {
		return j
	}
	j = &journal{subs: make(map[chan model.PhaseUpdate]struct{})}
	h.jobs[jobID] = j
	return j
}

func (h *Hub) registerMetrics() {
	meter := telemetry.Meter("sluice/events")

	_, _ = meter.Int64ObservableGauge("sluice.events.journals",
		metric.WithDescription("Live job journals held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			h.mu.RLock()
			n := len(h.jobs)
			h.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sluice.events.lagged_disconnects_total",
		metric.WithDescription("Subscribers disconnected for falling behind"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.lagged.Load())
			return nil
		}),
	)
}
