package events_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-ai/sluice/internal/events"
	"github.com/sluice-ai/sluice/internal/model"
)

func newTestHub(bufSize int) *events.Hub {
	return events.NewHub(bufSize, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func update(jobID uuid.UUID, phase model.Phase) model.PhaseUpdate {
	return model.PhaseUpdate{JobID: jobID, Phase: phase, Status: model.PhaseStatusProcessing}
}

func recv(t *testing.T, ch <-chan model.PhaseUpdate) model.PhaseUpdate {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed while an update was expected")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return model.PhaseUpdate{}
	}
}

// ---- Ordering ----

func TestPublishAssignsIncreasingSeq(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	first := h.Publish(update(jobID, model.PhaseAnalyzing))
	second := h.Publish(update(jobID, model.PhaseModel))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.OccurredAt.IsZero())
}

func TestSeqIsPerJob(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()

	a := h.Publish(update(uuid.New(), model.PhaseAnalyzing))
	b := h.Publish(update(uuid.New(), model.PhaseAnalyzing))

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq)
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	h.Publish(update(jobID, model.PhaseAnalyzing))
	h.Publish(update(jobID, model.PhaseSecurity))
	h.Publish(update(jobID, model.PhaseModel))

	ch, cancel := h.Subscribe(jobID)
	defer cancel()

	h.Publish(update(jobID, model.PhaseGenerating))
	h.Publish(update(jobID, model.PhaseComplete))

	wantPhases := []model.Phase{
		model.PhaseAnalyzing, model.PhaseSecurity, model.PhaseModel,
		model.PhaseGenerating, model.PhaseComplete,
	}
	for i, want := range wantPhases {
		u := recv(t, ch)
		assert.Equal(t, want, u.Phase)
		assert.Equal(t, int64(i+1), u.Seq, "updates arrive in journal order with no gaps")
	}
}

func TestTwoSubscribersBothSeeEverything(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	chA, cancelA := h.Subscribe(jobID)
	defer cancelA()
	chB, cancelB := h.Subscribe(jobID)
	defer cancelB()

	h.Publish(update(jobID, model.PhaseAnalyzing))
	h.Publish(update(jobID, model.PhaseComplete))

	for _, ch := range []<-chan model.PhaseUpdate{chA, chB} {
		assert.Equal(t, model.PhaseAnalyzing, recv(t, ch).Phase)
		assert.Equal(t, model.PhaseComplete, recv(t, ch).Phase)
	}
}

// ---- Terminal updates ----

func TestPublishAfterTerminalStillDelivers(t *testing.T) {
	// A cancel acknowledgement can land after the job already completed;
	// subscribers must still see it.
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	ch, cancel := h.Subscribe(jobID)
	defer cancel()

	h.Publish(update(jobID, model.PhaseComplete))
	h.Publish(update(jobID, model.PhaseCancelled))

	assert.Equal(t, model.PhaseComplete, recv(t, ch).Phase)
	assert.Equal(t, model.PhaseCancelled, recv(t, ch).Phase)
}

// ---- Disconnection ----

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	ch, cancel := h.Subscribe(jobID)
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic or block.
	h.Publish(update(jobID, model.PhaseAnalyzing))
}

func TestLaggingSubscriberIsDisconnected(t *testing.T) {
	h := newTestHub(1)
	defer h.Close()
	jobID := uuid.New()

	ch, cancel := h.Subscribe(jobID) // headroom of exactly one update
	defer cancel()

	h.Publish(update(jobID, model.PhaseAnalyzing))
	h.Publish(update(jobID, model.PhaseModel)) // no room: disconnect

	u := recv(t, ch)
	assert.Equal(t, model.PhaseAnalyzing, u.Phase, "buffered update still drains")

	_, ok := <-ch
	assert.False(t, ok, "lagging subscriber channel closes instead of skipping updates")

	// The journal is intact for a replay.
	history := h.History(jobID)
	require.Len(t, history, 2)
	assert.Equal(t, model.PhaseModel, history[1].Phase)
}

// ---- History ----

func TestHistoryCopiesJournal(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()
	jobID := uuid.New()

	h.Publish(update(jobID, model.PhaseAnalyzing))

	got := h.History(jobID)
	require.Len(t, got, 1)
	got[0].Phase = model.PhaseCancelled

	again := h.History(jobID)
	assert.Equal(t, model.PhaseAnalyzing, again[0].Phase, "callers cannot mutate the journal")

	assert.Nil(t, h.History(uuid.New()), "unknown job has no history")
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := newTestHub(0)
	jobID := uuid.New()

	ch, _ := h.Subscribe(jobID)
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestTapObservesEveryStampedUpdate(t *testing.T) {
	h := newTestHub(0)
	defer h.Close()

	var seen []model.PhaseUpdate
	h.Tap(func(u model.PhaseUpdate) { seen = append(seen, u) })

	jobA, jobB := uuid.New(), uuid.New()
	h.Publish(update(jobA, model.PhaseAnalyzing))
	h.Publish(update(jobB, model.PhaseAnalyzing))
	h.Publish(update(jobA, model.PhaseComplete))

	require.Len(t, seen, 3)
	assert.Equal(t, int64(1), seen[0].Seq, "taps see the stamped update")
	assert.Equal(t, jobB, seen[1].JobID)
	assert.Equal(t, model.PhaseComplete, seen[2].Phase)
	assert.False(t, seen[2].OccurredAt.IsZero())
}
