package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowCount tracks one key's requests in its current window.
type windowCount struct {
	start time.Time
	count int
}

// MemoryLimiter implements Limiter with a fixed window per key: at most
// limit requests per window, counts resetting at window boundaries. A
// burst straddling a boundary can briefly see up to twice the limit, which
// is acceptable for its job of slowing credential guessing.
//
// A background goroutine evicts expired windows to bound memory. Call
// Close to stop it.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*windowCount

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a fixed-window limiter allowing limit requests
// per key per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*windowCount),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow counts one request against the key's current window. Returns true
// while the window has capacity.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.window {
		m.windows[key] = &windowCount{start: now, count: 1}
		return true, nil
	}
	if w.count >= m.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired drops windows that ended long enough ago that the key would
// start fresh anyway.
func (m *MemoryLimiter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-2 * m.window)
	for key, w := range m.windows {
		if w.start.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
