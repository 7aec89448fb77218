package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sluice-ai/sluice/internal/model"
)

// KeyFunc derives the limit key for a request. An empty key exempts the
// request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID for the 429 envelope. Injected by
// the caller so this package stays independent of the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces the limiter on the
// wrapped handler. A nil limiter passes everything through; limiter errors
// fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}

			// The Limiter interface exposes no window state; advertise a
			// short retry.
			w.Header().Set("Retry-After", "1")
			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			writeRateLimitError(w, requestID)
		})
	}
}

// writeRateLimitError emits a 429 in the standard error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	body := model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

// IPKeyFunc keys requests by client IP, read from RemoteAddr alone.
// X-Forwarded-For is attacker-controlled unless a sanitizing proxy sits
// in front; deployments behind one should have the proxy rewrite
// RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
