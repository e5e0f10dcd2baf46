package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
)

// KeyFunc derives the limit key for a request. An empty key exempts the
// request from limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID for error envelopes. Passed in by the
// server so this package does not import it.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter per key. A nil limiter, an empty key, or a
// limiter error all pass the request through; only an explicit deny blocks.
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
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}

			requestID := ""
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(model.APIError{
				Error: model.ErrorDetail{
					Code:      fault.CodeRateLimited,
					Message:   "too many requests",
					Retryable: true,
				},
				Meta: model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
			})
		})
	}
}

// IPKeyFunc keys by RemoteAddr. X-Forwarded-For is deliberately ignored:
// any client can forge it to dodge the limit. Behind a trusted proxy,
// have the proxy rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return "ip:" + addr
}
