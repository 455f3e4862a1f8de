package ratelimit

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// Middleware throttles all requests through one token bucket and answers 429
// when it is empty. A coarse process-wide guard; per-caller budgets are
// enforced by a Limiter inside the handlers.
func Middleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				slog.Warn("global request throttle hit", "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
