package api

import (
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimitMiddleware caps the aggregate request rate on the server. A
// non-positive rps disables limiting entirely. Bursts above the limit
// receive 429 rather than queueing, so the admission queue downstream
// stays the only place requests wait.
func rateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
