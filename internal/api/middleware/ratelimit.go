package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kinetic-kb/kbsync/internal/auth/ratelimit"
)

// RateLimit returns middleware that enforces per-key rate limits using the
// key's configured rate_limit value. Requests without a key are passed
// through for Auth to reject. Exempt paths are never limited.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyFromContext(r.Context())
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := limiter.Allow(key.ID, key.RateLimit)
			if !ok {
				retryAfter := int(wait/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
