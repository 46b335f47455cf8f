// Package middleware provides the HTTP middleware specific to the engine's
// API: API key authentication with role checks and per-key rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kinetic-kb/kbsync/internal/auth/apikey"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// exempt paths never require a key: probes and the scrape endpoint.
func exempt(path string) bool {
	return strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/ready") ||
		strings.HasPrefix(path, "/metrics")
}

// Auth returns middleware that validates API keys from the request. Keys
// can be provided via Authorization: Bearer <key>, X-API-Key header, or
// the api_key query parameter.
func Auth(validator *apikey.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			raw := extractAPIKey(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			key, err := validator.Validate(r.Context(), raw)
			if err != nil {
				switch err {
				case apikey.ErrInvalidKey:
					writeError(w, http.StatusUnauthorized, "invalid api key")
				case apikey.ErrExpiredKey:
					writeError(w, http.StatusUnauthorized, "expired api key")
				default:
					writeError(w, http.StatusInternalServerError, "authentication error")
				}
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithKey returns a context carrying an already-validated key. Used by
// in-process callers and tests.
func WithKey(ctx context.Context, key *apikey.Key) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// KeyFromContext retrieves the validated key from the request context.
func KeyFromContext(ctx context.Context) *apikey.Key {
	key, _ := ctx.Value(apiKeyContextKey).(*apikey.Key)
	return key
}

// RequireRole wraps a handler so only keys whose role satisfies the
// requirement reach it. Operator keys satisfy every requirement.
func RequireRole(required apikey.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := KeyFromContext(r.Context())
		if key == nil {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		if !key.Role.Allows(required) {
			writeError(w, http.StatusForbidden, "insufficient privileges")
			return
		}
		next(w, r)
	}
}

// extractAPIKey reads the API key from the request in priority order:
// Authorization: Bearer header, X-API-Key header, api_key query parameter.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// writeError writes a JSON error response to the client.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
