package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kinetic-kb/kbsync/pkg/logger"
)

// RequestID assigns each request a UUID (or honours an incoming
// X-Request-ID header), stores it in the context for loggers, and echoes
// it back in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
