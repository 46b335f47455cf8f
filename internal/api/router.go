package api

import (
	"net/http"
	"time"

	apimw "github.com/kinetic-kb/kbsync/internal/api/middleware"
	"github.com/kinetic-kb/kbsync/internal/auth/apikey"
	"github.com/kinetic-kb/kbsync/internal/auth/ratelimit"
	"github.com/kinetic-kb/kbsync/pkg/health"
	pkgmetrics "github.com/kinetic-kb/kbsync/pkg/metrics"
	pkgmw "github.com/kinetic-kb/kbsync/pkg/middleware"
)

// NewRouter builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST   /api/v1/documents                  → upload (operator)
//	POST   /api/v1/documents/import           → bulk import (operator)
//	GET    /api/v1/documents                  → list catalog
//	DELETE /api/v1/documents/{name}           → remove (operator, idempotent)
//	POST   /api/v1/urls                       → register URL (operator)
//	DELETE /api/v1/urls                       → remove URL (operator, idempotent)
//	GET    /api/v1/urls                       → list URLs
//	GET    /api/v1/fingerprint                → source-set fingerprint
//	POST   /api/v1/submissions                → submit for review (collaborator)
//	GET    /api/v1/submissions                → pending or ?status=decided
//	POST   /api/v1/submissions/{id}/approve   → approve (operator)
//	POST   /api/v1/submissions/{id}/deny      → deny (operator, idempotent)
//	GET    /api/v1/index                      → index status
//	POST   /api/v1/index/ensure               → force staleness check (operator)
//	GET    /api/v1/audit                      → audit trail (operator)
//	POST   /api/v1/admin/keys                 → create API key (operator)
//	DELETE /api/v1/admin/keys                 → revoke API key (operator)
//	GET    /api/v1/admin/keys                 → list API keys (operator)
//	GET    /health, /ready, /metrics          → probes and scrape (no auth)
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → Timeout → Auth → RateLimit → mux
func NewRouter(h *Handler, checker *health.Checker, validator *apikey.Validator, limiter *ratelimit.Limiter, m *pkgmetrics.Metrics, requestTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	// Probes and scrape (unauthenticated).
	mux.HandleFunc("GET /health", checker.LiveHandler())
	mux.HandleFunc("GET /ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", pkgmetrics.Handler())

	operator := func(next http.HandlerFunc) http.HandlerFunc {
		return apimw.RequireRole(apikey.RoleOperator, next)
	}
	collaborator := func(next http.HandlerFunc) http.HandlerFunc {
		return apimw.RequireRole(apikey.RoleCollaborator, next)
	}

	// Document API.
	mux.HandleFunc("POST /api/v1/documents", operator(h.UploadDocument))
	mux.HandleFunc("POST /api/v1/documents/import", operator(h.ImportDocuments))
	mux.HandleFunc("GET /api/v1/documents", collaborator(h.ListDocuments))
	mux.HandleFunc("DELETE /api/v1/documents/{name}", operator(h.RemoveDocument))

	// URL sources.
	mux.HandleFunc("POST /api/v1/urls", operator(h.RegisterURL))
	mux.HandleFunc("DELETE /api/v1/urls", operator(h.RemoveURL))
	mux.HandleFunc("GET /api/v1/urls", collaborator(h.ListURLs))
	mux.HandleFunc("GET /api/v1/fingerprint", collaborator(h.Fingerprint))

	// Moderation workflow.
	mux.HandleFunc("POST /api/v1/submissions", collaborator(h.CreateSubmission))
	mux.HandleFunc("GET /api/v1/submissions", collaborator(h.ListSubmissions))
	mux.HandleFunc("POST /api/v1/submissions/{id}/approve", operator(h.ApproveSubmission))
	mux.HandleFunc("POST /api/v1/submissions/{id}/deny", operator(h.DenySubmission))

	// Index control.
	mux.HandleFunc("GET /api/v1/index", collaborator(h.IndexStatus))
	mux.HandleFunc("POST /api/v1/index/ensure", operator(h.EnsureIndex))

	// Governance.
	mux.HandleFunc("GET /api/v1/audit", operator(h.AuditTrail))
	mux.HandleFunc("POST /api/v1/admin/keys", operator(h.CreateAPIKey))
	mux.HandleFunc("DELETE /api/v1/admin/keys", operator(h.RevokeAPIKey))
	mux.HandleFunc("GET /api/v1/admin/keys", operator(h.ListAPIKeys))

	var chain http.Handler = mux
	chain = apimw.RateLimit(limiter)(chain)
	chain = apimw.Auth(validator)(chain)
	if requestTimeout <= 0 {
		requestTimeout = 25 * time.Second
	}
	chain = pkgmw.Timeout(requestTimeout)(chain)
	chain = pkgmw.Metrics(m)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
