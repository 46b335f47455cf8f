// Package api implements the engine's HTTP surface: document and URL
// management, the moderation workflow, index control, audit review, and
// API key administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apimw "github.com/kinetic-kb/kbsync/internal/api/middleware"
	"github.com/kinetic-kb/kbsync/internal/audit"
	"github.com/kinetic-kb/kbsync/internal/auth/apikey"
	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/index"
	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/internal/ingest/validator"
	"github.com/kinetic-kb/kbsync/internal/moderation"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/logger"
)

// IndexControl is the slice of the scheduler the API exposes.
type IndexControl interface {
	EnsureCurrent(ctx context.Context) (*index.Artifact, error)
	Status(ctx context.Context) (index.Status, error)
}

// KeyAdmin manages API keys. Implemented by apikey.Validator.
type KeyAdmin interface {
	CreateKey(ctx context.Context, name string, role apikey.Role, rateLimit int, expiresAt *time.Time) (string, error)
	RevokeKey(ctx context.Context, rawKey string) error
	ListKeys(ctx context.Context) ([]apikey.Key, error)
}

// AuditLog reads the archived audit trail. Implemented by audit.Store.
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Recorder buffers audit events. Implemented by audit.Recorder.
type Recorder interface {
	Record(event audit.Event)
}

// Handler implements the engine's HTTP endpoints.
type Handler struct {
	ingest     *ingest.Service
	moderation ModerationService
	indexCtl   IndexControl
	keys       KeyAdmin
	auditLog   AuditLog
	recorder   Recorder
	logger     *slog.Logger
}

// ModerationService is the slice of the moderation workflow the API drives.
type ModerationService interface {
	Submit(ctx context.Context, name string, content []byte) (moderation.Submission, error)
	Approve(ctx context.Context, id string) (catalog.Entry, error)
	Deny(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]moderation.Submission, error)
	RecentlyDecided(ctx context.Context) ([]moderation.Submission, error)
}

// New creates the API handler. auditLog, recorder, and keys may be nil in
// reduced deployments; the corresponding endpoints then return 404 or the
// recording becomes a no-op.
func New(ing *ingest.Service, mod ModerationService, indexCtl IndexControl, keys KeyAdmin, auditLog AuditLog, recorder Recorder) *Handler {
	return &Handler{
		ingest:     ing,
		moderation: mod,
		indexCtl:   indexCtl,
		keys:       keys,
		auditLog:   auditLog,
		recorder:   recorder,
		logger:     slog.Default().With("component", "api-handler"),
	}
}

// ---------- Document handlers ----------

type uploadRequest struct {
	Name             string `json:"name"`
	Content          []byte `json:"content"`
	ExternalSourceID string `json:"external_source_id,omitempty"`
}

// UploadDocument ingests one trusted document.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.ingest.DirectIngest(ctx, ingest.IngestRequest{
		Name:             req.Name,
		Content:          req.Content,
		Provenance:       string(catalog.ProvenanceDirectUpload),
		ExternalSourceID: req.ExternalSourceID,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "document upload failed")
		return
	}

	log.Info("document uploaded", "display_name", res.DisplayName, "size_bytes", res.SizeBytes)
	h.audit(w, r, audit.ActionDocumentIngested, res.DisplayName, map[string]string{
		"provenance": string(catalog.ProvenanceDirectUpload),
	})
	h.writeJSON(w, http.StatusCreated, res)
}

type importRequest struct {
	Documents []uploadRequest `json:"documents"`
}

type importItemResult struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`

	Result *ingest.IngestResult `json:"result,omitempty"`
}

// ImportDocuments ingests a batch from an upstream system. Each item is
// processed independently: duplicates and invalid items are reported per
// item, they never abort the rest of the batch.
func (h *Handler) ImportDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Documents) == 0 {
		h.writeError(w, http.StatusBadRequest, "documents list is empty")
		return
	}

	results := make([]importItemResult, 0, len(req.Documents))
	stored := 0
	for _, doc := range req.Documents {
		res, err := h.ingest.DirectIngest(ctx, ingest.IngestRequest{
			Name:             doc.Name,
			Content:          doc.Content,
			Provenance:       string(catalog.ProvenanceBulkImport),
			ExternalSourceID: doc.ExternalSourceID,
		})
		item := importItemResult{Name: doc.Name}
		switch {
		case err == nil && res.AlreadyKnown:
			item.Outcome = "already_known"
			item.Result = &res
		case err == nil:
			item.Outcome = "stored"
			item.Result = &res
			stored++
			h.audit(w, r, audit.ActionDocumentIngested, res.DisplayName, map[string]string{
				"provenance": string(catalog.ProvenanceBulkImport),
			})
		case errors.Is(err, apperrors.ErrDuplicateContent), errors.Is(err, apperrors.ErrDuplicateName):
			item.Outcome = "duplicate"
			item.Detail = err.Error()
		case errors.Is(err, apperrors.ErrInvalidInput):
			item.Outcome = "invalid"
			item.Detail = err.Error()
		default:
			item.Outcome = "error"
			item.Detail = err.Error()
		}
		results = append(results, item)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"stored":  stored,
		"total":   len(req.Documents),
	})
}

// ListDocuments returns the catalog.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ingest.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list documents")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"documents": entries,
		"count":     len(entries),
	})
}

// RemoveDocument deletes a document by display name. Removing an absent
// document succeeds so retries are safe.
func (h *Handler) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "document name is required")
		return
	}

	err := h.ingest.Remove(r.Context(), name)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		h.writeServiceError(w, r, err, "failed to remove document")
		return
	}
	if err == nil {
		h.audit(w, r, audit.ActionDocumentRemoved, name, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- URL handlers ----------

type urlRequest struct {
	URL string `json:"url"`
}

// RegisterURL adds a URL to the source set.
func (h *Handler) RegisterURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	if err := h.ingest.RegisterURL(r.Context(), req.URL); err != nil {
		h.writeServiceError(w, r, err, "failed to register url")
		return
	}
	h.audit(w, r, audit.ActionURLRegistered, req.URL, nil)
	h.writeJSON(w, http.StatusCreated, map[string]string{"url": req.URL})
}

// RemoveURL drops a URL from the source set. Removing an absent URL
// succeeds.
func (h *Handler) RemoveURL(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		h.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	if err := h.ingest.RemoveURL(r.Context(), rawURL); err != nil {
		h.writeServiceError(w, r, err, "failed to remove url")
		return
	}
	h.audit(w, r, audit.ActionURLRemoved, rawURL, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ListURLs returns the registered URL set.
func (h *Handler) ListURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := h.ingest.ListURLs(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list urls")
		return
	}
	if urls == nil {
		urls = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"urls":  urls,
		"count": len(urls),
	})
}

// Fingerprint reports the current source-set fingerprint, recomputed from
// the live catalog on every call.
func (h *Handler) Fingerprint(w http.ResponseWriter, r *http.Request) {
	status, err := h.ingest.CurrentFingerprint(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to compute fingerprint")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ---------- Submission handlers ----------

type submitRequest struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// CreateSubmission queues an untrusted upload for review.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := h.moderation.Submit(ctx, req.Name, req.Content)
	if err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeServiceError(w, r, err, "submission failed")
		return
	}

	log.Info("submission received", "id", sub.ID, "name", req.Name)
	h.audit(w, r, audit.ActionSubmissionReceived, sub.ID, map[string]string{"name": req.Name})
	h.writeJSON(w, http.StatusAccepted, sub)
}

// ListSubmissions returns the pending queue, or with ?status=decided the
// recently decided submissions inside the feedback window.
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	var (
		subs []moderation.Submission
		err  error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "pending":
		subs, err = h.moderation.Pending(r.Context())
	case "decided":
		subs, err = h.moderation.RecentlyDecided(r.Context())
	default:
		h.writeError(w, http.StatusBadRequest, "status must be pending or decided")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list submissions")
		return
	}
	if subs == nil {
		subs = []moderation.Submission{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"submissions": subs,
		"count":       len(subs),
	})
}

// ApproveSubmission promotes a pending submission into the catalog. A
// duplicate collision is reported as 409 and leaves the submission
// rejected with the conflicting entry recorded.
func (h *Handler) ApproveSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	log := logger.FromContext(ctx)

	entry, err := h.moderation.Approve(ctx, id)
	if err != nil {
		var dupErr *apperrors.DuplicateError
		if errors.As(err, &dupErr) {
			reason := "duplicate_content"
			if dupErr.ByName {
				reason = "duplicate_name"
			}
			h.audit(w, r, audit.ActionSubmissionRejected, id, map[string]string{
				"reason":       reason,
				"duplicate_of": dupErr.ConflictWith,
			})
			h.writeJSON(w, http.StatusConflict, map[string]string{
				"error":        "submission rejected",
				"reason":       reason,
				"duplicate_of": dupErr.ConflictWith,
			})
			return
		}
		h.writeServiceError(w, r, err, "approval failed")
		return
	}

	log.Info("submission approved", "id", id, "display_name", entry.DisplayName)
	h.audit(w, r, audit.ActionSubmissionApproved, id, map[string]string{
		"display_name": entry.DisplayName,
	})
	h.writeJSON(w, http.StatusOK, entry)
}

// DenySubmission discards a pending submission. Denying an absent or
// already-denied submission succeeds.
func (h *Handler) DenySubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.moderation.Deny(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "deny failed")
		return
	}
	h.audit(w, r, audit.ActionSubmissionDenied, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ---------- Index handlers ----------

// IndexStatus reports the served artifact and its staleness.
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.indexCtl.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to read index status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// EnsureIndex forces a staleness check and rebuild if needed, returning
// the resulting artifact's summary.
func (h *Handler) EnsureIndex(w http.ResponseWriter, r *http.Request) {
	art, err := h.indexCtl.EnsureCurrent(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "index rebuild failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": art.Fingerprint,
		"built_at":    art.BuiltAt,
		"chunks":      len(art.Chunks),
		"documents":   art.SourceCounts.Documents,
		"urls":        art.SourceCounts.URLs,
	})
}

// ---------- Audit handlers ----------

// AuditTrail returns the newest archived audit events.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		h.writeError(w, http.StatusNotFound, "audit archive not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.auditLog.Recent(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to read audit trail")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ---------- Key administration ----------

// CreateAPIKey creates a new API key and returns the raw key (shown once).
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Role      string `json:"role"`
		RateLimit int    `json:"rate_limit"`
		ExpiresIn string `json:"expires_in,omitempty"` // Go duration, e.g. "720h"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	role := apikey.Role(req.Role)
	if role == "" {
		role = apikey.RoleCollaborator
	}
	if req.RateLimit <= 0 {
		req.RateLimit = 60
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid expires_in duration")
			return
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	key, err := h.keys.CreateKey(r.Context(), req.Name, role, req.RateLimit, expiresAt)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create api key")
		return
	}

	h.audit(w, r, audit.ActionKeyCreated, req.Name, map[string]string{"role": string(role)})
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"api_key": key,
		"name":    req.Name,
		"role":    string(role),
		"message": "store this key securely, it cannot be retrieved again",
	})
}

// RevokeAPIKey deactivates a key.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		h.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.keys.RevokeKey(r.Context(), req.Key); err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			h.writeError(w, http.StatusNotFound, "unknown api key")
			return
		}
		h.writeServiceError(w, r, err, "failed to revoke api key")
		return
	}
	h.audit(w, r, audit.ActionKeyRevoked, "", nil)
	w.WriteHeader(http.StatusNoContent)
}

// ListAPIKeys returns all active API keys (without hashes).
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list api keys")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// ---------- Helpers ----------

func (h *Handler) audit(w http.ResponseWriter, r *http.Request, action audit.Action, subject string, detail map[string]string) {
	if h.recorder == nil {
		return
	}
	actor := "anonymous"
	if key := apimw.KeyFromContext(r.Context()); key != nil {
		actor = key.Name
	}
	h.recorder.Record(audit.Event{
		Action:    action,
		Actor:     actor,
		Subject:   subject,
		Detail:    detail,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(fallback, "error", err, "status_code", status)
		h.writeError(w, status, fallback)
		return
	}
	log.Warn(fallback, "error", err, "status_code", status)
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
