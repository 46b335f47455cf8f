package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apimw "github.com/kinetic-kb/kbsync/internal/api/middleware"
	"github.com/kinetic-kb/kbsync/internal/audit"
	"github.com/kinetic-kb/kbsync/internal/auth/apikey"
	"github.com/kinetic-kb/kbsync/internal/blob"
	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/index"
	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/internal/moderation"
	"github.com/kinetic-kb/kbsync/pkg/config"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

// memCatalog mirrors the uniqueness behaviour of the PostgreSQL store.
type memCatalog struct {
	mu      sync.Mutex
	entries []catalog.Entry
	urls    []string
}

func (m *memCatalog) Insert(ctx context.Context, e catalog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.DisplayName == e.DisplayName || existing.PostTransformHash == e.PostTransformHash {
			return apperrors.Newf(apperrors.ErrConflict, 409, "conflict with %s", existing.DisplayName)
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memCatalog) RemoveByName(ctx context.Context, name string) (catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.DisplayName == name {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return e, nil
		}
	}
	return catalog.Entry{}, apperrors.ErrNotFound
}

func (m *memCatalog) List(ctx context.Context) ([]catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memCatalog) FindByName(ctx context.Context, name string) (catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.DisplayName == name {
			return e, nil
		}
	}
	return catalog.Entry{}, apperrors.ErrNotFound
}

func (m *memCatalog) FindByHash(ctx context.Context, h string) (catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.PreTransformHash == h || e.PostTransformHash == h {
			return e, nil
		}
	}
	return catalog.Entry{}, apperrors.ErrNotFound
}

func (m *memCatalog) FindByExternalSourceID(ctx context.Context, id string) (catalog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ExternalSourceID == id {
			return e, nil
		}
	}
	return catalog.Entry{}, apperrors.ErrNotFound
}

func (m *memCatalog) RegisterURL(ctx context.Context, u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.urls {
		if existing == u {
			return apperrors.Newf(apperrors.ErrConflict, 409, "URL already registered")
		}
	}
	m.urls = append(m.urls, u)
	return nil
}

func (m *memCatalog) RemoveURL(ctx context.Context, u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.urls {
		if existing == u {
			m.urls = append(m.urls[:i], m.urls[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memCatalog) ListURLs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.urls))
	copy(out, m.urls)
	return out, nil
}

type fakeModeration struct {
	submitted []string
	approveFn func(id string) (catalog.Entry, error)
	denied    []string
	pending   []moderation.Submission
	decided   []moderation.Submission
}

func (f *fakeModeration) Submit(ctx context.Context, name string, content []byte) (moderation.Submission, error) {
	if name == "" {
		return moderation.Submission{}, apperrors.Newf(apperrors.ErrInvalidInput, 400, "name is required")
	}
	f.submitted = append(f.submitted, name)
	return moderation.Submission{ID: "sub-1", OriginalName: name, Status: moderation.StatusPending}, nil
}

func (f *fakeModeration) Approve(ctx context.Context, id string) (catalog.Entry, error) {
	if f.approveFn != nil {
		return f.approveFn(id)
	}
	return catalog.Entry{ID: id, DisplayName: "approved.txt"}, nil
}

func (f *fakeModeration) Deny(ctx context.Context, id string) error {
	f.denied = append(f.denied, id)
	return nil
}

func (f *fakeModeration) Pending(ctx context.Context) ([]moderation.Submission, error) {
	return f.pending, nil
}

func (f *fakeModeration) RecentlyDecided(ctx context.Context) ([]moderation.Submission, error) {
	return f.decided, nil
}

type fakeIndexControl struct {
	status index.Status
}

func (f *fakeIndexControl) EnsureCurrent(ctx context.Context) (*index.Artifact, error) {
	return &index.Artifact{Fingerprint: f.status.Fingerprint, BuiltAt: time.Now().UTC()}, nil
}

func (f *fakeIndexControl) Status(ctx context.Context) (index.Status, error) {
	return f.status, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(event audit.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureRecorder) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Action, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func newTestHandler() (*Handler, *memCatalog, *fakeModeration, *captureRecorder) {
	store := &memCatalog{}
	blobs := blob.NewMemory(16 << 20)
	ing := ingest.NewService(store, blobs, nil, nil, config.IngestConfig{
		MaxDocumentSize: 1 << 20,
		AllowedTypes:    []string{".pdf", ".txt", ".md"},
	})
	mod := &fakeModeration{}
	rec := &captureRecorder{}
	h := New(ing, mod, &fakeIndexControl{}, nil, nil, rec)
	return h, store, mod, rec
}

func asOperator(r *http.Request) *http.Request {
	key := &apikey.Key{ID: "key-1", Name: "ops", Role: apikey.RoleOperator, RateLimit: 100}
	return r.WithContext(apimw.WithKey(r.Context(), key))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	return bytes.NewReader(data)
}

func TestUploadDocument(t *testing.T) {
	h, store, _, rec := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, uploadRequest{
		Name:    "My Notes.txt",
		Content: bytes.Repeat([]byte("note body "), 300),
	}))
	w := httptest.NewRecorder()
	h.UploadDocument(w, asOperator(req))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res ingest.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.DisplayName != "my_notes.txt" {
		t.Errorf("display name = %q", res.DisplayName)
	}
	entries, _ := store.List(context.Background())
	if len(entries) != 1 {
		t.Errorf("catalog has %d entries, want 1", len(entries))
	}
	if got := rec.actions(); len(got) != 1 || got[0] != audit.ActionDocumentIngested {
		t.Errorf("audit actions = %v", got)
	}
}

func TestUploadDuplicateReturnsConflict(t *testing.T) {
	h, _, _, _ := newTestHandler()
	content := bytes.Repeat([]byte("same bytes "), 300)

	first := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, uploadRequest{Name: "a.txt", Content: content}))
	w := httptest.NewRecorder()
	h.UploadDocument(w, asOperator(first))
	if w.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d", w.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, uploadRequest{Name: "b.txt", Content: content}))
	w = httptest.NewRecorder()
	h.UploadDocument(w, asOperator(second))
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate upload status = %d, want 409", w.Code)
	}
}

func TestUploadInvalidTypeReturnsBadRequest(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", jsonBody(t, uploadRequest{
		Name:    "script.exe",
		Content: []byte("x"),
	}))
	w := httptest.NewRecorder()
	h.UploadDocument(w, asOperator(req))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestImportDocumentsContinuesPastDuplicates(t *testing.T) {
	h, store, _, _ := newTestHandler()
	content := bytes.Repeat([]byte("import body "), 300)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/import", jsonBody(t, importRequest{
		Documents: []uploadRequest{
			{Name: "one.txt", Content: content},
			{Name: "two.txt", Content: content},
			{Name: "three.txt", Content: bytes.Repeat([]byte("different "), 300)},
		},
	}))
	w := httptest.NewRecorder()
	h.ImportDocuments(w, asOperator(req))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res struct {
		Results []importItemResult `json:"results"`
		Stored  int                `json:"stored"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.Stored != 2 {
		t.Errorf("stored = %d, want 2", res.Stored)
	}
	if res.Results[1].Outcome != "duplicate" {
		t.Errorf("second item outcome = %q, want duplicate", res.Results[1].Outcome)
	}
	entries, _ := store.List(context.Background())
	if len(entries) != 2 {
		t.Errorf("catalog has %d entries, want 2", len(entries))
	}
}

func TestRemoveDocumentIsIdempotent(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/documents/ghost.txt", nil)
	req.SetPathValue("name", "ghost.txt")
	w := httptest.NewRecorder()
	h.RemoveDocument(w, asOperator(req))
	if w.Code != http.StatusNoContent {
		t.Errorf("removing absent document status = %d, want 204", w.Code)
	}
}

func TestURLLifecycle(t *testing.T) {
	h, _, _, rec := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/urls", jsonBody(t, urlRequest{URL: "https://example.org/kb"}))
	w := httptest.NewRecorder()
	h.RegisterURL(w, asOperator(req))
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/urls", nil)
	w = httptest.NewRecorder()
	h.ListURLs(w, asOperator(req))
	var listed struct {
		URLs  []string `json:"urls"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if listed.Count != 1 {
		t.Errorf("url count = %d, want 1", listed.Count)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/urls?url=https%3A%2F%2Fexample.org%2Fkb", nil)
	w = httptest.NewRecorder()
	h.RemoveURL(w, asOperator(req))
	if w.Code != http.StatusNoContent {
		t.Errorf("remove status = %d, want 204", w.Code)
	}

	// Removing again still succeeds.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/urls?url=https%3A%2F%2Fexample.org%2Fkb", nil)
	w = httptest.NewRecorder()
	h.RemoveURL(w, asOperator(req))
	if w.Code != http.StatusNoContent {
		t.Errorf("second remove status = %d, want 204", w.Code)
	}

	got := rec.actions()
	if len(got) != 3 {
		t.Errorf("audit actions = %v, want register + 2 removes", got)
	}
}

func TestFingerprintEndpoint(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fingerprint", nil)
	w := httptest.NewRecorder()
	h.Fingerprint(w, asOperator(req))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status ingest.FingerprintStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if status.Fingerprint != "no_sources" {
		t.Errorf("fingerprint = %q, want the empty-set sentinel", status.Fingerprint)
	}
}

func TestCreateSubmission(t *testing.T) {
	h, _, mod, rec := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", jsonBody(t, submitRequest{
		Name:    "draft.md",
		Content: []byte("proposed content"),
	}))
	w := httptest.NewRecorder()
	h.CreateSubmission(w, asOperator(req))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(mod.submitted) != 1 || mod.submitted[0] != "draft.md" {
		t.Errorf("submitted = %v", mod.submitted)
	}
	if got := rec.actions(); len(got) != 1 || got[0] != audit.ActionSubmissionReceived {
		t.Errorf("audit actions = %v", got)
	}
}

func TestApproveSubmissionReportsDuplicate(t *testing.T) {
	h, _, mod, _ := newTestHandler()
	mod.approveFn = func(id string) (catalog.Entry, error) {
		return catalog.Entry{}, &apperrors.DuplicateError{ConflictWith: "existing.txt"}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-9/approve", nil)
	req.SetPathValue("id", "sub-9")
	w := httptest.NewRecorder()
	h.ApproveSubmission(w, asOperator(req))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["reason"] != "duplicate_content" {
		t.Errorf("reason = %q", body["reason"])
	}
	if body["duplicate_of"] != "existing.txt" {
		t.Errorf("duplicate_of = %q", body["duplicate_of"])
	}
}

func TestDenySubmission(t *testing.T) {
	h, _, mod, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-3/deny", nil)
	req.SetPathValue("id", "sub-3")
	w := httptest.NewRecorder()
	h.DenySubmission(w, asOperator(req))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if len(mod.denied) != 1 || mod.denied[0] != "sub-3" {
		t.Errorf("denied = %v", mod.denied)
	}
}

func TestListSubmissionsRejectsUnknownStatus(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions?status=bogus", nil)
	w := httptest.NewRecorder()
	h.ListSubmissions(w, asOperator(req))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIndexStatusEndpoint(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/index", nil)
	w := httptest.NewRecorder()
	h.IndexStatus(w, asOperator(req))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRequireRoleBlocksCollaborator(t *testing.T) {
	called := false
	handler := apimw.RequireRole(apikey.RoleOperator, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	key := &apikey.Key{ID: "key-2", Name: "contributor", Role: apikey.RoleCollaborator}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil)
	req = req.WithContext(apimw.WithKey(req.Context(), key))
	w := httptest.NewRecorder()
	handler(w, req)

	if called {
		t.Error("operator handler reached with collaborator key")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRequireRoleOperatorSatisfiesCollaborator(t *testing.T) {
	called := false
	handler := apimw.RequireRole(apikey.RoleCollaborator, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", nil)
	w := httptest.NewRecorder()
	handler(w, asOperator(req))

	if !called {
		t.Error("collaborator handler not reached with operator key")
	}
}
