package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/dedup"
	"github.com/kinetic-kb/kbsync/internal/fingerprint"
	"github.com/kinetic-kb/kbsync/internal/ingest/validator"
	"github.com/kinetic-kb/kbsync/internal/transform"
	"github.com/kinetic-kb/kbsync/pkg/config"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/kafka"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
	"github.com/kinetic-kb/kbsync/pkg/resilience"
	"github.com/kinetic-kb/kbsync/pkg/tracing"
)

// Catalog is the slice of the catalog store the pipeline mutates and reads.
type Catalog interface {
	dedup.Catalog
	Insert(ctx context.Context, e catalog.Entry) error
	RemoveByName(ctx context.Context, displayName string) (catalog.Entry, error)
	List(ctx context.Context) ([]catalog.Entry, error)
	FindByExternalSourceID(ctx context.Context, externalID string) (catalog.Entry, error)
	RegisterURL(ctx context.Context, rawURL string) error
	RemoveURL(ctx context.Context, rawURL string) error
	ListURLs(ctx context.Context) ([]string, error)
}

// BlobStore is the content-storage slice the pipeline needs.
type BlobStore interface {
	Put(ctx context.Context, data []byte, handleHint string) (string, error)
	Delete(ctx context.Context, handle string) error
}

// Publisher emits source-set change events.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Service is the ingestion pipeline: dedup guard, lossy transform, blob
// write, catalog insert, change event. Single logical writer; concurrent
// readers are fine.
type Service struct {
	store      Catalog
	blobs      BlobStore
	guard      *dedup.Guard
	compressor *transform.Compressor
	publisher  Publisher
	metrics    *metrics.Metrics
	cfg        config.IngestConfig
	logger     *slog.Logger
}

func NewService(store Catalog, blobs BlobStore, publisher Publisher, m *metrics.Metrics, cfg config.IngestConfig) *Service {
	return &Service{
		store:      store,
		blobs:      blobs,
		guard:      dedup.NewGuard(store),
		compressor: transform.NewCompressor(),
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     slog.Default().With("component", "ingest"),
	}
}

// Compressor exposes the transform used by this pipeline so collaborators
// (moderation) apply the identical transform the guard hashed against.
func (s *Service) Compressor() *transform.Compressor {
	return s.compressor
}

// Guard exposes the deduplication guard for the moderation workflow.
func (s *Service) Guard() *dedup.Guard {
	return s.guard
}

// DirectIngest runs the full pipeline for trusted content (uploads, bulk
// imports). Duplicate-class failures are always surfaced, never swallowed.
func (s *Service) DirectIngest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ctx, span := tracing.StartChildSpan(ctx, "direct-ingest")
	defer span.End()
	span.SetAttr("name", req.Name)
	span.SetAttr("provenance", req.Provenance)

	if err := validator.ValidateUpload(req.Name, int64(len(req.Content)), s.cfg.MaxDocumentSize, s.cfg.AllowedTypes); err != nil {
		s.countIngest(req.Provenance, "invalid")
		return IngestResult{}, apperrors.Newf(apperrors.ErrInvalidInput, 400, "%s", err.Error())
	}

	// Re-imports with a known upstream id return the existing entry
	// instead of tripping the duplicate guard.
	if req.ExternalSourceID != "" {
		existing, err := s.store.FindByExternalSourceID(ctx, req.ExternalSourceID)
		if err == nil {
			s.logger.Info("idempotent re-import",
				"external_source_id", req.ExternalSourceID,
				"display_name", existing.DisplayName,
			)
			return resultFor(existing, true), nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("checking external source id: %w", err)
		}
	}

	entry, err := s.Admit(ctx, req)
	if err != nil {
		var dupErr *apperrors.DuplicateError
		if errors.As(err, &dupErr) {
			s.countIngest(req.Provenance, "duplicate")
		} else {
			s.countIngest(req.Provenance, "error")
		}
		return IngestResult{}, err
	}

	s.countIngest(req.Provenance, "stored")
	s.publishChange(ctx, SourceChangedEvent{
		Kind:        ChangeIngested,
		DisplayName: entry.DisplayName,
		OccurredAt:  time.Now().UTC(),
	})
	return resultFor(entry, false), nil
}

// Admit is the shared guard-transform-store sequence used by direct ingest
// and by moderation approval. Callers own validation and event publishing.
func (s *Service) Admit(ctx context.Context, req IngestRequest) (catalog.Entry, error) {
	dup, conflictName, err := s.guard.CheckContent(ctx, req.Content, s.compressor.Apply)
	if err != nil {
		return catalog.Entry{}, err
	}
	if dup {
		s.countDuplicate("duplicate_content")
		return catalog.Entry{}, &apperrors.DuplicateError{ConflictWith: conflictName}
	}

	stored := s.compressor.Apply(req.Content)
	standardized := catalog.StandardizeName(req.Name)

	dup, conflictName, err = s.guard.CheckName(ctx, standardized)
	if err != nil {
		return catalog.Entry{}, err
	}
	if dup {
		s.countDuplicate("duplicate_name")
		return catalog.Entry{}, &apperrors.DuplicateError{ByName: true, ConflictWith: conflictName}
	}

	handle, err := s.blobs.Put(ctx, stored, standardized)
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("storing content: %w", err)
	}

	entry := catalog.Entry{
		ID:                uuid.NewString(),
		DisplayName:       standardized,
		OriginalName:      req.Name,
		StorageHandle:     handle,
		SizeBytes:         int64(len(stored)),
		OriginalSizeBytes: int64(len(req.Content)),
		PreTransformHash:  fingerprint.Digest(req.Content),
		PostTransformHash: fingerprint.Digest(stored),
		Provenance:        catalog.Provenance(req.Provenance),
		ExternalSourceID:  req.ExternalSourceID,
		LastModified:      time.Now().UTC(),
	}

	// Bounded retries, then a hard failure: ingestion must never report
	// success when the record did not persist. Conflicts are deterministic
	// and not retried.
	var insertErr error
	retryErr := resilience.Retry(ctx, "catalog-insert", resilience.FixedRetryConfig(), func() error {
		insertErr = s.store.Insert(ctx, entry)
		if errors.Is(insertErr, apperrors.ErrConflict) {
			return nil
		}
		return insertErr
	})
	if retryErr != nil || errors.Is(insertErr, apperrors.ErrConflict) {
		s.releaseBlob(handle)
		if retryErr != nil {
			return catalog.Entry{}, fmt.Errorf("persisting catalog entry: %w", retryErr)
		}
		return catalog.Entry{}, insertErr
	}
	return entry, nil
}

// Remove deletes a document and releases its stored content. A missing
// blob is tolerated: the catalog row is authoritative.
func (s *Service) Remove(ctx context.Context, displayName string) error {
	entry, err := s.store.RemoveByName(ctx, displayName)
	if err != nil {
		return err
	}
	s.releaseBlob(entry.StorageHandle)
	s.logger.Info("document removed", "display_name", displayName)
	s.publishChange(ctx, SourceChangedEvent{
		Kind:        ChangeRemoved,
		DisplayName: displayName,
		OccurredAt:  time.Now().UTC(),
	})
	return nil
}

// List returns the current catalog.
func (s *Service) List(ctx context.Context) ([]catalog.Entry, error) {
	return s.store.List(ctx)
}

// RegisterURL adds a URL source and nudges the index worker.
func (s *Service) RegisterURL(ctx context.Context, rawURL string) error {
	if err := s.store.RegisterURL(ctx, rawURL); err != nil {
		return err
	}
	s.publishChange(ctx, SourceChangedEvent{
		Kind:       ChangeURLAdded,
		URL:        rawURL,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// RemoveURL drops a URL source. Removing an absent URL succeeds.
func (s *Service) RemoveURL(ctx context.Context, rawURL string) error {
	if err := s.store.RemoveURL(ctx, rawURL); err != nil {
		return err
	}
	s.publishChange(ctx, SourceChangedEvent{
		Kind:       ChangeURLRemoved,
		URL:        rawURL,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// ListURLs returns the registered URL set.
func (s *Service) ListURLs(ctx context.Context) ([]string, error) {
	return s.store.ListURLs(ctx)
}

// CurrentFingerprint recomputes the source-set fingerprint from the live
// catalog and URL registry. Never cached beyond this call.
func (s *Service) CurrentFingerprint(ctx context.Context) (FingerprintStatus, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return FingerprintStatus{}, fmt.Errorf("listing catalog: %w", err)
	}
	urls, err := s.store.ListURLs(ctx)
	if err != nil {
		return FingerprintStatus{}, fmt.Errorf("listing urls: %w", err)
	}
	return FingerprintStatus{
		Fingerprint:   fingerprint.SourceSet(sourceEntries(entries), urls),
		DocumentCount: len(entries),
		URLCount:      len(urls),
	}, nil
}

func (s *Service) publishChange(ctx context.Context, ev SourceChangedEvent) {
	if s.publisher == nil {
		return
	}
	status, err := s.CurrentFingerprint(ctx)
	if err == nil {
		ev.Fingerprint = status.Fingerprint
	}
	key := ev.DisplayName
	if key == "" {
		key = ev.URL
	}
	if err := s.publisher.Publish(ctx, kafka.Event{Key: key, Value: ev}); err != nil {
		// The worker recomputes fingerprints on its own schedule, so a
		// lost nudge delays the rebuild instead of losing data.
		s.logger.Warn("failed to publish source-changed event", "kind", ev.Kind, "error", err)
	}
}

func (s *Service) releaseBlob(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, handle); err != nil {
		s.logger.Warn("failed to release storage handle", "handle", handle, "error", err)
	}
}

func (s *Service) countIngest(provenance, outcome string) {
	if s.metrics != nil {
		s.metrics.IngestsTotal.WithLabelValues(provenance, outcome).Inc()
	}
}

func (s *Service) countDuplicate(reason string) {
	if s.metrics != nil {
		s.metrics.DuplicatesTotal.WithLabelValues(reason).Inc()
	}
}

func resultFor(e catalog.Entry, known bool) IngestResult {
	return IngestResult{
		EntryID:      e.ID,
		DisplayName:  e.DisplayName,
		SizeBytes:    e.SizeBytes,
		Ratio:        e.CompressionRatio(),
		AlreadyKnown: known,
	}
}

func sourceEntries(entries []catalog.Entry) []fingerprint.SourceEntry {
	out := make([]fingerprint.SourceEntry, len(entries))
	for i, e := range entries {
		out[i] = fingerprint.SourceEntry{DisplayName: e.DisplayName, LastModified: e.LastModified}
	}
	return out
}
