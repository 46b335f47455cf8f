package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/fingerprint"
	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/internal/ingest/validator"
	"github.com/kinetic-kb/kbsync/pkg/config"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/kafka"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
	"github.com/kinetic-kb/kbsync/pkg/tracing"
)

// SubmissionStore is the persistence slice the workflow drives.
type SubmissionStore interface {
	Create(ctx context.Context, sub Submission) error
	Get(ctx context.Context, id string) (Submission, error)
	FindPendingByHash(ctx context.Context, hash string) (Submission, error)
	MarkDecided(ctx context.Context, id string, status Status, reason RejectionReason, duplicateOf, standardizedName string) error
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]Submission, error)
	ListDecidedSince(ctx context.Context, cutoff time.Time) ([]Submission, error)
}

// Admitter promotes accepted content into the catalog. Implemented by the
// ingestion pipeline.
type Admitter interface {
	Admit(ctx context.Context, req ingest.IngestRequest) (catalog.Entry, error)
}

// BlobStore holds submission content in a temporary area until a decision.
type BlobStore interface {
	Put(ctx context.Context, data []byte, handleHint string) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

// Publisher emits decision and source-change events.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Service implements the moderation state machine. Approval runs the same
// guard-transform-store sequence as direct ingestion; the catalog insert and
// the submission status update are two writes without a shared transaction,
// a known at-least-once hazard: if the status update is lost, the next
// approval attempt resolves as duplicate_content against the entry the
// first attempt created.
type Service struct {
	store     SubmissionStore
	blobs     BlobStore
	admitter  Admitter
	decisions Publisher
	sources   Publisher
	metrics   *metrics.Metrics
	cfg       config.ModerationConfig
	allowed   []string
	logger    *slog.Logger
}

func NewService(store SubmissionStore, blobs BlobStore, admitter Admitter, decisions, sources Publisher, m *metrics.Metrics, cfg config.ModerationConfig, allowedTypes []string) *Service {
	return &Service{
		store:     store,
		blobs:     blobs,
		admitter:  admitter,
		decisions: decisions,
		sources:   sources,
		metrics:   m,
		cfg:       cfg,
		allowed:   allowedTypes,
		logger:    slog.Default().With("component", "moderation"),
	}
}

// Submit accepts an untrusted upload into the pending queue. An identical
// upload already awaiting review is refused outright with no record
// created, which keeps the queue from flooding with re-submissions.
func (s *Service) Submit(ctx context.Context, name string, content []byte) (Submission, error) {
	if err := validator.ValidateUpload(name, int64(len(content)), s.cfg.MaxUploadSize, s.allowed); err != nil {
		return Submission{}, apperrors.Newf(apperrors.ErrInvalidInput, 400, "%s", err.Error())
	}

	hash := fingerprint.Digest(content)
	pending, err := s.store.FindPendingByHash(ctx, hash)
	if err == nil {
		s.logger.Info("refused re-submission of pending content",
			"name", name,
			"pending_submission", pending.ID,
		)
		return Submission{}, apperrors.Newf(apperrors.ErrDuplicateContent, 409,
			"identical content is already awaiting review as %q", pending.OriginalName)
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return Submission{}, fmt.Errorf("checking pending queue: %w", err)
	}

	handle, err := s.blobs.Put(ctx, content, "pending-"+catalog.StandardizeName(name))
	if err != nil {
		return Submission{}, fmt.Errorf("storing submission content: %w", err)
	}

	sub := Submission{
		ID:            uuid.NewString(),
		OriginalName:  name,
		StorageHandle: handle,
		UploadedAt:    time.Now().UTC(),
		SizeBytes:     int64(len(content)),
		PreUploadHash: hash,
		Status:        StatusPending,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		s.releaseBlob(handle)
		return Submission{}, fmt.Errorf("recording submission: %w", err)
	}

	s.logger.Info("submission queued", "id", sub.ID, "name", name, "size_bytes", sub.SizeBytes)
	return sub, nil
}

// Approve promotes a pending submission through the full ingestion pipeline.
// Content or name collisions against the catalog transition the submission
// to rejected with the conflicting entry recorded, and the duplicate error
// is returned so the operator sees exactly what happened.
func (s *Service) Approve(ctx context.Context, id string) (catalog.Entry, error) {
	ctx, span := tracing.StartChildSpan(ctx, "moderation-approve")
	defer span.End()
	span.SetAttr("submission_id", id)

	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return catalog.Entry{}, err
	}
	if sub.Terminal() {
		return catalog.Entry{}, apperrors.Newf(apperrors.ErrConflict, 409,
			"submission %s already decided as %s", id, sub.Status)
	}

	content, err := s.blobs.Get(ctx, sub.StorageHandle)
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("reading submission content: %w", err)
	}

	entry, err := s.admitter.Admit(ctx, ingest.IngestRequest{
		Name:       sub.OriginalName,
		Content:    content,
		Provenance: string(catalog.ProvenanceCollaboratorApproved),
	})
	if err != nil {
		var dupErr *apperrors.DuplicateError
		if errors.As(err, &dupErr) {
			return catalog.Entry{}, s.reject(ctx, sub, dupErr, err)
		}
		// Backend trouble leaves the submission pending for a later retry.
		return catalog.Entry{}, fmt.Errorf("admitting submission %s: %w", id, err)
	}

	if err := s.store.MarkDecided(ctx, id, StatusApproved, "", "", entry.DisplayName); err != nil {
		// The catalog entry exists but the submission still reads pending.
		// A repeated approve resolves as duplicate_content against the
		// entry just created; see the Service doc comment.
		s.logger.Error("submission status update failed after catalog insert",
			"id", id,
			"entry", entry.DisplayName,
			"error", err,
		)
		return entry, fmt.Errorf("submission %s approved but status update failed: %w", id, err)
	}

	s.releaseBlob(sub.StorageHandle)
	s.countDecision("approved")
	s.publishDecision(ctx, DecisionEvent{
		SubmissionID: id,
		OriginalName: sub.OriginalName,
		Status:       StatusApproved,
		DecidedAt:    time.Now().UTC(),
	})
	s.publishSourceChange(ctx, entry.DisplayName)
	s.logger.Info("submission approved", "id", id, "display_name", entry.DisplayName)
	return entry, nil
}

// reject records a terminal duplicate decision and returns the original
// duplicate error to the caller.
func (s *Service) reject(ctx context.Context, sub Submission, dupErr *apperrors.DuplicateError, cause error) error {
	reason := ReasonDuplicateContent
	if dupErr.ByName {
		reason = ReasonDuplicateName
	}
	if err := s.store.MarkDecided(ctx, sub.ID, StatusRejected, reason, dupErr.ConflictWith, ""); err != nil {
		return fmt.Errorf("recording rejection of %s: %w", sub.ID, err)
	}
	s.releaseBlob(sub.StorageHandle)
	s.countDecision("rejected")
	s.publishDecision(ctx, DecisionEvent{
		SubmissionID:    sub.ID,
		OriginalName:    sub.OriginalName,
		Status:          StatusRejected,
		RejectionReason: reason,
		DuplicateOf:     dupErr.ConflictWith,
		DecidedAt:       time.Now().UTC(),
	})
	s.logger.Info("submission rejected",
		"id", sub.ID,
		"reason", reason,
		"duplicate_of", dupErr.ConflictWith,
	)
	return cause
}

// Deny discards a submission and its temporary content. Denying an absent
// or already-denied submission is a no-op success.
func (s *Service) Deny(ctx context.Context, id string) error {
	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.releaseBlob(sub.StorageHandle)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.countDecision("denied")
	s.logger.Info("submission denied", "id", id, "name", sub.OriginalName)
	return nil
}

// Pending returns the review queue, oldest first.
func (s *Service) Pending(ctx context.Context) ([]Submission, error) {
	return s.store.ListPending(ctx)
}

// RecentlyDecided returns terminal submissions within the configured
// feedback window.
func (s *Service) RecentlyDecided(ctx context.Context) ([]Submission, error) {
	window := s.cfg.DecidedWindow
	if window <= 0 {
		window = 90 * time.Second
	}
	return s.store.ListDecidedSince(ctx, time.Now().Add(-window))
}

func (s *Service) publishDecision(ctx context.Context, ev DecisionEvent) {
	if s.decisions == nil {
		return
	}
	if err := s.decisions.Publish(ctx, kafka.Event{Key: ev.SubmissionID, Value: ev}); err != nil {
		s.logger.Warn("failed to publish decision event", "submission_id", ev.SubmissionID, "error", err)
	}
}

func (s *Service) publishSourceChange(ctx context.Context, displayName string) {
	if s.sources == nil {
		return
	}
	ev := ingest.SourceChangedEvent{
		Kind:        ingest.ChangeIngested,
		DisplayName: displayName,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.sources.Publish(ctx, kafka.Event{Key: displayName, Value: ev}); err != nil {
		s.logger.Warn("failed to publish source-changed event", "display_name", displayName, "error", err)
	}
}

func (s *Service) releaseBlob(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, handle); err != nil {
		s.logger.Warn("failed to release submission blob", "handle", handle, "error", err)
	}
}

func (s *Service) countDecision(decision string) {
	if s.metrics != nil {
		s.metrics.ModerationDecisions.WithLabelValues(decision).Inc()
	}
}
