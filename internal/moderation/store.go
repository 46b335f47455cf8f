package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/postgres"
)

// Store persists pending submissions in PostgreSQL; see scripts/schema.sql
// for the pending_submissions table.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "moderation-store"),
	}
}

const submissionColumns = `id, original_name, storage_handle, uploaded_at,
	size_bytes, pre_upload_hash, status, decided_at, rejection_reason,
	duplicate_of, standardized_filename`

// Create inserts a new pending submission.
func (s *Store) Create(ctx context.Context, sub Submission) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO pending_submissions (id, original_name, storage_handle,
			uploaded_at, size_bytes, pre_upload_hash, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OriginalName, sub.StorageHandle,
		sub.UploadedAt.UTC(), sub.SizeBytes, sub.PreUploadHash, string(sub.Status),
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

// Get returns a submission by id.
func (s *Store) Get(ctx context.Context, id string) (Submission, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions WHERE id = $1`,
		id,
	)
	return scanSubmission(row)
}

// FindPendingByHash returns a pending submission sharing the upload hash.
// Used to refuse identical re-submissions while the first awaits review.
func (s *Store) FindPendingByHash(ctx context.Context, hash string) (Submission, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions
		 WHERE pre_upload_hash = $1 AND status = 'pending'
		 LIMIT 1`,
		hash,
	)
	return scanSubmission(row)
}

// MarkDecided transitions a pending submission to a terminal state. It only
// matches rows still pending, so terminal states stay immutable.
func (s *Store) MarkDecided(ctx context.Context, id string, status Status, reason RejectionReason, duplicateOf, standardizedName string) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE pending_submissions
		 SET status = $2, decided_at = $3, rejection_reason = NULLIF($4, ''),
		     duplicate_of = NULLIF($5, ''), standardized_filename = NULLIF($6, '')
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), time.Now().UTC(), string(reason), duplicateOf, standardizedName,
	)
	if err != nil {
		return fmt.Errorf("updating submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking submission update: %w", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, 404, "no pending submission %s", id)
	}
	return nil
}

// Delete removes a submission record. Absent rows are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM pending_submissions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting submission %s: %w", id, err)
	}
	return nil
}

// ListPending returns all pending submissions, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Submission, error) {
	return s.list(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions
		 WHERE status = 'pending' ORDER BY uploaded_at`,
	)
}

// ListDecidedSince returns terminal submissions decided after the cutoff,
// newest first. Older terminal rows remain in the store; they just drop out
// of the feedback feed.
func (s *Store) ListDecidedSince(ctx context.Context, cutoff time.Time) ([]Submission, error) {
	return s.list(ctx,
		`SELECT `+submissionColumns+` FROM pending_submissions
		 WHERE status <> 'pending' AND decided_at >= $1
		 ORDER BY decided_at DESC`,
		cutoff.UTC(),
	)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Submission, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var sub Submission
	var status string
	var decidedAt sql.NullTime
	var reason, duplicateOf, standardized sql.NullString
	err := row.Scan(
		&sub.ID, &sub.OriginalName, &sub.StorageHandle, &sub.UploadedAt,
		&sub.SizeBytes, &sub.PreUploadHash, &status, &decidedAt, &reason,
		&duplicateOf, &standardized,
	)
	if err == sql.ErrNoRows {
		return Submission{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("scanning submission: %w", err)
	}
	sub.Status = Status(status)
	sub.UploadedAt = sub.UploadedAt.UTC()
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		sub.DecidedAt = &t
	}
	sub.RejectionReason = RejectionReason(reason.String)
	sub.DuplicateOf = duplicateOf.String
	sub.StandardizedFilename = standardized.String
	return sub, nil
}
