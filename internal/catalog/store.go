package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/postgres"
)

// Store persists catalog entries and registered URLs in PostgreSQL. The
// unique indexes on display_name and post_transform_hash are the last-line
// invariant check behind the deduplication guard; see scripts/schema.sql.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "catalog"),
	}
}

const entryColumns = `id, display_name, original_name, storage_handle,
	size_bytes, original_size_bytes, pre_transform_hash, post_transform_hash,
	provenance, external_source_id, last_modified`

// Insert adds a new entry. A unique violation on display_name or
// post_transform_hash surfaces as ErrConflict: the caller is expected to
// have run the deduplication guard already, so hitting this means a race.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO catalog_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.DisplayName, e.OriginalName, e.StorageHandle,
		e.SizeBytes, e.OriginalSizeBytes, e.PreTransformHash, e.PostTransformHash,
		string(e.Provenance), nullable(e.ExternalSourceID), e.LastModified.UTC(),
	)
	if err != nil {
		if postgres.IsUniqueViolation(err, "catalog_entries_display_name_key") {
			return apperrors.Newf(apperrors.ErrConflict, 409, "display name %q already present", e.DisplayName)
		}
		if postgres.IsUniqueViolation(err, "catalog_entries_post_transform_hash_key") {
			return apperrors.Newf(apperrors.ErrConflict, 409, "content hash already present")
		}
		return fmt.Errorf("inserting catalog entry: %w", err)
	}
	s.logger.Info("catalog entry created",
		"id", e.ID,
		"display_name", e.DisplayName,
		"provenance", e.Provenance,
		"size_bytes", e.SizeBytes,
	)
	return nil
}

// Remove deletes the entry and returns it so the caller can release the
// storage handle. Absent entries return ErrNotFound.
func (s *Store) Remove(ctx context.Context, id string) (Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`DELETE FROM catalog_entries WHERE id = $1 RETURNING `+entryColumns,
		id,
	)
	return s.scanEntry(row)
}

// RemoveByName deletes the entry with the given display name.
func (s *Store) RemoveByName(ctx context.Context, displayName string) (Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`DELETE FROM catalog_entries WHERE display_name = $1 RETURNING `+entryColumns,
		displayName,
	)
	return s.scanEntry(row)
}

// List returns all entries ordered by display name.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries ORDER BY display_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByName returns the entry with the given display name.
func (s *Store) FindByName(ctx context.Context, displayName string) (Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE display_name = $1`,
		displayName,
	)
	return s.scanEntry(row)
}

// FindByHash returns the first entry whose pre- or post-transform hash
// equals h. Which side of the transform the match lands on is irrelevant
// to the deduplication guard.
func (s *Store) FindByHash(ctx context.Context, h string) (Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries
		 WHERE pre_transform_hash = $1 OR post_transform_hash = $1
		 LIMIT 1`,
		h,
	)
	return s.scanEntry(row)
}

// FindByExternalSourceID returns the entry previously imported from the
// given upstream identifier, enabling idempotent re-import.
func (s *Store) FindByExternalSourceID(ctx context.Context, externalID string) (Entry, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE external_source_id = $1`,
		externalID,
	)
	return s.scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var provenance string
	var externalID sql.NullString
	err := row.Scan(
		&e.ID, &e.DisplayName, &e.OriginalName, &e.StorageHandle,
		&e.SizeBytes, &e.OriginalSizeBytes, &e.PreTransformHash, &e.PostTransformHash,
		&provenance, &externalID, &e.LastModified,
	)
	if err == sql.ErrNoRows {
		return Entry{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scanning catalog entry: %w", err)
	}
	e.Provenance = Provenance(provenance)
	e.ExternalSourceID = externalID.String
	e.LastModified = e.LastModified.UTC()
	return e, nil
}

// RegisterURL adds a URL to the registry. Malformed URLs are rejected and
// re-registering an existing URL returns ErrConflict.
func (s *Store) RegisterURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid URL %q", rawURL)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO registered_urls (url, registered_at) VALUES ($1, $2)`,
		rawURL, time.Now().UTC(),
	)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return apperrors.Newf(apperrors.ErrConflict, 409, "URL already registered")
		}
		return fmt.Errorf("registering url: %w", err)
	}
	s.logger.Info("url registered", "url", rawURL)
	return nil
}

// RemoveURL deletes a URL from the registry. Removing an absent URL is a
// no-op success.
func (s *Store) RemoveURL(ctx context.Context, rawURL string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM registered_urls WHERE url = $1`,
		rawURL,
	)
	if err != nil {
		return fmt.Errorf("removing url: %w", err)
	}
	return nil
}

// ListURLs returns all registered URLs in lexical order.
func (s *Store) ListURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT url FROM registered_urls ORDER BY url`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning url row: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
