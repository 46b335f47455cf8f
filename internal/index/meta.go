package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/postgres"
)

// ArtifactMeta is the singleton metadata record for the persisted artifact.
type ArtifactMeta struct {
	StorageHandle string
	Fingerprint   string
	SizeBytes     int64
	BuiltAt       time.Time
	Documents     int
	URLs          int
}

// MetaStore persists the singleton artifact record.
type MetaStore interface {
	Get(ctx context.Context) (ArtifactMeta, error)
	Upsert(ctx context.Context, meta ArtifactMeta) error
}

// PostgresMetaStore keeps the record in the single-row index_artifacts
// table; see scripts/schema.sql.
type PostgresMetaStore struct {
	db *postgres.Client
}

func NewPostgresMetaStore(db *postgres.Client) *PostgresMetaStore {
	return &PostgresMetaStore{db: db}
}

func (s *PostgresMetaStore) Get(ctx context.Context) (ArtifactMeta, error) {
	var meta ArtifactMeta
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT storage_handle, fingerprint, size_bytes, built_at, document_count, url_count
		 FROM index_artifacts WHERE id = 1`,
	).Scan(&meta.StorageHandle, &meta.Fingerprint, &meta.SizeBytes, &meta.BuiltAt, &meta.Documents, &meta.URLs)
	if err == sql.ErrNoRows {
		return ArtifactMeta{}, apperrors.ErrNotFound
	}
	if err != nil {
		return ArtifactMeta{}, fmt.Errorf("querying artifact metadata: %w", err)
	}
	meta.BuiltAt = meta.BuiltAt.UTC()
	return meta, nil
}

func (s *PostgresMetaStore) Upsert(ctx context.Context, meta ArtifactMeta) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO index_artifacts (id, storage_handle, fingerprint, size_bytes, built_at, document_count, url_count)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			storage_handle = EXCLUDED.storage_handle,
			fingerprint = EXCLUDED.fingerprint,
			size_bytes = EXCLUDED.size_bytes,
			built_at = EXCLUDED.built_at,
			document_count = EXCLUDED.document_count,
			url_count = EXCLUDED.url_count`,
		meta.StorageHandle, meta.Fingerprint, meta.SizeBytes, meta.BuiltAt.UTC(), meta.Documents, meta.URLs,
	)
	if err != nil {
		return fmt.Errorf("upserting artifact metadata: %w", err)
	}
	return nil
}
