package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kinetic-kb/kbsync/internal/blob"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/logger"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
)

// SaveResult reports how a persist attempt concluded. Degraded means the
// artifact stayed local-only and the backend was not (or could not be)
// updated; the build itself still succeeded.
type SaveResult struct {
	Handle   string
	Degraded bool
}

// Manager persists built artifacts to blob storage and metadata to the
// catalog database. Once a persist attempt degrades, the manager stays
// local-only until the process restarts: no further backend writes or
// reads are attempted this session.
type Manager struct {
	blobs     blob.Store
	meta      MetaStore
	metrics   *metrics.Metrics
	log       *slog.Logger
	localOnly atomic.Bool
}

func NewManager(blobs blob.Store, meta MetaStore, m *metrics.Metrics) *Manager {
	return &Manager{
		blobs:   blobs,
		meta:    meta,
		metrics: m,
		log:     logger.WithComponent("index-manager"),
	}
}

// Degraded reports whether the manager has switched to local-only mode.
func (m *Manager) Degraded() bool {
	return m.localOnly.Load()
}

// Save serialises the artifact and writes it to blob storage, then records
// the handle in the metadata store. An artifact over the storage ceiling,
// or any transient backend failure, degrades to local-only instead of
// failing: the caller keeps serving the in-memory artifact.
func (m *Manager) Save(ctx context.Context, art *Artifact) (SaveResult, error) {
	data, err := Encode(art)
	if err != nil {
		m.countPersist("error")
		return SaveResult{}, fmt.Errorf("encoding artifact: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ArtifactSizeBytes.Observe(float64(len(data)))
	}

	if m.localOnly.Load() {
		m.countPersist("degraded")
		return SaveResult{Degraded: true}, nil
	}

	if int64(len(data)) > m.blobs.MaxObjectSize() {
		m.log.Warn("artifact exceeds storage ceiling, keeping index local-only",
			"size_bytes", len(data), "max_bytes", m.blobs.MaxObjectSize())
		m.degrade()
		return SaveResult{Degraded: true}, nil
	}

	// Remove the superseded object first so a crash between the two
	// writes leaves at most a missing artifact, never two.
	if prior, err := m.meta.Get(ctx); err == nil && prior.StorageHandle != "" {
		if delErr := m.blobs.Delete(ctx, prior.StorageHandle); delErr != nil {
			m.log.Warn("failed to delete superseded artifact", "handle", prior.StorageHandle, "error", delErr)
		}
	}

	handle, err := m.blobs.Put(ctx, data, "index-artifact")
	if err != nil {
		if blob.IsTransient(err) || errors.Is(err, apperrors.ErrStorageCapacity) {
			m.log.Warn("artifact persist failed, keeping index local-only", "error", err)
			m.degrade()
			return SaveResult{Degraded: true}, nil
		}
		m.countPersist("error")
		return SaveResult{}, fmt.Errorf("storing artifact: %w", err)
	}

	err = m.meta.Upsert(ctx, ArtifactMeta{
		StorageHandle: handle,
		Fingerprint:   art.Fingerprint,
		SizeBytes:     int64(len(data)),
		BuiltAt:       art.BuiltAt,
		Documents:     art.SourceCounts.Documents,
		URLs:          art.SourceCounts.URLs,
	})
	if err != nil {
		if delErr := m.blobs.Delete(ctx, handle); delErr != nil {
			m.log.Warn("failed to delete orphaned artifact", "handle", handle, "error", delErr)
		}
		if blob.IsTransient(err) {
			m.log.Warn("artifact metadata write failed, keeping index local-only", "error", err)
			m.degrade()
			return SaveResult{Degraded: true}, nil
		}
		m.countPersist("error")
		return SaveResult{}, fmt.Errorf("recording artifact metadata: %w", err)
	}

	m.countPersist("stored")
	m.log.Info("artifact persisted",
		"handle", handle, "size_bytes", len(data), "chunks", len(art.Chunks))
	return SaveResult{Handle: handle}, nil
}

// Load fetches and decodes the persisted artifact. It returns ErrNotFound
// when nothing usable is persisted: no metadata row, a missing object, a
// corrupt envelope, or local-only mode. Corruption is logged and then
// treated as absence so startup falls through to a fresh build.
func (m *Manager) Load(ctx context.Context) (*Artifact, error) {
	if m.localOnly.Load() {
		return nil, apperrors.ErrNotFound
	}

	meta, err := m.meta.Get(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("loading artifact metadata: %w", err)
	}

	data, err := m.blobs.Get(ctx, meta.StorageHandle)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			m.log.Warn("artifact metadata points at a missing object", "handle", meta.StorageHandle)
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("fetching artifact %s: %w", meta.StorageHandle, err)
	}

	art, err := Decode(data)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorruptArtifact) {
			m.log.Warn("discarding corrupt persisted artifact", "handle", meta.StorageHandle, "error", err)
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	if art.Fingerprint != meta.Fingerprint {
		m.log.Warn("persisted artifact fingerprint disagrees with metadata, discarding",
			"handle", meta.StorageHandle)
		return nil, apperrors.ErrNotFound
	}
	return art, nil
}

func (m *Manager) degrade() {
	if m.localOnly.CompareAndSwap(false, true) && m.metrics != nil {
		m.metrics.DegradedMode.Set(1)
	}
	m.countPersist("degraded")
}

func (m *Manager) countPersist(outcome string) {
	if m.metrics != nil {
		m.metrics.ArtifactPersists.WithLabelValues(outcome).Inc()
	}
}
