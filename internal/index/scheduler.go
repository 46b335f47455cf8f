package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/fingerprint"
	"github.com/kinetic-kb/kbsync/pkg/config"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/logger"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
)

// SourceReader lists the current source set feeding the index.
type SourceReader interface {
	List(ctx context.Context) ([]catalog.Entry, error)
	ListURLs(ctx context.Context) ([]string, error)
}

// BlobGetter fetches stored document content for extraction.
type BlobGetter interface {
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Status is a snapshot of the scheduler's view of the index.
type Status struct {
	Fingerprint string    `json:"fingerprint"`
	BuiltAt     time.Time `json:"builtAt"`
	Chunks      int       `json:"chunks"`
	Documents   int       `json:"documents"`
	URLs        int       `json:"urls"`
	Degraded    bool      `json:"degraded"`
	Stale       bool      `json:"stale"`
}

// Scheduler keeps the in-memory artifact in step with the source set. It
// compares fingerprints to decide staleness, collapses concurrent rebuild
// requests onto one build, and adopts a persisted artifact on startup
// instead of rebuilding from scratch.
type Scheduler struct {
	sources  SourceReader
	blobs    BlobGetter
	extract  Extractor
	builder  Builder
	manager  *Manager
	metrics  *metrics.Metrics
	cfg      config.IndexConfig
	log      *slog.Logger
	group    singleflight.Group

	mu   sync.RWMutex
	held *Artifact
}

func NewScheduler(sources SourceReader, blobs BlobGetter, extract Extractor, builder Builder, manager *Manager, m *metrics.Metrics, cfg config.IndexConfig) *Scheduler {
	return &Scheduler{
		sources: sources,
		blobs:   blobs,
		extract: extract,
		builder: builder,
		manager: manager,
		metrics: m,
		cfg:     cfg,
		log:     logger.WithComponent("index-scheduler"),
	}
}

// Current returns the artifact being served, or nil before the first
// successful EnsureCurrent.
func (s *Scheduler) Current() *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held
}

// Status reports the served artifact alongside a staleness check against
// the live source set.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	current, err := s.currentFingerprint(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	held := s.held
	s.mu.RUnlock()

	st := Status{
		Degraded: s.manager.Degraded(),
		Stale:    true,
	}
	if held != nil {
		st.Fingerprint = held.Fingerprint
		st.BuiltAt = held.BuiltAt
		st.Chunks = len(held.Chunks)
		st.Documents = held.SourceCounts.Documents
		st.URLs = held.SourceCounts.URLs
		st.Stale = held.Fingerprint != current
	}
	return st, nil
}

// NeedsRebuild reports whether the held artifact's fingerprint disagrees
// with the live source set.
func (s *Scheduler) NeedsRebuild(ctx context.Context) (bool, error) {
	current, err := s.currentFingerprint(ctx)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held == nil || s.held.Fingerprint != current, nil
}

// EnsureCurrent makes the served artifact match the live source set,
// rebuilding only when the fingerprints disagree. Concurrent callers
// collapse onto a single build.
func (s *Scheduler) EnsureCurrent(ctx context.Context) (*Artifact, error) {
	v, err, _ := s.group.Do("rebuild", func() (interface{}, error) {
		return s.ensure(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

func (s *Scheduler) ensure(ctx context.Context) (*Artifact, error) {
	current, err := s.currentFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	held := s.held
	s.mu.RUnlock()
	if held != nil && held.Fingerprint == current {
		return held, nil
	}

	// A persisted artifact for this exact source set is adopted as-is.
	if art, err := s.manager.Load(ctx); err == nil && art.Fingerprint == current {
		s.log.Info("adopted persisted artifact",
			"fingerprint", art.Fingerprint, "chunks", len(art.Chunks))
		s.countRebuild("adopted", "success")
		s.hold(art)
		return art, nil
	} else if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		s.log.Warn("could not check persisted artifact, rebuilding", "error", err)
	}

	art, err := s.rebuild(ctx, current)
	if err != nil {
		s.countRebuild("stale", "failure")
		return nil, err
	}
	s.countRebuild("stale", "success")
	s.hold(art)

	if _, err := s.manager.Save(ctx, art); err != nil {
		// The rebuild itself succeeded; persistence failure only costs
		// a rebuild on the next restart.
		s.log.Error("failed to persist rebuilt artifact", "error", err)
	}
	return art, nil
}

func (s *Scheduler) rebuild(ctx context.Context, fp string) (*Artifact, error) {
	start := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()

	entries, err := s.sources.List(buildCtx)
	if err != nil {
		return nil, fmt.Errorf("listing documents for rebuild: %w", err)
	}
	urls, err := s.sources.ListURLs(buildCtx)
	if err != nil {
		return nil, fmt.Errorf("listing urls for rebuild: %w", err)
	}

	docs := make([]Document, 0, len(entries))
	for _, entry := range entries {
		stored, err := s.blobs.Get(buildCtx, entry.StorageHandle)
		if err != nil {
			s.log.Warn("skipping unreadable document", "name", entry.DisplayName, "error", err)
			continue
		}
		doc, err := s.extract.Extract(buildCtx, entry, stored)
		if err != nil {
			s.log.Warn("skipping unextractable document", "name", entry.DisplayName, "error", err)
			continue
		}
		docs = append(docs, doc)
	}

	chunks, err := s.builder.Build(buildCtx, docs)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RebuildDuration.Observe(elapsed.Seconds())
	}
	s.log.Info("index rebuilt",
		"documents", len(docs), "urls", len(urls), "chunks", len(chunks),
		"duration_ms", elapsed.Milliseconds())

	return &Artifact{
		Fingerprint: fp,
		BuiltAt:     time.Now().UTC(),
		SourceCounts: SourceCounts{
			Documents: len(docs),
			URLs:      len(urls),
		},
		Chunks: chunks,
	}, nil
}

// Run rebuilds on a fixed interval until the context is cancelled. Change
// events arriving over Kafka trigger rebuilds sooner; the ticker is the
// backstop for missed events.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RebuildInterval)
	defer ticker.Stop()

	if _, err := s.EnsureCurrent(ctx); err != nil {
		s.log.Error("initial index build failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			stale, err := s.NeedsRebuild(ctx)
			if err != nil {
				s.log.Error("staleness check failed", "error", err)
				continue
			}
			if !stale {
				continue
			}
			if _, err := s.EnsureCurrent(ctx); err != nil {
				s.log.Error("scheduled rebuild failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) countRebuild(trigger, status string) {
	if s.metrics != nil {
		s.metrics.IndexRebuildsTotal.WithLabelValues(trigger, status).Inc()
	}
}

func (s *Scheduler) hold(art *Artifact) {
	s.mu.Lock()
	s.held = art
	s.mu.Unlock()
}

func (s *Scheduler) currentFingerprint(ctx context.Context) (string, error) {
	entries, err := s.sources.List(ctx)
	if err != nil {
		return "", fmt.Errorf("listing documents: %w", err)
	}
	urls, err := s.sources.ListURLs(ctx)
	if err != nil {
		return "", fmt.Errorf("listing urls: %w", err)
	}
	sources := make([]fingerprint.SourceEntry, len(entries))
	for i, e := range entries {
		sources[i] = fingerprint.SourceEntry{
			DisplayName:  e.DisplayName,
			LastModified: e.LastModified,
		}
	}
	return fingerprint.SourceSet(sources, urls), nil
}
