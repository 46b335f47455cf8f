package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kinetic-kb/kbsync/pkg/config"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
	"github.com/kinetic-kb/kbsync/pkg/redis"
	"github.com/kinetic-kb/kbsync/pkg/resilience"
)

// manifest is the commit record for a stored object. An object without a
// manifest does not exist; chunks are only readable through it.
type manifest struct {
	SizeBytes int64 `json:"size_bytes"`
	Chunks    int   `json:"chunks"`
	ChunkSize int   `json:"chunk_size"`
}

// RedisStore stores objects in Redis as fixed-size chunks under a shared key
// prefix. Writes land under a temporary handle first and are promoted by
// renaming, so a crashed upload never leaves a readable half-object.
type RedisStore struct {
	client  *redis.Client
	cfg     config.BlobConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRedisStore(client *redis.Client, cfg config.BlobConfig, m *metrics.Metrics) *RedisStore {
	breaker := resilience.NewCircuitBreaker("blob-redis", resilience.CircuitBreakerConfig{})
	if m != nil {
		breaker.OnStateChange(func(s resilience.State) {
			m.CircuitBreakerState.WithLabelValues("blob-redis").Set(float64(s))
		})
	}
	return &RedisStore{
		client:  client,
		cfg:     cfg,
		breaker: breaker,
		metrics: m,
		logger:  slog.Default().With("component", "blob-redis"),
	}
}

func (s *RedisStore) MaxObjectSize() int64 {
	return s.cfg.MaxObjectSize
}

func (s *RedisStore) Put(ctx context.Context, data []byte, handleHint string) (string, error) {
	if int64(len(data)) > s.cfg.MaxObjectSize {
		return "", apperrors.Newf(apperrors.ErrStorageCapacity, 507,
			"object size %d exceeds ceiling %d", len(data), s.cfg.MaxObjectSize)
	}

	handle := newHandle(handleHint)
	tmp := handle + ".tmp"

	chunks := splitChunks(data, s.cfg.ChunkSize)
	for i, chunk := range chunks {
		key := s.chunkKey(tmp, i)
		if err := s.withRetry(ctx, "blob-put-chunk", func() error {
			return s.client.Set(ctx, key, chunk, 0)
		}); err != nil {
			s.cleanup(handle+".tmp", err)
			return "", fmt.Errorf("writing chunk %d: %w", i, err)
		}
		if s.metrics != nil {
			s.metrics.BlobChunksWritten.Inc()
		}
	}

	m := manifest{SizeBytes: int64(len(data)), Chunks: len(chunks), ChunkSize: s.cfg.ChunkSize}
	mdata, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := s.withRetry(ctx, "blob-put-manifest", func() error {
		return s.client.Set(ctx, s.manifestKey(tmp), mdata, 0)
	}); err != nil {
		s.cleanup(tmp, err)
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	if err := s.promote(ctx, tmp, handle, len(chunks)); err != nil {
		s.cleanup(tmp, err)
		return "", err
	}

	s.logger.Debug("object stored", "handle", handle, "size_bytes", len(data), "chunks", len(chunks))
	return handle, nil
}

func (s *RedisStore) Get(ctx context.Context, handle string) ([]byte, error) {
	var mdata []byte
	var missing bool
	err := s.withRetry(ctx, "blob-get-manifest", func() error {
		data, getErr := s.client.GetBytes(ctx, s.manifestKey(handle))
		if redis.IsNilError(getErr) {
			missing = true
			return nil
		}
		mdata = data
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("reading manifest for %s: %w", handle, err)
	}
	if missing {
		return nil, apperrors.ErrNotFound
	}

	var m manifest
	if err := json.Unmarshal(mdata, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest for %s: %v", apperrors.ErrCorruptArtifact, handle, err)
	}

	out := make([]byte, 0, m.SizeBytes)
	for i := 0; i < m.Chunks; i++ {
		var chunk []byte
		var chunkMissing bool
		err := s.withRetry(ctx, "blob-get-chunk", func() error {
			data, getErr := s.client.GetBytes(ctx, s.chunkKey(handle, i))
			if redis.IsNilError(getErr) {
				chunkMissing = true
				return nil
			}
			chunk = data
			return getErr
		})
		if err != nil {
			return nil, fmt.Errorf("reading chunk %d of %s: %w", i, handle, err)
		}
		if chunkMissing {
			return nil, fmt.Errorf("%w: chunk %d of %s missing", apperrors.ErrCorruptArtifact, i, handle)
		}
		out = append(out, chunk...)
	}

	if int64(len(out)) != m.SizeBytes {
		return nil, fmt.Errorf("%w: %s reassembled to %d bytes, manifest says %d",
			apperrors.ErrCorruptArtifact, handle, len(out), m.SizeBytes)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, handle string) error {
	err := s.withRetry(ctx, "blob-delete", func() error {
		_, delErr := s.client.FlushByPattern(ctx, s.cfg.KeyPrefix+handle+":*")
		return delErr
	})
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", handle, err)
	}
	return nil
}

// promote renames manifest and chunk keys from the temporary handle to the
// final one. The manifest goes last so the object becomes visible only when
// every chunk is already in place.
func (s *RedisStore) promote(ctx context.Context, tmp, handle string, chunks int) error {
	for i := 0; i < chunks; i++ {
		if err := s.withRetry(ctx, "blob-promote-chunk", func() error {
			return s.client.Rename(ctx, s.chunkKey(tmp, i), s.chunkKey(handle, i))
		}); err != nil {
			return fmt.Errorf("promoting chunk %d: %w", i, err)
		}
	}
	if err := s.withRetry(ctx, "blob-promote-manifest", func() error {
		return s.client.Rename(ctx, s.manifestKey(tmp), s.manifestKey(handle))
	}); err != nil {
		return fmt.Errorf("promoting manifest: %w", err)
	}
	return nil
}

func (s *RedisStore) withRetry(ctx context.Context, name string, fn func() error) error {
	return resilience.WithTimeout(ctx, s.cfg.OpTimeout, name, func(opCtx context.Context) error {
		return resilience.Retry(opCtx, name, resilience.FixedRetryConfig(), func() error {
			return s.breaker.Execute(fn)
		})
	})
}

// cleanup removes leftover temporary keys after a failed upload. Failures
// here are only logged; the orphan keys are a leak, not a correctness issue.
func (s *RedisStore) cleanup(tmpHandle string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if _, err := s.client.FlushByPattern(ctx, s.cfg.KeyPrefix+tmpHandle+":*"); err != nil {
		s.logger.Warn("failed to clean up temporary blob keys",
			"handle", tmpHandle,
			"cause", cause,
			"error", err,
		)
	}
}

func (s *RedisStore) manifestKey(handle string) string {
	return s.cfg.KeyPrefix + handle + ":manifest"
}

func (s *RedisStore) chunkKey(handle string, i int) string {
	return fmt.Sprintf("%s%s:chunk:%06d", s.cfg.KeyPrefix, handle, i)
}

func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 1 << 20
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func newHandle(hint string) string {
	hint = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, hint)
	if len(hint) > 64 {
		hint = hint[:64]
	}
	if hint == "" {
		hint = "blob"
	}
	return hint + "-" + uuid.NewString()
}
