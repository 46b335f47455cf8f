// Package blob defines the byte-storage port used for document content and
// the serialized index artifact, with a Redis-backed chunked implementation
// and an in-memory implementation for tests.
package blob

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

// Store is the blob-storage port. Implementations have a known per-object
// size ceiling and chunk large writes internally.
type Store interface {
	// Put stores data and returns the handle. handleHint influences the
	// generated handle but uniqueness is the implementation's problem.
	Put(ctx context.Context, data []byte, handleHint string) (string, error)

	// Get returns the stored bytes, or ErrNotFound.
	Get(ctx context.Context, handle string) ([]byte, error)

	// Delete removes the object. Deleting an absent handle is a no-op.
	Delete(ctx context.Context, handle string) error

	// MaxObjectSize is the per-object ceiling in bytes.
	MaxObjectSize() int64
}

// IsTransient reports whether err belongs to the connectivity/timeout
// failure class that persistence degrades on instead of propagating.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrTransientBackend) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// go-redis wraps pool/dial failures without a stable sentinel.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "broken pipe")
}
