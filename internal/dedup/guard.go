// Package dedup implements the deduplication guard that runs before any
// content reaches the catalog. It matches candidates against stored entries
// on both sides of the lossy transform, so a re-submission is caught no
// matter which rendition was stored first.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/fingerprint"
	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

// Catalog is the slice of the catalog store the guard queries.
type Catalog interface {
	FindByHash(ctx context.Context, h string) (catalog.Entry, error)
	FindByName(ctx context.Context, displayName string) (catalog.Entry, error)
}

// Guard checks candidates for duplicates. Pure queries, no side effects.
type Guard struct {
	catalog Catalog
	logger  *slog.Logger
}

func NewGuard(c Catalog) *Guard {
	return &Guard{
		catalog: c,
		logger:  slog.Default().With("component", "dedup"),
	}
}

// CheckContent hashes the candidate as-is and as it would be stored after
// the transform, then looks for any entry matching either digest on either
// of its hash columns. The first match wins and its display name is
// reported. A prior entry may predate compression, postdate it, or the
// candidate may itself be a compressed rendition of a stored original; the
// two-digest query covers all of those.
func (g *Guard) CheckContent(ctx context.Context, candidate []byte, transform func([]byte) []byte) (bool, string, error) {
	h1 := fingerprint.Digest(candidate)
	h2 := fingerprint.Digest(transform(candidate))

	for _, h := range dedupeHashes(h1, h2) {
		entry, err := g.catalog.FindByHash(ctx, h)
		if err == nil {
			g.logger.Info("duplicate content detected",
				"conflicting_entry", entry.DisplayName,
				"hash", h,
			)
			return true, entry.DisplayName, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return false, "", fmt.Errorf("querying catalog by hash: %w", err)
		}
	}
	return false, "", nil
}

// CheckName reports whether the standardized display name the pipeline
// would assign already belongs to a catalog entry. Two distinct byte
// sequences can standardize to the same name, so this runs in addition to
// CheckContent, after the transform stage.
func (g *Guard) CheckName(ctx context.Context, standardizedName string) (bool, string, error) {
	entry, err := g.catalog.FindByName(ctx, standardizedName)
	if err == nil {
		g.logger.Info("duplicate name detected", "conflicting_entry", entry.DisplayName)
		return true, entry.DisplayName, nil
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, "", nil
	}
	return false, "", fmt.Errorf("querying catalog by name: %w", err)
}

func dedupeHashes(h1, h2 string) []string {
	if h1 == h2 {
		return []string{h1}
	}
	return []string{h1, h2}
}
