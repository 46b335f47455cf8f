package index

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/transform"
)

// Extractor turns a stored blob back into indexable text and metadata.
// A failure on one document must not abort a rebuild: the scheduler skips
// the document with a warning.
type Extractor interface {
	Extract(ctx context.Context, entry catalog.Entry, stored []byte) (Document, error)
}

// TextExtractor is the default Extractor: it reverses the storage
// transform and treats the result as UTF-8 text. Format-aware extraction
// (PDF parsing, OCR) plugs in behind the Extractor interface instead.
type TextExtractor struct{}

func (TextExtractor) Extract(ctx context.Context, entry catalog.Entry, stored []byte) (Document, error) {
	original, err := transform.Open(stored)
	if err != nil {
		return Document{}, fmt.Errorf("opening stored content for %s: %w", entry.DisplayName, err)
	}
	if !utf8.Valid(original) {
		return Document{}, fmt.Errorf("content of %s is not extractable text", entry.DisplayName)
	}
	return Document{
		Name: entry.DisplayName,
		Text: string(original),
		Metadata: map[string]string{
			"original_name": entry.OriginalName,
			"provenance":    string(entry.Provenance),
		},
	}, nil
}
