// Package transform implements the lossy storage transform applied to
// accepted documents before they reach the blob store. The current transform
// is gzip; the contract is that output is never larger than input and a
// failing transform falls back to the original bytes.
package transform

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
)

// Compressor applies gzip at maximum compression.
type Compressor struct {
	logger *slog.Logger
}

func NewCompressor() *Compressor {
	return &Compressor{
		logger: slog.Default().With("component", "transform"),
	}
}

// Apply compresses data. If compression fails or does not strictly reduce
// size (already-compressed formats like PDF streams often grow), the input
// is returned unchanged. Apply never returns an error: an unavailable
// transform is not an ingestion failure.
func (c *Compressor) Apply(data []byte) []byte {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		c.logger.Warn("gzip writer init failed, storing original", "error", err)
		return data
	}
	if _, err := w.Write(data); err != nil {
		c.logger.Warn("compression failed, storing original", "error", err)
		return data
	}
	if err := w.Close(); err != nil {
		c.logger.Warn("compression flush failed, storing original", "error", err)
		return data
	}
	if buf.Len() >= len(data) {
		c.logger.Debug("compression did not reduce size, storing original",
			"original_bytes", len(data),
			"compressed_bytes", buf.Len(),
		)
		return data
	}
	return buf.Bytes()
}

// Open returns the original bytes for stored content, transparently
// decompressing when the blob is gzip. Non-gzip blobs (the fallback path in
// Apply) pass through untouched.
func Open(stored []byte) ([]byte, error) {
	if !isGzip(stored) {
		return stored, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("opening gzip blob: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob: %w", err)
	}
	return out, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
