// Package ingest wires the deduplication guard, lossy transform, blob store,
// and catalog into the document ingestion pipeline, and publishes source-set
// change events for the index worker.
package ingest

import "time"

// Change kinds carried in SourceChangedEvent.
const (
	ChangeIngested   = "ingested"
	ChangeRemoved    = "removed"
	ChangeURLAdded   = "url_registered"
	ChangeURLRemoved = "url_removed"
)

// SourceChangedEvent is published whenever the source set mutates. The
// index worker treats it as a staleness nudge; the fingerprint inside is
// advisory since the worker recomputes before rebuilding.
type SourceChangedEvent struct {
	Kind        string    `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	URL         string    `json:"url,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// IngestRequest describes one document handed to the pipeline.
type IngestRequest struct {
	Name             string
	Content          []byte
	Provenance       string
	ExternalSourceID string
}

// IngestResult reports the catalog entry created (or, for an idempotent
// re-import, the pre-existing one).
type IngestResult struct {
	EntryID      string  `json:"entry_id"`
	DisplayName  string  `json:"display_name"`
	SizeBytes    int64   `json:"size_bytes"`
	Ratio        float64 `json:"compression_ratio"`
	AlreadyKnown bool    `json:"already_known,omitempty"`
}

// FingerprintStatus is the response of the current-fingerprint query.
type FingerprintStatus struct {
	Fingerprint   string `json:"fingerprint"`
	DocumentCount int    `json:"document_count"`
	URLCount      int    `json:"url_count"`
}
