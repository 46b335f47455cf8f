// Package catalog holds the authoritative metadata record for every accepted
// document, plus the registered-URL set. Together these drive the source-set
// fingerprint.
package catalog

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Provenance records how a document entered the knowledge base.
type Provenance string

const (
	ProvenanceDirectUpload         Provenance = "direct-upload"
	ProvenanceBulkImport           Provenance = "bulk-import"
	ProvenanceCollaboratorApproved Provenance = "collaborator-approved"
)

// Entry is the catalog record for one accepted document. Entries are never
// updated in place: replacement means remove then re-ingest.
type Entry struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"display_name"`
	OriginalName      string     `json:"original_name"`
	StorageHandle     string     `json:"storage_handle"`
	SizeBytes         int64      `json:"size_bytes"`
	OriginalSizeBytes int64      `json:"original_size_bytes"`
	PreTransformHash  string     `json:"pre_transform_hash"`
	PostTransformHash string     `json:"post_transform_hash"`
	Provenance        Provenance `json:"provenance"`
	ExternalSourceID  string     `json:"external_source_id,omitempty"`
	LastModified      time.Time  `json:"last_modified"`
}

// CompressionRatio reports stored size over original size. 1.0 means the
// transform was a pass-through.
func (e Entry) CompressionRatio() float64 {
	if e.OriginalSizeBytes == 0 {
		return 1.0
	}
	return float64(e.SizeBytes) / float64(e.OriginalSizeBytes)
}

var (
	nonNameChars = regexp.MustCompile(`[^\w\s-]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// StandardizeName canonicalizes a document name into the display identifier
// used as the secondary uniqueness key: lowercase, punctuation stripped,
// whitespace runs collapsed to a single underscore. The file extension is
// preserved so "Deep Learning (2024).PDF" becomes "deep_learning_2024.pdf".
func StandardizeName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(strings.TrimSpace(base))
	base = nonNameChars.ReplaceAllString(base, "")
	base = whitespace.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "untitled"
	}
	return base + ext
}
