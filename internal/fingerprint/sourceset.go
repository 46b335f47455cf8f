package fingerprint

import (
	"sort"
	"strings"
	"time"
)

// NoSources is returned when the catalog and URL registry are both empty.
// It is a literal, never a hex digest, so an index built from zero sources
// can never be confused with a real fingerprint or with "not yet built".
const NoSources = "no_sources"

// SourceEntry is the identity a catalog entry contributes to the
// source-set fingerprint.
type SourceEntry struct {
	DisplayName  string
	LastModified time.Time
}

// SourceSet derives a single digest summarizing the current knowledge-base
// contents. Entries are sorted by display name and URLs lexicographically
// before hashing, so the result is invariant under input ordering.
func SourceSet(entries []SourceEntry, urls []string) string {
	if len(entries) == 0 && len(urls) == 0 {
		return NoSources
	}

	sorted := make([]SourceEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DisplayName < sorted[j].DisplayName
	})

	sortedURLs := make([]string, len(urls))
	copy(sortedURLs, urls)
	sort.Strings(sortedURLs)

	parts := make([]string, 0, len(sorted)+len(sortedURLs))
	for _, e := range sorted {
		parts = append(parts, "file:"+e.DisplayName+":"+e.LastModified.UTC().Format(time.RFC3339Nano))
	}
	for _, u := range sortedURLs {
		parts = append(parts, "url:"+u)
	}

	return Digest([]byte(strings.Join(parts, ";")))
}
