package index

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

func sampleArtifact() *Artifact {
	return &Artifact{
		Fingerprint: "0d9a8b5c1f2e3d4c5b6a79880d9a8b5c1f2e3d4c5b6a79880d9a8b5c1f2e3d4c",
		BuiltAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		SourceCounts: SourceCounts{
			Documents: 2,
			URLs:      1,
		},
		Chunks: []Chunk{
			{ID: "guide.txt#0", Text: "first chunk", Metadata: map[string]string{"source": "guide.txt"}},
			{ID: "guide.txt#1", Text: "second chunk", Metadata: map[string]string{"source": "guide.txt"}},
			{ID: "notes.md#0", Text: "other document", Vector: []float32{0.25, -1.5}},
		},
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	original := sampleArtifact()

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Fingerprint != original.Fingerprint {
		t.Errorf("fingerprint = %q, want %q", decoded.Fingerprint, original.Fingerprint)
	}
	if !decoded.BuiltAt.Equal(original.BuiltAt) {
		t.Errorf("builtAt = %v, want %v", decoded.BuiltAt, original.BuiltAt)
	}
	if decoded.SourceCounts != original.SourceCounts {
		t.Errorf("sourceCounts = %+v, want %+v", decoded.SourceCounts, original.SourceCounts)
	}
	if len(decoded.Chunks) != len(original.Chunks) {
		t.Fatalf("chunks = %d, want %d", len(decoded.Chunks), len(original.Chunks))
	}
	if decoded.Chunks[0].Text != "first chunk" {
		t.Errorf("chunk text = %q", decoded.Chunks[0].Text)
	}
	if len(decoded.Chunks[2].Vector) != 2 {
		t.Errorf("vector lost in round trip: %v", decoded.Chunks[2].Vector)
	}
}

func TestArtifactRoundTripEmpty(t *testing.T) {
	original := &Artifact{
		Fingerprint: "no_sources",
		BuiltAt:     time.Now().UTC().Truncate(time.Nanosecond),
	}
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Fingerprint != "no_sources" {
		t.Errorf("fingerprint = %q", decoded.Fingerprint)
	}
	if len(decoded.Chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(decoded.Chunks))
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	valid, err := Encode(sampleArtifact())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "too short",
			mutate: func(d []byte) []byte { return d[:HeaderSize-1] },
		},
		{
			name: "bad magic",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[0:4], 0xDEADBEEF)
				return d
			},
		},
		{
			name: "unknown version",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[4:8], 99)
				return d
			},
		},
		{
			name:   "truncated payload",
			mutate: func(d []byte) []byte { return d[:len(d)-20] },
		},
		{
			name:   "trailing garbage",
			mutate: func(d []byte) []byte { return append(d, 0x00, 0x01) },
		},
		{
			name: "flipped payload bit",
			mutate: func(d []byte) []byte {
				d[HeaderSize+70] ^= 0x01
				return d
			},
		},
		{
			name: "chunk count mismatch",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[8:12], 7)
				return d
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, len(valid))
			copy(data, valid)
			_, err := Decode(tt.mutate(data))
			if !errors.Is(err, apperrors.ErrCorruptArtifact) {
				t.Errorf("Decode error = %v, want ErrCorruptArtifact", err)
			}
		})
	}
}

func TestDecodeChecksumCoversPayloadOnly(t *testing.T) {
	// A flipped bit inside the fingerprint changes the decoded fingerprint
	// but does not trip the payload checksum; the fingerprint mismatch is
	// caught later against the metadata record.
	valid, err := Encode(sampleArtifact())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := make([]byte, len(valid))
	copy(data, valid)
	data[HeaderSize] ^= 0x01

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Fingerprint == sampleArtifact().Fingerprint {
		t.Error("expected mutated fingerprint to decode differently")
	}
}

func TestChunkingBuilderSplitsParagraphs(t *testing.T) {
	b := NewChunkingBuilder(512, 50)
	docs := []Document{
		{Name: "a.txt", Text: "first paragraph\n\nsecond paragraph"},
		{Name: "b.txt", Text: "only one"},
	}

	chunks, err := b.Build(context.Background(), docs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].ID != "a.txt#0" || chunks[1].ID != "a.txt#1" || chunks[2].ID != "b.txt#0" {
		t.Errorf("unexpected chunk IDs: %s %s %s", chunks[0].ID, chunks[1].ID, chunks[2].ID)
	}
	if chunks[0].Metadata["source"] != "a.txt" {
		t.Errorf("source metadata = %q", chunks[0].Metadata["source"])
	}
}

func TestChunkingBuilderWindowsLongParagraphs(t *testing.T) {
	b := NewChunkingBuilder(100, 20)
	long := strings.Repeat("x", 250)

	chunks, err := b.Build(context.Background(), []Document{{Name: "big.txt", Text: long}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c.Text)); n > 100 {
			t.Errorf("chunk %d has %d runes, over the window", i, n)
		}
	}
	// Consecutive windows share the overlap region.
	first := []rune(chunks[0].Text)
	second := []rune(chunks[1].Text)
	if string(first[len(first)-20:]) != string(second[:20]) {
		t.Error("windows do not overlap")
	}
}
