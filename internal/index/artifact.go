// Package index owns the derived search index: its serialized artifact
// format, the chunking builder behind the opaque build interface, the
// size-bounded persistence manager, and the reindex scheduler.
package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	apperrors "github.com/kinetic-kb/kbsync/pkg/errors"
)

// Envelope framing for a serialized artifact.
const (
	MagicBytes    uint32 = 0x4B424158
	FormatVersion uint32 = 1
	HeaderSize    int    = 48
	FooterSize    int    = 8
)

// Chunk is one retrievable unit of the built index. Vector is populated by
// embedding-capable builders and left nil by the default chunking builder.
type Chunk struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Vector   []float32         `json:"vector,omitempty"`
}

// SourceCounts records how many sources fed the build.
type SourceCounts struct {
	Documents int `json:"documents"`
	URLs      int `json:"urls"`
}

// Artifact is the derived index as a single logical object. The fingerprint
// records the source set it was built from; equality against the current
// fingerprint is the staleness test.
type Artifact struct {
	Fingerprint  string       `json:"fingerprint"`
	BuiltAt      time.Time    `json:"built_at"`
	SourceCounts SourceCounts `json:"source_counts"`
	Chunks       []Chunk      `json:"chunks"`
}

// Encode serialises an artifact: fixed little-endian header, the raw
// fingerprint string, a JSON chunk payload, and a CRC32 footer over the
// payload.
func Encode(art *Artifact) ([]byte, error) {
	payload, err := json.Marshal(art.Chunks)
	if err != nil {
		return nil, fmt.Errorf("marshaling chunks: %w", err)
	}
	fp := []byte(art.Fingerprint)

	buf := make([]byte, HeaderSize, HeaderSize+len(fp)+len(payload)+FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(art.Chunks)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(art.SourceCounts.Documents))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(art.SourceCounts.URLs))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(fp)))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(art.BuiltAt.UTC().UnixNano()))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(len(payload)))

	buf = append(buf, fp...)
	buf = append(buf, payload...)

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(payload))
	buf = append(buf, footer...)
	return buf, nil
}

// Decode parses a serialized artifact. Any framing violation (bad magic,
// unknown version, truncated sections, checksum mismatch, invalid payload)
// returns ErrCorruptArtifact; callers treat that as if no artifact exists.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", apperrors.ErrCorruptArtifact, len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic bytes %x", apperrors.ErrCorruptArtifact, magic)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", apperrors.ErrCorruptArtifact, version)
	}

	chunkCount := binary.LittleEndian.Uint32(data[8:12])
	docCount := binary.LittleEndian.Uint32(data[12:16])
	urlCount := binary.LittleEndian.Uint32(data[16:20])
	fpLen := binary.LittleEndian.Uint32(data[20:24])
	builtAt := int64(binary.LittleEndian.Uint64(data[24:32]))
	payloadLen := binary.LittleEndian.Uint64(data[32:40])

	want := HeaderSize + int(fpLen) + int(payloadLen) + FooterSize
	if len(data) != want {
		return nil, fmt.Errorf("%w: size %d does not match framing %d", apperrors.ErrCorruptArtifact, len(data), want)
	}

	fpEnd := HeaderSize + int(fpLen)
	payload := data[fpEnd : fpEnd+int(payloadLen)]
	checksum := binary.LittleEndian.Uint32(data[fpEnd+int(payloadLen):])
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", apperrors.ErrCorruptArtifact)
	}

	var chunks []Chunk
	if err := json.Unmarshal(payload, &chunks); err != nil {
		return nil, fmt.Errorf("%w: invalid chunk payload: %v", apperrors.ErrCorruptArtifact, err)
	}
	if uint32(len(chunks)) != chunkCount {
		return nil, fmt.Errorf("%w: header says %d chunks, payload has %d", apperrors.ErrCorruptArtifact, chunkCount, len(chunks))
	}

	return &Artifact{
		Fingerprint: string(data[HeaderSize:fpEnd]),
		BuiltAt:     time.Unix(0, builtAt).UTC(),
		SourceCounts: SourceCounts{
			Documents: int(docCount),
			URLs:      int(urlCount),
		},
		Chunks: chunks,
	}, nil
}
