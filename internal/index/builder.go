package index

import (
	"context"
	"fmt"
	"strings"
)

// Document is the extractable text and metadata of one source handed to
// the builder.
type Document struct {
	Name     string
	Text     string
	Metadata map[string]string
}

// Builder turns the current document set into index chunks. The engine
// never inspects a builder's internals beyond the chunks it returns;
// embedding-backed builders plug in behind this interface.
type Builder interface {
	Build(ctx context.Context, docs []Document) ([]Chunk, error)
}

// ChunkingBuilder is the default Builder: paragraph-first splitting into
// fixed-size rune windows with overlap, no vectors.
type ChunkingBuilder struct {
	chunkSize int
	overlap   int
}

func NewChunkingBuilder(chunkSize, overlap int) *ChunkingBuilder {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 50
	}
	return &ChunkingBuilder{chunkSize: chunkSize, overlap: overlap}
}

func (b *ChunkingBuilder) Build(ctx context.Context, docs []Document) ([]Chunk, error) {
	var chunks []Chunk
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build cancelled: %w", err)
		}
		for i, text := range b.split(doc.Text) {
			meta := map[string]string{"source": doc.Name}
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			chunks = append(chunks, Chunk{
				ID:       fmt.Sprintf("%s#%d", doc.Name, i),
				Text:     text,
				Metadata: meta,
			})
		}
	}
	return chunks, nil
}

// split breaks text at paragraph boundaries first, then windows anything
// still over the chunk size.
func (b *ChunkingBuilder) split(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if len(runes) <= b.chunkSize {
			out = append(out, para)
			continue
		}
		step := b.chunkSize - b.overlap
		for start := 0; start < len(runes); start += step {
			end := start + b.chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			out = append(out, string(runes[start:end]))
			if end == len(runes) {
				break
			}
		}
	}
	return out
}
