package transform

import (
	"bytes"
	"testing"
)

func TestApplyReducesCompressibleInput(t *testing.T) {
	c := NewCompressor()
	data := bytes.Repeat([]byte("repetitive knowledge base content "), 1000)
	out := c.Apply(data)
	if len(out) >= len(data) {
		t.Errorf("compressed size %d >= original %d", len(out), len(data))
	}
	if !isGzip(out) {
		t.Error("compressed output is not gzip framed")
	}
}

func TestApplyNeverGrowsOutput(t *testing.T) {
	c := NewCompressor()
	// Already-compressed input cannot shrink further; Apply must fall back.
	original := bytes.Repeat([]byte("abcdef"), 500)
	once := c.Apply(original)
	twice := c.Apply(once)
	if len(twice) > len(once) {
		t.Errorf("second pass grew output: %d > %d", len(twice), len(once))
	}
}

func TestApplyFallbackPreservesBytes(t *testing.T) {
	c := NewCompressor()
	// Tiny inputs gain nothing from gzip framing overhead.
	data := []byte("x")
	out := c.Apply(data)
	if !bytes.Equal(out, data) {
		t.Error("fallback path modified the input")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	c := NewCompressor()
	data := bytes.Repeat([]byte("round trip payload "), 2000)
	stored := c.Apply(data)
	got, err := Open(stored)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip did not restore original bytes")
	}
}

func TestOpenPassesThroughUncompressed(t *testing.T) {
	data := []byte("plain stored blob")
	got, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("pass-through modified the blob")
	}
}
