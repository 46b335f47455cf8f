// Package tracing provides a lightweight span tracer carried through Go
// contexts. The ingest and moderation pipelines open a span per operation;
// finished root spans are logged as a tree via slog so a slow approve or
// upload can be broken down without an external tracing backend.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed operation. Attributes and children are guarded by mu;
// pipelines may fan out work under a single span.
type Span struct {
	Name    string
	TraceID string
	Started time.Time
	Elapsed time.Duration

	mu       sync.Mutex
	attrs    map[string]any
	children []*Span
	root     bool
}

// StartSpan opens a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	span := &Span{
		Name:    name,
		TraceID: traceID,
		Started: time.Now(),
		attrs:   make(map[string]any),
		root:    true,
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartChildSpan opens a span under the one in ctx. Without a parent the
// span becomes its own root, so library code can trace unconditionally.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{
		Name:    name,
		Started: time.Now(),
		attrs:   make(map[string]any),
	}

	parent := SpanFromContext(ctx)
	if parent == nil {
		child.root = true
	} else {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}

	return context.WithValue(ctx, contextKey{}, child), child
}

// End stamps the elapsed time. Root spans log their whole tree.
func (s *Span) End() {
	s.Elapsed = time.Since(s.Started)
	if s.root {
		s.log(0)
	}
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// SpanFromContext extracts the current Span from ctx, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(contextKey{}).(*Span); ok {
		return span
	}
	return nil
}

func (s *Span) log(depth int) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Elapsed.Milliseconds(),
		"depth", depth,
	}
	for k, v := range s.attrs {
		attrs = append(attrs, k, v)
	}
	children := s.children
	s.mu.Unlock()

	slog.Debug("span", attrs...)
	for _, child := range children {
		child.log(depth + 1)
	}
}
