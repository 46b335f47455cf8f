package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kinetic-kb/kbsync/pkg/kafka"
)

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *capturePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]kafka.Event, len(events))
	copy(batch, events)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *capturePublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestRecordBuffersUntilBatchSize(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(pub, 10, time.Hour)

	rec.Record(Event{Action: ActionDocumentIngested, Actor: "ops", Subject: "guide.txt"})
	rec.Record(Event{Action: ActionDocumentRemoved, Actor: "ops", Subject: "guide.txt"})

	if got := rec.BufferLen(); got != 2 {
		t.Errorf("buffer = %d, want 2", got)
	}
	if got := pub.total(); got != 0 {
		t.Errorf("published %d events before flush", got)
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(pub, 3, time.Hour)

	for i := 0; i < 3; i++ {
		rec.Record(Event{Action: ActionSubmissionReceived, Actor: "collab", Subject: "sub-1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("published %d events, want 3", pub.total())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.BufferLen(); got != 0 {
		t.Errorf("buffer = %d after flush, want 0", got)
	}
}

func TestRecordStampsTimestamp(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(pub, 1, time.Hour)

	before := time.Now().UTC()
	rec.Record(Event{Action: ActionKeyCreated, Actor: "ops", Subject: "reviewer"})

	deadline := time.Now().Add(2 * time.Second)
	for pub.total() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pub.mu.Lock()
	event := pub.batches[0][0].Value.(Event)
	pub.mu.Unlock()
	if event.Timestamp.Before(before) {
		t.Errorf("timestamp %v predates Record call", event.Timestamp)
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	rec := NewRecorder(pub, 10, time.Hour)

	rec.Record(Event{Action: ActionURLRegistered, Actor: "ops", Subject: "https://example.com"})
	rec.flush(context.Background())

	if got := rec.BufferLen(); got != 1 {
		t.Errorf("buffer = %d after failed flush, want 1", got)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	rec.flush(context.Background())

	if got := pub.total(); got != 1 {
		t.Errorf("published %d events after recovery, want 1", got)
	}
	if got := rec.BufferLen(); got != 0 {
		t.Errorf("buffer = %d, want 0", got)
	}
}

func TestFinalFlushOnShutdown(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(pub, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)

	rec.Record(Event{Action: ActionSubmissionDenied, Actor: "ops", Subject: "sub-9"})
	cancel()
	rec.Close()

	if got := pub.total(); got != 1 {
		t.Errorf("published %d events on shutdown, want 1", got)
	}
}
