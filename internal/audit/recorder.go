package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kinetic-kb/kbsync/pkg/kafka"
)

// Publisher is the slice of the Kafka producer the recorder needs.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Recorder accumulates audit events and flushes them to Kafka either when
// the batch reaches a configurable size or after a time interval. Auditing
// is best-effort: a flush failure re-queues the batch with a bounded
// buffer, it never fails the action being audited.
type Recorder struct {
	producer      Publisher
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewRecorder creates a Recorder that flushes when the buffer reaches
// batchSize events or after flushInterval, whichever comes first.
func NewRecorder(producer Publisher, batchSize int, flushInterval time.Duration) *Recorder {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Recorder{
		producer:      producer,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "audit-recorder"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is
// cancelled and then performs a final flush with a short deadline.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	r.logger.Info("audit recorder started",
		"batch_size", r.batchSize,
		"flush_interval", r.flushInterval,
	)
}

// Record buffers one audit event. A zero timestamp is stamped with the
// current time. If the buffer reaches batchSize an immediate flush is
// triggered off the caller's path.
func (r *Recorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, kafka.Event{Key: string(event.Action), Value: event})
	shouldFlush := len(r.buffer) >= r.batchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush(context.Background())
	}
}

// Close waits for the background flush loop to finish.
func (r *Recorder) Close() {
	<-r.done
}

// BufferLen returns the current number of buffered events.
func (r *Recorder) BufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = make([]kafka.Event, 0, r.batchSize)
	r.mu.Unlock()

	if err := r.producer.PublishBatch(ctx, batch); err != nil {
		r.logger.Error("audit flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		r.mu.Lock()
		r.buffer = append(batch, r.buffer...)
		if len(r.buffer) > r.batchSize*3 {
			dropped := len(r.buffer) - r.batchSize*3
			r.buffer = r.buffer[:r.batchSize*3]
			r.logger.Warn("audit buffer overflow, events dropped", "dropped", dropped)
		}
		r.mu.Unlock()
		return
	}

	r.logger.Debug("audit batch flushed", "events", len(batch))
}
