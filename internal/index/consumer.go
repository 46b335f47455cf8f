package index

import (
	"context"
	"log/slog"

	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/pkg/kafka"
	"github.com/kinetic-kb/kbsync/pkg/logger"
)

// ChangeHandler reacts to source-set change events by nudging the
// scheduler. The event's fingerprint is advisory only: the scheduler
// recomputes from the catalog before deciding to rebuild, so a stale or
// replayed event at worst costs one no-op staleness check.
type ChangeHandler struct {
	scheduler *Scheduler
	log       *slog.Logger
}

func NewChangeHandler(scheduler *Scheduler) *ChangeHandler {
	return &ChangeHandler{
		scheduler: scheduler,
		log:       logger.WithComponent("index-change-handler"),
	}
}

// Handle implements kafka.MessageHandler.
func (h *ChangeHandler) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[ingest.SourceChangedEvent](value)
	if err != nil {
		// Malformed events are dropped, not redelivered forever.
		h.log.Warn("dropping undecodable change event", "key", string(key), "error", err)
		return nil
	}

	h.log.Debug("source set changed",
		"kind", event.Kind,
		"display_name", event.DisplayName,
		"url", event.URL,
	)

	if _, err := h.scheduler.EnsureCurrent(ctx); err != nil {
		return err
	}
	return nil
}
