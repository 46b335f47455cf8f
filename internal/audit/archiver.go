package audit

import (
	"context"
	"log/slog"

	"github.com/kinetic-kb/kbsync/pkg/kafka"
)

// Inserter is the slice of Store the archiver needs.
type Inserter interface {
	Insert(ctx context.Context, event Event) error
}

// Archiver consumes audit events from Kafka and writes them to the
// archive. Undecodable events are dropped; insert failures are returned so
// the message is redelivered.
type Archiver struct {
	store  Inserter
	logger *slog.Logger
}

func NewArchiver(store Inserter) *Archiver {
	return &Archiver{
		store:  store,
		logger: slog.Default().With("component", "audit-archiver"),
	}
}

// Handle implements kafka.MessageHandler.
func (a *Archiver) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[Event](value)
	if err != nil {
		a.logger.Warn("dropping undecodable audit event", "key", string(key), "error", err)
		return nil
	}
	return a.store.Insert(ctx, event)
}
