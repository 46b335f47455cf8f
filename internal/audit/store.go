package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kinetic-kb/kbsync/pkg/postgres"
)

// Store archives audit events in PostgreSQL.
//
// It requires an `audit_log` table; see scripts/schema.sql.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates the audit archive store.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "audit-store"),
	}
}

// Insert archives one audit event.
func (s *Store) Insert(ctx context.Context, event Event) error {
	var detail []byte
	if len(event.Detail) > 0 {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO audit_log (action, actor, subject, detail, request_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(event.Action), event.Actor, event.Subject, detail, event.RequestID, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archiving audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events first, up to limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT action, actor, subject, detail, request_id, occurred_at
		 FROM audit_log ORDER BY occurred_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail []byte
		var occurredAt time.Time
		if err := rows.Scan(&e.Action, &e.Actor, &e.Subject, &detail, &e.RequestID, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				s.logger.Warn("skipping corrupt audit detail", "error", err)
			}
		}
		e.Timestamp = occurredAt.UTC()
		events = append(events, e)
	}

	return events, rows.Err()
}
