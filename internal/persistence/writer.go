// Package persistence drains the engine's event and journal feeds into
// Postgres. The engine blocks on the persist feed, so a stalled writer
// applies backpressure instead of losing events.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"synthperp/internal/event"
	"synthperp/internal/ledger"
)

// EventRow is a row of perp.events.
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	MarketID  *string
	Payload   []byte
	Timestamp time.Time
}

// JournalRow is a row of perp.journal.
type JournalRow struct {
	EntryID     uuid.UUID
	Account     uuid.UUID
	Kind        string
	Amount      int64
	FreeAfter   int64
	LockedAfter int64
	Ref         string
	Timestamp   int64
}

// ToEventRow flattens an envelope for storage, JSON-encoding the payload.
func ToEventRow(env event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal event %d payload: %w", env.Sequence, err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.Type.String(),
		MarketID:  env.MarketID,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

// ToJournalRow flattens a ledger entry for storage.
func ToJournalRow(en ledger.Entry) JournalRow {
	return JournalRow{
		EntryID:     en.EntryID,
		Account:     en.Account,
		Kind:        en.Kind.String(),
		Amount:      en.Amount,
		FreeAfter:   en.FreeAfter,
		LockedAfter: en.LockedAfter,
		Ref:         en.Ref,
		Timestamp:   en.Timestamp,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Writer batch-writes event and journal rows using multi-row INSERT with
// ON CONFLICT DO NOTHING, so a retried batch is idempotent.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// DB exposes the underlying handle for transaction control.
func (w *Writer) DB() *sql.DB {
	return w.db
}

// WriteEvents inserts a batch into perp.events on the given execer
// (a transaction or the bare handle).
func (w *Writer) WriteEvents(ctx context.Context, ex execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO perp.events
		(sequence, event_id, event_type, market_id, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.Sequence, r.EventID, r.EventType, r.MarketID, r.Payload, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournal inserts a batch into perp.journal.
func (w *Writer) WriteJournal(ctx context.Context, ex execer, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO perp.journal
		(entry_id, account, kind, amount, free_after, locked_after, ref, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args, r.EntryID, r.Account, r.Kind, r.Amount, r.FreeAfter, r.LockedAfter, r.Ref, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
