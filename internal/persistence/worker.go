package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"synthperp/internal/event"
	"synthperp/internal/ledger"
	"synthperp/internal/observability"
)

// Worker drains the engine's event and journal feeds and batch-writes both
// to Postgres in one transaction per flush. It never drops a batch: write
// failures retry with exponential backoff until they succeed or shutdown
// forces one final attempt.
type Worker struct {
	writer       *Writer
	events       <-chan event.Envelope
	journal      <-chan []ledger.Entry
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	events <-chan event.Envelope,
	journal <-chan []ledger.Entry,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewWriter(db),
		events:       events,
		journal:      journal,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run drains both feeds until ctx is cancelled or the event feed closes,
// flushing when the event batch fills or the flush timeout fires.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	journalBatch := make([]JournalRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flushNow := func(c context.Context) {
		if len(eventBatch) == 0 && len(journalBatch) == 0 {
			return
		}
		if err := w.flushWithRetry(c, eventBatch, journalBatch); err != nil {
			w.log.Error().Err(err).Msg("flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushNow(context.Background())
			return ctx.Err()

		case env, ok := <-w.events:
			if !ok {
				flushNow(context.Background())
				return nil
			}
			row, err := ToEventRow(env)
			if err != nil {
				w.metrics.PersistErrors.WithLabelValues("marshal").Inc()
				w.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("event dropped: unmarshalable payload")
				continue
			}
			eventBatch = append(eventBatch, row)

			if len(eventBatch) >= w.batchSize {
				flushNow(ctx)
				timer.Reset(w.flushTimeout)
			}

		case entries, ok := <-w.journal:
			if !ok {
				w.journal = nil // event feed close drives shutdown
				continue
			}
			for _, en := range entries {
				journalBatch = append(journalBatch, ToJournalRow(en))
			}

		case <-timer.C:
			flushNow(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. On cancellation mid-retry
// it makes one final attempt on a background context so the batch is not
// lost to shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journal []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), events, journal)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, events, journal); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		w.metrics.PersistErrors.WithLabelValues("retry").Inc()
	}
}

// flush writes both batches in one transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, journal []JournalRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEvents(ctx, tx, events); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		return err
	}
	if err := w.writer.WriteJournal(ctx, tx, journal); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_journal").Inc()
		return err
	}
	if err := tx.Commit(); err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		return err
	}

	w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
	w.metrics.PersistBatchSize.Observe(float64(len(events)))
	w.metrics.PersistEventsWritten.Add(float64(len(events)))
	w.metrics.PersistJournalsWritten.Add(float64(len(journal)))
	if len(events) > 0 {
		w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}

	return nil
}
