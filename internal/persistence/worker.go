package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"CipherPool/internal/observability"
)

// CoreOutput mirrors engine.CoreOutput to avoid an import cycle.
// The orchestrator (cmd/cipherpool) bridges between the two.
type CoreOutput struct {
	OpRow     OpRow
	EntryRows []EntryRow
	AuditRows []AuditRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// This goroutine runs independently from the deterministic core. The
// persist channel uses BLOCKING sends from the core, so if this worker
// falls behind, the core stalls — guaranteeing no operation is lost.
type Worker struct {
	db           *sql.DB
	writer       *OpLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewOpLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	opBatch := make([]OpRow, 0, w.batchSize)
	entryBatch := make([]EntryRow, 0, w.batchSize*2) // ~2 entries per op avg
	auditBatch := make([]AuditRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(opBatch) > 0 {
				if err := w.flush(context.Background(), opBatch, entryBatch, auditBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(opBatch) > 0 {
					if err := w.flush(context.Background(), opBatch, entryBatch, auditBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			opBatch = append(opBatch, output.OpRow)
			entryBatch = append(entryBatch, output.EntryRows...)
			auditBatch = append(auditBatch, output.AuditRows...)

			// Flush if batch is full
			if len(opBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, opBatch, entryBatch, auditBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				opBatch = opBatch[:0]
				entryBatch = entryBatch[:0]
				auditBatch = auditBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(opBatch) > 0 {
				if err := w.flushWithRetry(ctx, opBatch, entryBatch, auditBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				opBatch = opBatch[:0]
				entryBatch = entryBatch[:0]
				auditBatch = auditBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops operations — it retries indefinitely until the write
// succeeds or the context is cancelled (graceful shutdown).
func (w *Worker) flushWithRetry(ctx context.Context, ops []OpRow, entries []EntryRow, audits []AuditRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, ops=%d)",
				attempt, backoff, len(ops))
			select {
			case <-ctx.Done():
				// Graceful shutdown — attempt one final flush with a
				// background context to avoid losing the batch.
				if finalErr := w.flush(context.Background(), ops, entries, audits); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, ops, entries, audits)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, ops []OpRow, entries []EntryRow, audits []AuditRow) error {
	start := time.Now()

	// Ops, entries, and audit records commit in a single transaction
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOpBatch(ctx, tx, ops); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_ops").Inc()
		}
		return err
	}

	if err := w.writer.WriteEntryBatch(ctx, tx, entries); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_entries").Inc()
		}
		return err
	}

	if err := w.writer.WriteAuditBatch(ctx, tx, audits); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_audit").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(ops)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		w.metrics.PersistEntriesWritten.Add(float64(len(entries)))
		if len(ops) > 0 {
			w.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}
