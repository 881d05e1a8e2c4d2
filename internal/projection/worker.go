package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the data projection workers need from one
// processed operation. The orchestrator bridges from engine.CoreOutput.
type ProjectionOutput struct {
	Sequence int64
	OpType   string
	PoolID   *string
	Height   int64
	Entries  []EntryDelta
	Reserves []ReserveCell
	EncCells []EncCell
	Batches  []BatchCell
	Settled  *SettlementRecord
}

// EntryDelta is a simplified journal entry for projection consumption.
// The debit account's balance increases, the credit account's decreases.
type EntryDelta struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	Kind          string
}

// ReserveCell is a reserve counter's value after the operation.
type ReserveCell struct {
	PoolID  string
	Asset   string
	Reserve int64
}

// EncCell is an encrypted balance cell's opaque handle after the operation.
type EncCell struct {
	Token   string
	Account string
	Handle  []byte
}

// BatchCell is a batch's lifecycle row after the operation.
type BatchCell struct {
	BatchID          string
	PoolID           string
	State            string
	IntentCount      int
	OpenedAtBlock    int64
	FinalizedAtBlock int64
	SettledAtBlock   int64
}

// Worker updates projection tables from processed operations. The
// projection channel is non-blocking with drop: if projections fall
// behind, they are rebuilt from the op log on the next replay.
type Worker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *SettlementHistory
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan ProjectionOutput, history *SettlementHistory) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		history:   history,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the op log
			}

			if w.history != nil && output.Settled != nil {
				w.history.Add(*output.Settled)
			}

			w.lastSeq = output.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range output.Entries {
		if err := w.updateBalanceProjection(ctx, tx, e, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, r := range output.Reserves {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.reserve_view (pool_id, asset, reserve, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pool_id, asset)
			DO UPDATE SET reserve = $3, last_sequence = $4
		`, r.PoolID, r.Asset, r.Reserve, output.Sequence); err != nil {
			return fmt.Errorf("reserve projection: %w", err)
		}
	}

	for _, c := range output.EncCells {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.encrypted_balance_view (token, account, handle, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (token, account)
			DO UPDATE SET handle = $3, last_sequence = $4
		`, c.Token, c.Account, c.Handle, output.Sequence); err != nil {
			return fmt.Errorf("encrypted balance projection: %w", err)
		}
	}

	for _, b := range output.Batches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.batch_view
				(batch_id, pool_id, state, intent_count, opened_at_block, finalized_at_block, settled_at_block, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (batch_id)
			DO UPDATE SET state = $3, intent_count = $4, finalized_at_block = $6,
			              settled_at_block = $7, last_sequence = $8
		`, b.BatchID, b.PoolID, b.State, b.IntentCount,
			b.OpenedAtBlock, b.FinalizedAtBlock, b.SettledAtBlock, output.Sequence); err != nil {
			return fmt.Errorf("batch projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, e EntryDelta, seq int64) error {
	// Debit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, e.DebitAccount, e.Asset, e.Amount, seq); err != nil {
		return err
	}

	// Credit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, e.CreditAccount, e.Asset, e.Amount, seq); err != nil {
		return err
	}

	return nil
}

// RebuildProjections truncates all projection tables and rebuilds the
// balance view from the persisted journal. Reserve, encrypted balance,
// and batch views repopulate as the orchestrator replays the op log
// through the core on startup.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.reserve_view`,
		`TRUNCATE projections.encrypted_balance_view`,
		`TRUNCATE projections.batch_view`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild debit-side balances
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.entries
		GROUP BY debit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Subtract credit-side balances
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.entries
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
