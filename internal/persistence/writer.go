package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpLogWriter writes operations, journal entries, and settlement audit
// records to Postgres using multi-row INSERT. Switch to pgx CopyFrom if
// the insert path ever becomes the bottleneck.
type OpLogWriter struct {
	db *sql.DB
}

// OpRow represents a row in op_log.ops
type OpRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded operation payload
	StateHash      []byte
	PrevHash       []byte
	Height         int64
	SourceSequence int64
	Timestamp      time.Time
}

// EntryRow represents a row in op_log.entries. Only plaintext moves are
// journaled; encrypted transfers never produce entries.
type EntryRow struct {
	EntryID       string
	SetID         string
	OpRef         string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	Kind          string
	Height        int64
}

// AuditRow records a batch lifecycle transition (finalized or settled) in
// op_log.settlement_audit, with the full snapshot or signal as payload.
type AuditRow struct {
	BatchID  string
	PoolID   string
	Kind     string // "finalized" or "settled"
	Sequence int64
	Height   int64
	Payload  []byte
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// WriteOpBatch writes a batch of ops within the given transaction.
func (w *OpLogWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.ops
		(sequence, op_type, idempotency_key, pool_id, payload, state_hash, prev_hash, height, source_sequence, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.PoolID,
			o.Payload, o.StateHash, o.PrevHash, o.Height, o.SourceSequence, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes a batch of journal entries within the given transaction.
func (w *OpLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.entries
		(entry_id, set_id, op_ref, sequence, debit_account, credit_account, asset, amount, kind, height)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*10)

	for i, e := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.EntryID, e.SetID, e.OpRef, e.Sequence,
			e.DebitAccount, e.CreditAccount, e.Asset, e.Amount,
			e.Kind, e.Height,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAuditBatch writes batch lifecycle audit records within the given transaction.
func (w *OpLogWriter) WriteAuditBatch(ctx context.Context, tx *sql.Tx, audits []AuditRow) error {
	if len(audits) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.settlement_audit
		(batch_id, pool_id, kind, sequence, height, payload)
		VALUES `

	values := make([]string, 0, len(audits))
	args := make([]interface{}, 0, len(audits)*6)

	for i, a := range audits {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, a.BatchID, a.PoolID, a.Kind, a.Sequence, a.Height, a.Payload)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (batch_id, kind) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload serializes an operation payload to JSON for storage.
func MarshalPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
