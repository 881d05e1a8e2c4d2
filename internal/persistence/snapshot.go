package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots carry every piece of in-memory core state: encrypted and plain
// balances, reserves, pool registrations, batches, intents, sequence
// counters, and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of the core's in-memory state.
// Map keys are string paths (the same paths used in state digests) so the
// whole structure round-trips through JSON.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	EncBalances     map[string][]byte   `json:"enc_balances"`  // token:account path -> handle
	PlainBalances   map[string]int64    `json:"plain_balances"` // token:account path -> amount
	PlainSupply     map[string]int64    `json:"plain_supply"`   // token hex -> total supply
	Reserves        map[string]int64    `json:"reserves"`       // pool:asset path -> reserve
	Pools           map[string]PoolSnap `json:"pools"`          // pool ID hex -> key
	Tokens          map[string]string   `json:"tokens"`         // pool:asset path -> token hex
	Batches         []BatchSnap         `json:"batches"`
	Intents         []IntentSnap        `json:"intents"`
	SequenceState   map[string]int64    `json:"sequence_state"` // partition -> next expected seq
	HeightState     map[string]int64    `json:"height_state"`   // partition -> last seen height
	IdempotencyKeys []string            `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time           `json:"created_at"`
}

// PoolSnap is a serializable pool key.
type PoolSnap struct {
	Currency0 string `json:"currency0"`
	Currency1 string `json:"currency1"`
	FeeBps    uint16 `json:"fee_bps"`
}

// BatchSnap is a serializable batch.
type BatchSnap struct {
	ID               string   `json:"id"`
	Pool             string   `json:"pool"`
	State            int32    `json:"state"`
	OpenedAtBlock    int64    `json:"opened_at_block"`
	FinalizedAtBlock int64    `json:"finalized_at_block"`
	SettledAtBlock   int64    `json:"settled_at_block"`
	IntentIDs        []string `json:"intent_ids"`
}

// IntentSnap is a serializable intent.
type IntentSnap struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Pool     string `json:"pool"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	Handle   []byte `json:"handle"`
	Proof    []byte `json:"proof"`
	Deadline int64  `json:"deadline"`
	BatchID  string `json:"batch_id"`
	Consumed bool   `json:"consumed"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying ops from the snapshot sequence
// forward before being used for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, the core restores from it and replays ops from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOpsFrom loads ops from a given sequence for replay. Used for warm
// restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadOpsFrom(ctx context.Context, fromSequence int64, limit int) ([]OpRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, height, source_sequence, timestamp
		FROM op_log.ops
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OpRow
	for rows.Next() {
		var o OpRow
		if err := rows.Scan(
			&o.Sequence, &o.OpType, &o.IdempotencyKey, &o.PoolID,
			&o.Payload, &o.StateHash, &o.PrevHash, &o.Height, &o.SourceSequence, &o.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the op log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.ops
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty op log
	}
	return seq.Int64, nil
}

// LoadRecentIdempotencyKeys returns composite "op_type:key" strings for the
// most recent ops, newest first, for warming the in-memory LRU on restart.
func (sm *SnapshotManager) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT op_type, idempotency_key
		FROM op_log.ops
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var opType, key string
		if err := rows.Scan(&opType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", opType, key))
	}

	return keys, rows.Err()
}
