package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to projection tables. Queries are
// served over HTTP/JSON, reading from PostgreSQL projections. Every
// response carries as_of_sequence so callers can reason about freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetReserves returns every reserve counter for a pool.
func (s *Service) GetReserves(ctx context.Context, poolID string) (*ReserveResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, reserve
		FROM projections.reserve_view
		WHERE pool_id = $1
		ORDER BY asset
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &ReserveResponse{PoolID: poolID, AsOfSequence: asOfSeq}
	for rows.Next() {
		var r AssetReserve
		if err := rows.Scan(&r.Asset, &r.Reserve); err != nil {
			return nil, err
		}
		resp.Reserves = append(resp.Reserves, r)
	}

	return resp, rows.Err()
}

// GetEncryptedBalance returns the opaque balance handle for a cell.
// A cell that was never touched returns a nil handle, which callers
// must treat as an encryption of zero.
func (s *Service) GetEncryptedBalance(ctx context.Context, token, account string) (*EncryptedBalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &EncryptedBalanceResponse{Token: token, Account: account, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT handle FROM projections.encrypted_balance_view
		WHERE token = $1 AND account = $2
	`, token, account).Scan(&resp.Handle)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetBatch returns a batch's lifecycle row.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BatchResponse{AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT batch_id, pool_id, state, intent_count,
		       opened_at_block, finalized_at_block, settled_at_block
		FROM projections.batch_view
		WHERE batch_id = $1
	`, batchID).Scan(
		&resp.BatchID, &resp.PoolID, &resp.State, &resp.IntentCount,
		&resp.OpenedAtBlock, &resp.FinalizedAtBlock, &resp.SettledAtBlock,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPlainBalance returns one journal-derived plaintext balance.
func (s *Service) GetPlainBalance(ctx context.Context, accountPath, asset string) (*PlainBalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PlainBalanceResponse{AccountPath: accountPath, Asset: asset, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&resp.Balance)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetEntryHistory returns journal entries touching an account path,
// newest first, with cursor-based pagination on sequence.
func (s *Service) GetEntryHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	afterSequence *int64,
) ([]EntryHistoryRecord, error) {
	query := `
		SELECT entry_id, set_id, op_ref, sequence,
		       debit_account, credit_account, asset, amount, kind, height
		FROM op_log.entries
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryHistoryRecord
	for rows.Next() {
		var e EntryHistoryRecord
		if err := rows.Scan(
			&e.EntryID, &e.SetID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.Kind, &e.Height,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetSettlementAudit returns batch lifecycle records for a pool, newest
// first, with cursor-based pagination on sequence.
func (s *Service) GetSettlementAudit(
	ctx context.Context,
	poolID string,
	limit int,
	afterSequence *int64,
) ([]SettlementAuditRecord, error) {
	query := `
		SELECT batch_id, pool_id, kind, sequence, height, payload
		FROM op_log.settlement_audit
		WHERE pool_id = $1
	`
	args := []interface{}{poolID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SettlementAuditRecord
	for rows.Next() {
		var r SettlementAuditRecord
		if err := rows.Scan(&r.BatchID, &r.PoolID, &r.Kind, &r.Sequence, &r.Height, &r.Payload); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity over the op log and the
// per-asset zero-sum invariant over the balance projection.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.ops o1
		LEFT JOIN op_log.ops o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.sequence > 0 AND o1.prev_hash != COALESCE(o2.state_hash, o1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every entry moves +amount and -amount, so balances sum to zero
	// across all accounts per asset
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset string
		var total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
