package query

// ReserveResponse reports both plaintext reserves of a pool.
type ReserveResponse struct {
	PoolID       string         `json:"pool_id"`
	Reserves     []AssetReserve `json:"reserves"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// AssetReserve is one asset's reserve within a pool.
type AssetReserve struct {
	Asset   string `json:"asset"`
	Reserve int64  `json:"reserve"`
}

// EncryptedBalanceResponse carries the opaque balance handle for one
// (token, account) cell. Only the handle leaves the system; decryption
// happens client-side with the account's key material.
type EncryptedBalanceResponse struct {
	Token        string `json:"token"`
	Account      string `json:"account"`
	Handle       []byte `json:"handle"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// BatchResponse is a batch's lifecycle row.
type BatchResponse struct {
	BatchID          string `json:"batch_id"`
	PoolID           string `json:"pool_id"`
	State            string `json:"state"`
	IntentCount      int    `json:"intent_count"`
	OpenedAtBlock    int64  `json:"opened_at_block"`
	FinalizedAtBlock int64  `json:"finalized_at_block,omitempty"`
	SettledAtBlock   int64  `json:"settled_at_block,omitempty"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// PlainBalanceResponse is an account's journal-derived plaintext balance.
type PlainBalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EntryHistoryRecord is one journal entry for history queries.
type EntryHistoryRecord struct {
	EntryID       string `json:"entry_id"`
	SetID         string `json:"set_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	Kind          string `json:"kind"`
	Height        int64  `json:"height"`
}

// SettlementAuditRecord is one batch lifecycle transition from the audit log.
type SettlementAuditRecord struct {
	BatchID  string `json:"batch_id"`
	PoolID   string `json:"pool_id"`
	Kind     string `json:"kind"`
	Sequence int64  `json:"sequence"`
	Height   int64  `json:"height"`
	Payload  []byte `json:"payload"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose journal balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
