package projection

import "sync"

// SettlementRecord is one settled batch, kept for recent-history queries.
type SettlementRecord struct {
	BatchID     string
	PoolID      string
	TokenIn     string
	TokenOut    string
	NetAmountIn int64
	AmountOut   int64
	IntentCount int
	Height      int64
	Sequence    int64
}

// SettlementHistory maintains a bounded in-memory history of settled
// batches, newest last. The projection worker writes, the query side
// reads, so access is guarded. The full trail lives in settlement_audit.
type SettlementHistory struct {
	mu      sync.RWMutex
	records []SettlementRecord
	limit   int
}

func NewSettlementHistory(limit int) *SettlementHistory {
	return &SettlementHistory{
		records: make([]SettlementRecord, 0, limit),
		limit:   limit,
	}
}

// Add records a settlement, evicting the oldest past the bound.
func (h *SettlementHistory) Add(rec SettlementRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > h.limit {
		h.records = h.records[len(h.records)-h.limit:]
	}
}

// ByPool returns up to limit settlements for a pool, newest first.
func (h *SettlementHistory) ByPool(poolID string, limit int) []SettlementRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]SettlementRecord, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(result) < limit; i-- {
		if h.records[i].PoolID == poolID {
			result = append(result, h.records[i])
		}
	}
	return result
}
