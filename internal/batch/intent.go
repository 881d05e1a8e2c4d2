package batch

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
	"CipherPool/internal/pool"
)

var (
	ErrDeadlineExpired     = errors.New("intent deadline expired")
	ErrInvalidCurrencyPair = errors.New("invalid currency pair")
	ErrUnknownIntent       = errors.New("unknown intent")
	ErrIntentConsumed      = errors.New("intent already consumed")
)

// Intent is a user's encrypted request to swap tokenIn for tokenOut within
// a pool. Immutable once created; consumed exactly once during settlement
// and marked, never deleted, so double-settlement stays detectable.
type Intent struct {
	ID       uuid.UUID
	Owner    common.Address
	Pool     pool.PoolID
	TokenIn  common.Address
	TokenOut common.Address
	Amount   crypt.EncryptedAmount
	Deadline int64 // block height
	BatchID  uuid.UUID
	Consumed bool
}

// ValidateDeadline rejects intents whose deadline has passed at the given
// block height. A deadline equal to the current height is still valid.
func ValidateDeadline(deadline, height int64) error {
	if height > deadline {
		return fmt.Errorf("%w: deadline=%d height=%d", ErrDeadlineExpired, deadline, height)
	}
	return nil
}

// IntentBook holds all intents ever submitted, indexed by intent ID and by
// owning batch. Consumed intents stay in the book as the audit trail.
// Not thread-safe — only accessed from the single-threaded core.
type IntentBook struct {
	intents map[uuid.UUID]*Intent
	byBatch map[uuid.UUID][]uuid.UUID
}

func NewIntentBook() *IntentBook {
	return &IntentBook{
		intents: make(map[uuid.UUID]*Intent),
		byBatch: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Add records an intent under its batch. The intent's BatchID must already
// be assigned.
func (ib *IntentBook) Add(it *Intent) {
	ib.intents[it.ID] = it
	ib.byBatch[it.BatchID] = append(ib.byBatch[it.BatchID], it.ID)
}

// Get returns the intent by ID.
func (ib *IntentBook) Get(id uuid.UUID) (*Intent, bool) {
	it, ok := ib.intents[id]
	return it, ok
}

// ForBatch returns the batch's intents in submission order.
func (ib *IntentBook) ForBatch(batchID uuid.UUID) []*Intent {
	ids := ib.byBatch[batchID]
	out := make([]*Intent, 0, len(ids))
	for _, id := range ids {
		out = append(out, ib.intents[id])
	}
	return out
}

// MarkConsumed flags an intent as settled. Consuming twice is an error.
func (ib *IntentBook) MarkConsumed(id uuid.UUID) error {
	it, ok := ib.intents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	if it.Consumed {
		return fmt.Errorf("%w: %s", ErrIntentConsumed, id)
	}
	it.Consumed = true
	return nil
}

// Snapshot returns copies of all intents, preserving per-batch submission
// order so a restore reproduces ForBatch ordering exactly.
func (ib *IntentBook) Snapshot() []*Intent {
	out := make([]*Intent, 0, len(ib.intents))
	for _, ids := range ib.byBatch {
		for _, id := range ids {
			cp := *ib.intents[id]
			out = append(out, &cp)
		}
	}
	return out
}

// Restore rebuilds the book from snapshotted intents.
func (ib *IntentBook) Restore(intents []*Intent) {
	ib.intents = make(map[uuid.UUID]*Intent, len(intents))
	ib.byBatch = make(map[uuid.UUID][]uuid.UUID)
	for _, it := range intents {
		cp := *it
		ib.intents[cp.ID] = &cp
		ib.byBatch[cp.BatchID] = append(ib.byBatch[cp.BatchID], cp.ID)
	}
}
