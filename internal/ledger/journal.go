package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EntryKind classifies a plaintext journal entry.
type EntryKind int32

const (
	EntryKindDeposit EntryKind = iota
	EntryKindNetSwapIn
	EntryKindNetSwapOut
	EntryKindPlainTransfer
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindDeposit:
		return "Deposit"
	case EntryKindNetSwapIn:
		return "NetSwapIn"
	case EntryKindNetSwapOut:
		return "NetSwapOut"
	case EntryKindPlainTransfer:
		return "PlainTransfer"
	default:
		return "Unknown"
	}
}

// Entry is a single double-entry record of a plaintext move. Encrypted
// moves are never journaled — only plaintext flows (deposits, net swaps,
// plain transfers) leave an audit trail here. Amount is always positive;
// the debit account's balance increases, the credit account's decreases.
type Entry struct {
	EntryID       uuid.UUID
	OpRef         string // Idempotency key of the source operation
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         common.Address
	Amount        int64
	Kind          EntryKind
	Height        int64
}

// EntrySet groups the entries produced by one operation.
type EntrySet struct {
	SetID    uuid.UUID
	OpRef    string
	Sequence int64
	Height   int64
	Entries  []Entry
}

// Validate ensures the set is well-formed. Each entry is balanced by
// construction (one positive amount moving credit → debit), so Σ debits ==
// Σ credits holds per entry; multi-leg operations use multiple entries
// under one set.
func (s *EntrySet) Validate() error {
	if len(s.Entries) == 0 {
		return fmt.Errorf("entry set %s is empty", s.SetID)
	}
	for _, e := range s.Entries {
		if e.Amount <= 0 {
			return fmt.Errorf("entry %s has non-positive amount: %d", e.EntryID, e.Amount)
		}
		if e.OpRef != s.OpRef {
			return fmt.Errorf("entry %s has mismatched op ref", e.EntryID)
		}
		if e.DebitAccount == e.CreditAccount {
			return fmt.Errorf("entry %s has same debit and credit account", e.EntryID)
		}
	}
	return nil
}
