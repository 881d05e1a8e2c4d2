package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
)

// IntentRecord is one intent's contents as exposed to the off-chain
// matcher. Finalization is the only point intent contents cross the trust
// boundary.
type IntentRecord struct {
	IntentID uuid.UUID             `json:"intent_id"`
	Owner    common.Address        `json:"owner"`
	TokenIn  common.Address        `json:"token_in"`
	TokenOut common.Address        `json:"token_out"`
	Amount   crypt.EncryptedAmount `json:"amount"`
	Deadline int64                 `json:"deadline"`
}

// FinalizedBatch is the phase-1 emission of the off-chain handoff: a
// read-only snapshot of a finalized batch published for the matcher.
type FinalizedBatch struct {
	BatchID          uuid.UUID      `json:"batch_id"`
	Pool             string         `json:"pool_id"`
	OpenedAtBlock    int64          `json:"opened_at_block"`
	FinalizedAtBlock int64          `json:"finalized_at_block"`
	Intents          []IntentRecord `json:"intents"`
}

// SettlementSignal is the settlement-completed emission after a batch is
// marked Settled.
type SettlementSignal struct {
	SettlementID uuid.UUID      `json:"settlement_id"`
	BatchID      uuid.UUID      `json:"batch_id"`
	Pool         string         `json:"pool_id"`
	NetAmountIn  int64          `json:"net_amount_in"`
	AmountOut    int64          `json:"amount_out"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	Transfers    int            `json:"transfers"`
	Settlements  int            `json:"settlements"`
	Height       int64          `json:"height"`
}
