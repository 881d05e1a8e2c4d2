package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
	"CipherPool/internal/pool"
)

// IntentSubmit escrows encrypted collateral and places a swap intent into
// the pool's open batch. Idempotency key: intent_id (client-generated).
type IntentSubmit struct {
	IntentID uuid.UUID
	Owner    common.Address
	Pool     pool.PoolID
	TokenIn  common.Address // encrypted token being sold
	TokenOut common.Address // encrypted token being bought
	Amount   crypt.EncryptedAmount
	Deadline int64 // block height the intent is valid through
	Height   int64
	Sequence int64
}

func (i *IntentSubmit) IdempotencyKey() string {
	return i.IntentID.String()
}

func (i *IntentSubmit) OpType() OpType {
	return OpTypeIntentSubmit
}

func (i *IntentSubmit) PoolID() *string {
	h := i.Pool.Hex()
	return &h
}

func (i *IntentSubmit) SourceSequence() int64 {
	return i.Sequence
}

func (i *IntentSubmit) BlockHeight() int64 {
	return i.Height
}
