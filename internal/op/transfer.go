package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PlainTransfer is the ERC20-style fallback path for un-escrowed token
// operations. A nil Spender is a direct transfer; a set Spender consumes
// allowance (transferFrom).
type PlainTransfer struct {
	TransferID uuid.UUID
	Asset      common.Address
	From       common.Address
	To         common.Address
	Spender    *common.Address
	Amount     int64
	Height     int64
	Sequence   int64
}

func (t *PlainTransfer) IdempotencyKey() string {
	return t.TransferID.String()
}

func (t *PlainTransfer) OpType() OpType {
	return OpTypePlainTransfer
}

func (t *PlainTransfer) PoolID() *string {
	return nil // Global operation
}

func (t *PlainTransfer) SourceSequence() int64 {
	return t.Sequence
}

func (t *PlainTransfer) BlockHeight() int64 {
	return t.Height
}
