package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/pool"
)

// Deposit brings plaintext assets into a pool: the encrypted token for
// (pool, asset) is minted 1:1 to the depositor and the reserve credited.
type Deposit struct {
	DepositID uuid.UUID
	Account   common.Address
	Pool      pool.PoolKey
	Asset     common.Address
	Amount    int64
	Height    int64
	Sequence  int64
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) OpType() OpType {
	return OpTypeDeposit
}

func (d *Deposit) PoolID() *string {
	h := d.Pool.ID().Hex()
	return &h
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *Deposit) BlockHeight() int64 {
	return d.Height
}
