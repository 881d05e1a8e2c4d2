package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
	"CipherPool/internal/pool"
)

// InternalTransfer is a purely encrypted move between two settlement
// participants, supplied by the off-chain matcher. Applied as
// burn(from) + mint(to); no plaintext is ever materialized.
type InternalTransfer struct {
	From   common.Address        `json:"from"`
	To     common.Address        `json:"to"`
	Token  common.Address        `json:"token"`
	Amount crypt.EncryptedAmount `json:"amount"`
}

// UserSettlement is the AMM-derived portion of a participant's settlement,
// expressed in plaintext because it derives from the public net swap. The
// engine binds it into an encrypted delta before applying.
type UserSettlement struct {
	User     common.Address `json:"user"`
	Token    common.Address `json:"token"`
	Amount   int64          `json:"amount"`
	IsCredit bool           `json:"is_credit"`
}

// BatchSettle carries the matcher's output for a finalized batch. The
// payload is untrusted input: the engine revalidates every participant and
// token against on-chain batch membership before any mutation.
type BatchSettle struct {
	SettlementID uuid.UUID
	BatchID      uuid.UUID
	Authority    common.Address
	Pool         pool.PoolID
	Transfers    []InternalTransfer
	NetAmountIn  int64
	TokenIn      common.Address // encrypted token of the net-swap input
	TokenOut     common.Address // encrypted token of the net-swap output
	Settlements  []UserSettlement
	Height       int64
	Sequence     int64
}

func (s *BatchSettle) IdempotencyKey() string {
	return s.SettlementID.String()
}

func (s *BatchSettle) OpType() OpType {
	return OpTypeBatchSettle
}

func (s *BatchSettle) PoolID() *string {
	h := s.Pool.Hex()
	return &h
}

func (s *BatchSettle) SourceSequence() int64 {
	return s.Sequence
}

func (s *BatchSettle) BlockHeight() int64 {
	return s.Height
}
