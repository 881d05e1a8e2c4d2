package op

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/pool"
)

// BatchFinalize closes the pool's open batch once its window has elapsed.
// Callable by anyone — purely a timing gate, so Caller is recorded but
// carries no authority.
type BatchFinalize struct {
	RequestID uuid.UUID
	Pool      pool.PoolID
	Caller    common.Address
	Height    int64
	Sequence  int64
}

func (f *BatchFinalize) IdempotencyKey() string {
	return f.RequestID.String()
}

func (f *BatchFinalize) OpType() OpType {
	return OpTypeBatchFinalize
}

func (f *BatchFinalize) PoolID() *string {
	h := f.Pool.Hex()
	return &h
}

func (f *BatchFinalize) SourceSequence() int64 {
	return f.Sequence
}

func (f *BatchFinalize) BlockHeight() int64 {
	return f.Height
}
