package pool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientReserve = errors.New("insufficient reserve")

// ReserveKey addresses one plaintext reserve counter.
type ReserveKey struct {
	Pool  PoolID
	Asset common.Address
}

func (k ReserveKey) Path() string {
	return fmt.Sprintf("reserve:%s:%s", k.Pool.Hex(), k.Asset.Hex())
}

// ReserveLedger tracks per-(pool, asset) plaintext reserves.
// Not thread-safe — only accessed from the single-threaded core.
// Reserves increase on deposit and on the out-asset side of a net swap,
// decrease on the net-swap input, and never go negative.
type ReserveLedger struct {
	reserves map[ReserveKey]int64
}

func NewReserveLedger() *ReserveLedger {
	return &ReserveLedger{
		reserves: make(map[ReserveKey]int64),
	}
}

// Get returns the current reserve (zero if the pair was never touched).
func (rl *ReserveLedger) Get(pool PoolID, asset common.Address) int64 {
	return rl.reserves[ReserveKey{Pool: pool, Asset: asset}]
}

// Credit increases a reserve. Amount must be positive.
func (rl *ReserveLedger) Credit(pool PoolID, asset common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve credit must be positive, got %d", amount)
	}
	rl.reserves[ReserveKey{Pool: pool, Asset: asset}] += amount
	return nil
}

// Debit decreases a reserve, failing rather than going negative.
func (rl *ReserveLedger) Debit(pool PoolID, asset common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve debit must be positive, got %d", amount)
	}
	key := ReserveKey{Pool: pool, Asset: asset}
	if rl.reserves[key] < amount {
		return fmt.Errorf("%w: pool=%s asset=%s have=%d need=%d",
			ErrInsufficientReserve, pool.Hex(), asset.Hex(), rl.reserves[key], amount)
	}
	rl.reserves[key] -= amount
	return nil
}

// CanDebit reports whether a debit of amount would succeed.
func (rl *ReserveLedger) CanDebit(pool PoolID, asset common.Address, amount int64) bool {
	return amount > 0 && rl.reserves[ReserveKey{Pool: pool, Asset: asset}] >= amount
}

// ValidateNonNegative scans every reserve counter.
func (rl *ReserveLedger) ValidateNonNegative() error {
	for key, v := range rl.reserves {
		if v < 0 {
			return fmt.Errorf("negative reserve %s: %d", key.Path(), v)
		}
	}
	return nil
}

// Snapshot returns a copy of all reserves.
func (rl *ReserveLedger) Snapshot() map[ReserveKey]int64 {
	out := make(map[ReserveKey]int64, len(rl.reserves))
	for k, v := range rl.reserves {
		out[k] = v
	}
	return out
}

// Restore replaces state from a snapshot.
func (rl *ReserveLedger) Restore(reserves map[ReserveKey]int64) {
	rl.reserves = make(map[ReserveKey]int64, len(reserves))
	for k, v := range reserves {
		rl.reserves[k] = v
	}
}
