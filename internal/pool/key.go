package pool

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PoolID is the deterministic hash of a canonical pool key.
type PoolID [32]byte

func (id PoolID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id PoolID) String() string {
	return id.Hex()
}

// ParsePoolID parses a 0x-prefixed 32-byte hex string.
func ParsePoolID(s string) (PoolID, error) {
	var id PoolID
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse pool id: %w", err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("parse pool id: got %d bytes, want 32", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PoolKey identifies a trading pair and fee tier. The canonical form
// (lower currency address first) is the only valid input to every other
// component; ID() enforces canonicalization before hashing.
type PoolKey struct {
	Currency0 common.Address `json:"currency0"`
	Currency1 common.Address `json:"currency1"`
	FeeBps    uint16         `json:"fee_bps"`
}

// NewPoolKey builds a canonical key regardless of argument order.
func NewPoolKey(a, b common.Address, feeBps uint16) PoolKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return PoolKey{Currency0: a, Currency1: b, FeeBps: feeBps}
}

// Canonical returns the key with currencies in deterministic order.
func (k PoolKey) Canonical() PoolKey {
	return NewPoolKey(k.Currency0, k.Currency1, k.FeeBps)
}

// Contains reports whether the asset is one of the pair's currencies.
func (k PoolKey) Contains(asset common.Address) bool {
	return asset == k.Currency0 || asset == k.Currency1
}

// Counterpart returns the other currency of the pair.
func (k PoolKey) Counterpart(asset common.Address) (common.Address, bool) {
	switch asset {
	case k.Currency0:
		return k.Currency1, true
	case k.Currency1:
		return k.Currency0, true
	}
	return common.Address{}, false
}

// ID hashes the canonical key into the pool identifier.
func (k PoolKey) ID() PoolID {
	c := k.Canonical()
	fee := []byte{byte(c.FeeBps >> 8), byte(c.FeeBps)}
	var id PoolID
	copy(id[:], crypto.Keccak256(c.Currency0.Bytes(), c.Currency1.Bytes(), fee))
	return id
}
