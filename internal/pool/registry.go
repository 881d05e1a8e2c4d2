package pool

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownPool  = errors.New("unknown pool")
	ErrUnknownToken = errors.New("unknown encrypted token")
)

const (
	tokenSeed   = "cipherpool:token:v1"
	custodySeed = "cipherpool:custody:v1"
)

// TokenRegistry maps (pool, asset) pairs to encrypted token addresses and
// back. Exactly one token exists per pair; addresses are deterministic so
// the mapping survives replay and can be recomputed by external parties.
// Not thread-safe — only accessed from the single-threaded core.
type TokenRegistry struct {
	pools   map[PoolID]PoolKey
	byPair  map[ReserveKey]common.Address
	byToken map[common.Address]ReserveKey
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		pools:   make(map[PoolID]PoolKey),
		byPair:  make(map[ReserveKey]common.Address),
		byToken: make(map[common.Address]ReserveKey),
	}
}

// RegisterPool records a canonical pool key, returning its ID. Idempotent.
func (tr *TokenRegistry) RegisterPool(key PoolKey) PoolID {
	canonical := key.Canonical()
	id := canonical.ID()
	tr.pools[id] = canonical
	return id
}

// PoolKeyOf resolves a pool ID back to its canonical key.
func (tr *TokenRegistry) PoolKeyOf(id PoolID) (PoolKey, bool) {
	key, ok := tr.pools[id]
	return key, ok
}

// TokenAddress computes the deterministic encrypted-token address for a
// (pool, asset) pair without registering it.
func TokenAddress(pool PoolID, asset common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(tokenSeed), pool[:], asset.Bytes())[12:])
}

// CustodyAddress is the plaintext custody account for a pool's underlying
// assets (the plain-ledger counterpart of the encrypted supply).
func CustodyAddress(pool PoolID) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(custodySeed), pool[:])[12:])
}

// EnsureToken lazily creates the encrypted token for (pool, asset) on
// first touch and returns its address thereafter.
func (tr *TokenRegistry) EnsureToken(pool PoolID, asset common.Address) common.Address {
	key := ReserveKey{Pool: pool, Asset: asset}
	if token, ok := tr.byPair[key]; ok {
		return token
	}
	token := TokenAddress(pool, asset)
	tr.byPair[key] = token
	tr.byToken[token] = key
	return token
}

// TokenOf looks up an already-created token for (pool, asset).
func (tr *TokenRegistry) TokenOf(pool PoolID, asset common.Address) (common.Address, bool) {
	token, ok := tr.byPair[ReserveKey{Pool: pool, Asset: asset}]
	return token, ok
}

// PairOf resolves a token address back to its (pool, asset) pair.
func (tr *TokenRegistry) PairOf(token common.Address) (ReserveKey, bool) {
	key, ok := tr.byToken[token]
	return key, ok
}

// Snapshot returns copies of the registry maps.
func (tr *TokenRegistry) Snapshot() (map[PoolID]PoolKey, map[ReserveKey]common.Address) {
	pools := make(map[PoolID]PoolKey, len(tr.pools))
	for k, v := range tr.pools {
		pools[k] = v
	}
	pairs := make(map[ReserveKey]common.Address, len(tr.byPair))
	for k, v := range tr.byPair {
		pairs[k] = v
	}
	return pools, pairs
}

// Restore replaces registry state from a snapshot.
func (tr *TokenRegistry) Restore(pools map[PoolID]PoolKey, pairs map[ReserveKey]common.Address) {
	tr.pools = make(map[PoolID]PoolKey, len(pools))
	for k, v := range pools {
		tr.pools[k] = v
	}
	tr.byPair = make(map[ReserveKey]common.Address, len(pairs))
	tr.byToken = make(map[common.Address]ReserveKey, len(pairs))
	for k, v := range pairs {
		tr.byPair[k] = v
		tr.byToken[v] = k
	}
}
