package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/batch"
	"CipherPool/internal/crypt"
	"CipherPool/internal/ledger"
	"CipherPool/internal/persistence"
	"CipherPool/internal/pool"
)

// Conversion between the core's typed SnapshotState and the persistence
// layer's JSON-serializable SnapshotData. The persistence package stays
// decoupled from core types; the codec lives here where both sides are
// visible.

// ToSnapshotData flattens typed state into string-keyed serializable form.
func ToSnapshotData(snap *SnapshotState, createdAt time.Time) *persistence.SnapshotData {
	encBalances := make(map[string][]byte, len(snap.EncBalances))
	for k, h := range snap.EncBalances {
		encBalances[k.Path()] = append([]byte(nil), h...)
	}

	plainBalances := make(map[string]int64, len(snap.PlainBalances))
	for k, v := range snap.PlainBalances {
		plainBalances[k.Path()] = v
	}

	plainSupply := make(map[string]int64, len(snap.PlainSupply))
	for token, v := range snap.PlainSupply {
		plainSupply[token.Hex()] = v
	}

	reserves := make(map[string]int64, len(snap.Reserves))
	for k, v := range snap.Reserves {
		reserves[pairPath(k.Pool, k.Asset)] = v
	}

	pools := make(map[string]persistence.PoolSnap, len(snap.Pools))
	for id, key := range snap.Pools {
		pools[id.Hex()] = persistence.PoolSnap{
			Currency0: key.Currency0.Hex(),
			Currency1: key.Currency1.Hex(),
			FeeBps:    key.FeeBps,
		}
	}

	tokens := make(map[string]string, len(snap.Tokens))
	for k, token := range snap.Tokens {
		tokens[pairPath(k.Pool, k.Asset)] = token.Hex()
	}

	batches := make([]persistence.BatchSnap, 0, len(snap.Batches))
	for _, b := range snap.Batches {
		ids := make([]string, 0, len(b.IntentIDs))
		for _, id := range b.IntentIDs {
			ids = append(ids, id.String())
		}
		batches = append(batches, persistence.BatchSnap{
			ID:               b.ID.String(),
			Pool:             b.Pool.Hex(),
			State:            int32(b.State),
			OpenedAtBlock:    b.OpenedAtBlock,
			FinalizedAtBlock: b.FinalizedAtBlock,
			SettledAtBlock:   b.SettledAtBlock,
			IntentIDs:        ids,
		})
	}

	intents := make([]persistence.IntentSnap, 0, len(snap.Intents))
	for _, it := range snap.Intents {
		intents = append(intents, persistence.IntentSnap{
			ID:       it.ID.String(),
			Owner:    it.Owner.Hex(),
			Pool:     it.Pool.Hex(),
			TokenIn:  it.TokenIn.Hex(),
			TokenOut: it.TokenOut.Hex(),
			Handle:   append([]byte(nil), it.Amount.Handle...),
			Proof:    append([]byte(nil), it.Amount.Proof...),
			Deadline: it.Deadline,
			BatchID:  it.BatchID.String(),
			Consumed: it.Consumed,
		})
	}

	return &persistence.SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		EncBalances:     encBalances,
		PlainBalances:   plainBalances,
		PlainSupply:     plainSupply,
		Reserves:        reserves,
		Pools:           pools,
		Tokens:          tokens,
		Batches:         batches,
		Intents:         intents,
		SequenceState:   snap.SequenceState,
		HeightState:     snap.HeightState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// FromSnapshotData rebuilds typed state from serialized form. Snapshots
// are produced by ToSnapshotData, so a parse failure means corruption.
func FromSnapshotData(data *persistence.SnapshotData) (*SnapshotState, error) {
	snap := &SnapshotState{
		Sequence:        data.Sequence,
		SequenceState:   data.SequenceState,
		HeightState:     data.HeightState,
		IdempotencyKeys: data.IdempotencyKeys,
	}

	if len(data.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash has %d bytes, want 32", len(data.StateHash))
	}
	copy(snap.StateHash[:], data.StateHash)

	snap.EncBalances = make(map[ledger.BalanceKey]crypt.Handle, len(data.EncBalances))
	for path, h := range data.EncBalances {
		key, err := parseBalancePath(path)
		if err != nil {
			return nil, err
		}
		snap.EncBalances[key] = crypt.Handle(append([]byte(nil), h...))
	}

	snap.PlainBalances = make(map[ledger.BalanceKey]int64, len(data.PlainBalances))
	for path, v := range data.PlainBalances {
		key, err := parseBalancePath(path)
		if err != nil {
			return nil, err
		}
		snap.PlainBalances[key] = v
	}

	snap.PlainSupply = make(map[common.Address]int64, len(data.PlainSupply))
	for token, v := range data.PlainSupply {
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("snapshot supply token %q is not an address", token)
		}
		snap.PlainSupply[common.HexToAddress(token)] = v
	}

	snap.Reserves = make(map[pool.ReserveKey]int64, len(data.Reserves))
	for path, v := range data.Reserves {
		key, err := parsePairPath(path)
		if err != nil {
			return nil, err
		}
		snap.Reserves[key] = v
	}

	snap.Pools = make(map[pool.PoolID]pool.PoolKey, len(data.Pools))
	for idHex, ps := range data.Pools {
		id, err := pool.ParsePoolID(idHex)
		if err != nil {
			return nil, fmt.Errorf("snapshot pool id: %w", err)
		}
		if !common.IsHexAddress(ps.Currency0) || !common.IsHexAddress(ps.Currency1) {
			return nil, fmt.Errorf("snapshot pool %s has invalid currencies", idHex)
		}
		snap.Pools[id] = pool.NewPoolKey(
			common.HexToAddress(ps.Currency0),
			common.HexToAddress(ps.Currency1),
			ps.FeeBps,
		)
	}

	snap.Tokens = make(map[pool.ReserveKey]common.Address, len(data.Tokens))
	for path, token := range data.Tokens {
		key, err := parsePairPath(path)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("snapshot token %q is not an address", token)
		}
		snap.Tokens[key] = common.HexToAddress(token)
	}

	snap.Batches = make([]*batch.Batch, 0, len(data.Batches))
	for _, bs := range data.Batches {
		id, err := uuid.Parse(bs.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshot batch id: %w", err)
		}
		poolID, err := pool.ParsePoolID(bs.Pool)
		if err != nil {
			return nil, fmt.Errorf("snapshot batch pool: %w", err)
		}
		intentIDs := make([]uuid.UUID, 0, len(bs.IntentIDs))
		for _, s := range bs.IntentIDs {
			iid, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("snapshot batch intent id: %w", err)
			}
			intentIDs = append(intentIDs, iid)
		}
		snap.Batches = append(snap.Batches, &batch.Batch{
			ID:               id,
			Pool:             poolID,
			State:            batch.BatchState(bs.State),
			OpenedAtBlock:    bs.OpenedAtBlock,
			FinalizedAtBlock: bs.FinalizedAtBlock,
			SettledAtBlock:   bs.SettledAtBlock,
			IntentIDs:        intentIDs,
		})
	}

	snap.Intents = make([]*batch.Intent, 0, len(data.Intents))
	for _, is := range data.Intents {
		id, err := uuid.Parse(is.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshot intent id: %w", err)
		}
		poolID, err := pool.ParsePoolID(is.Pool)
		if err != nil {
			return nil, fmt.Errorf("snapshot intent pool: %w", err)
		}
		batchID, err := uuid.Parse(is.BatchID)
		if err != nil {
			return nil, fmt.Errorf("snapshot intent batch id: %w", err)
		}
		if !common.IsHexAddress(is.Owner) || !common.IsHexAddress(is.TokenIn) || !common.IsHexAddress(is.TokenOut) {
			return nil, fmt.Errorf("snapshot intent %s has invalid addresses", is.ID)
		}
		snap.Intents = append(snap.Intents, &batch.Intent{
			ID:       id,
			Owner:    common.HexToAddress(is.Owner),
			Pool:     poolID,
			TokenIn:  common.HexToAddress(is.TokenIn),
			TokenOut: common.HexToAddress(is.TokenOut),
			Amount: crypt.EncryptedAmount{
				Handle: crypt.Handle(append([]byte(nil), is.Handle...)),
				Proof:  crypt.Proof(append([]byte(nil), is.Proof...)),
			},
			Deadline: is.Deadline,
			BatchID:  batchID,
			Consumed: is.Consumed,
		})
	}

	return snap, nil
}

func pairPath(id pool.PoolID, asset common.Address) string {
	return fmt.Sprintf("%s:%s", id.Hex(), asset.Hex())
}

func parsePairPath(path string) (pool.ReserveKey, error) {
	parts := strings.SplitN(path, ":", 2)
	if len(parts) != 2 {
		return pool.ReserveKey{}, fmt.Errorf("malformed pool:asset path %q", path)
	}
	id, err := pool.ParsePoolID(parts[0])
	if err != nil {
		return pool.ReserveKey{}, fmt.Errorf("pool in path %q: %w", path, err)
	}
	if !common.IsHexAddress(parts[1]) {
		return pool.ReserveKey{}, fmt.Errorf("asset in path %q is not an address", path)
	}
	return pool.ReserveKey{Pool: id, Asset: common.HexToAddress(parts[1])}, nil
}

func parseBalancePath(path string) (ledger.BalanceKey, error) {
	parts := strings.SplitN(path, ":", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return ledger.BalanceKey{}, fmt.Errorf("malformed balance path %q", path)
	}
	return ledger.BalanceKey{
		Token:   common.HexToAddress(parts[0]),
		Account: common.HexToAddress(parts[1]),
	}, nil
}
