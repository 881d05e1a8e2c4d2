package batch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"CipherPool/internal/pool"
)

var (
	ErrNoActiveBatch     = errors.New("no active batch")
	ErrBatchNotReady     = errors.New("batch window not elapsed")
	ErrBatchNotFinalized = errors.New("batch not finalized")
	ErrAlreadyFinalized  = errors.New("batch already finalized")
	ErrUnknownBatch      = errors.New("unknown batch")
)

// BatchState is the lifecycle gate for settlement. The state field is the
// only concurrency control: of two racing finalizes or settles, only the
// first to observe the required state succeeds.
type BatchState int32

const (
	BatchStateOpen BatchState = iota
	BatchStateFinalized
	BatchStateSettled
)

func (s BatchState) String() string {
	switch s {
	case BatchStateOpen:
		return "Open"
	case BatchStateFinalized:
		return "Finalized"
	case BatchStateSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo enforces Open → Finalized → Settled. Settled is terminal.
func (s BatchState) CanTransitionTo(next BatchState) bool {
	switch s {
	case BatchStateOpen:
		return next == BatchStateFinalized
	case BatchStateFinalized:
		return next == BatchStateSettled
	}
	return false
}

// Batch is a block-windowed collection of intents for one pool.
type Batch struct {
	ID               uuid.UUID
	Pool             pool.PoolID
	State            BatchState
	OpenedAtBlock    int64
	FinalizedAtBlock int64
	SettledAtBlock   int64
	IntentIDs        []uuid.UUID
}

// WindowConfig sets the batch collection windows in blocks. MinWindow
// gates finalization; MaxWindow bounds how long an open batch keeps
// collecting before it is rolled on the next submission.
type WindowConfig struct {
	MinWindow int64
	MaxWindow int64
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{MinWindow: 10, MaxWindow: 100}
}

var batchNamespace = uuid.MustParse("7b1d2f64-9c3a-4e8f-b5a1-0d6e4c2a9f18")

// Manager owns batch lifecycle for every pool: one Open batch per pool,
// created when the first intent arrives after the previous batch closed.
// Not thread-safe — only accessed from the single-threaded core.
type Manager struct {
	cfg        WindowConfig
	batches    map[uuid.UUID]*Batch
	open       map[pool.PoolID]uuid.UUID
	lastClosed map[pool.PoolID]uuid.UUID
}

func NewManager(cfg WindowConfig) *Manager {
	return &Manager{
		cfg:        cfg,
		batches:    make(map[uuid.UUID]*Batch),
		open:       make(map[pool.PoolID]uuid.UUID),
		lastClosed: make(map[pool.PoolID]uuid.UUID),
	}
}

// deterministicBatchID derives the batch ID from (pool, opening height,
// core sequence) so replay reproduces identical IDs. Random IDs would
// diverge the state digest between a run and its recovery replay.
func deterministicBatchID(id pool.PoolID, height, sequence int64) uuid.UUID {
	buf := make([]byte, 0, 48)
	buf = append(buf, id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(height))
	buf = binary.BigEndian.AppendUint64(buf, uint64(sequence))
	return uuid.NewSHA1(batchNamespace, buf)
}

// Append places the intent into the pool's open batch, opening one if none
// exists. If the open batch has aged past MaxWindow and already holds at
// least one intent, it is finalized in place (keeping the one-open-batch
// invariant) and returned as rolled so the caller can emit its snapshot;
// a fresh batch then receives the intent.
func (m *Manager) Append(it *Intent, height, sequence int64) (appended *Batch, rolled *Batch) {
	id := it.Pool
	if openID, ok := m.open[id]; ok {
		b := m.batches[openID]
		if height-b.OpenedAtBlock >= m.cfg.MaxWindow && len(b.IntentIDs) > 0 {
			b.State = BatchStateFinalized
			b.FinalizedAtBlock = height
			delete(m.open, id)
			m.lastClosed[id] = b.ID
			rolled = b
		} else {
			b.IntentIDs = append(b.IntentIDs, it.ID)
			it.BatchID = b.ID
			return b, nil
		}
	}

	b := &Batch{
		ID:            deterministicBatchID(id, height, sequence),
		Pool:          id,
		State:         BatchStateOpen,
		OpenedAtBlock: height,
		IntentIDs:     []uuid.UUID{it.ID},
	}
	m.batches[b.ID] = b
	m.open[id] = b.ID
	it.BatchID = b.ID
	return b, rolled
}

// Finalize transitions the pool's open batch Open → Finalized once the
// minimum window has elapsed. Callable by anyone; purely a timing gate.
func (m *Manager) Finalize(id pool.PoolID, height int64) (*Batch, error) {
	openID, ok := m.open[id]
	if !ok {
		// Distinguish re-finalization of the last closed batch from a pool
		// with nothing pending.
		if closedID, hasClosed := m.lastClosed[id]; hasClosed {
			if m.batches[closedID].State == BatchStateFinalized {
				return nil, fmt.Errorf("%w: batch %s", ErrAlreadyFinalized, closedID)
			}
		}
		return nil, fmt.Errorf("%w: pool %s", ErrNoActiveBatch, id.Hex())
	}

	b := m.batches[openID]
	if height-b.OpenedAtBlock < m.cfg.MinWindow {
		return nil, fmt.Errorf("%w: opened at %d, height %d, window %d",
			ErrBatchNotReady, b.OpenedAtBlock, height, m.cfg.MinWindow)
	}

	b.State = BatchStateFinalized
	b.FinalizedAtBlock = height
	delete(m.open, id)
	m.lastClosed[id] = b.ID
	return b, nil
}

// MarkSettled transitions Finalized → Settled. The state check is the
// at-most-once settlement guarantee: a Settled batch fails here.
func (m *Manager) MarkSettled(batchID uuid.UUID, height int64) (*Batch, error) {
	b, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	if !b.State.CanTransitionTo(BatchStateSettled) {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotFinalized, batchID, b.State)
	}
	b.State = BatchStateSettled
	b.SettledAtBlock = height
	return b, nil
}

// Get returns a batch by ID.
func (m *Manager) Get(batchID uuid.UUID) (*Batch, bool) {
	b, ok := m.batches[batchID]
	return b, ok
}

// OpenBatch returns the pool's currently open batch, if any.
func (m *Manager) OpenBatch(id pool.PoolID) (*Batch, bool) {
	openID, ok := m.open[id]
	if !ok {
		return nil, false
	}
	return m.batches[openID], true
}

// Unsettled counts batches that are Finalized but not yet Settled.
func (m *Manager) Unsettled() int {
	n := 0
	for _, b := range m.batches {
		if b.State == BatchStateFinalized {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all batches.
func (m *Manager) Snapshot() []*Batch {
	out := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		cp := *b
		cp.IntentIDs = append([]uuid.UUID(nil), b.IntentIDs...)
		out = append(out, &cp)
	}
	return out
}

// laterFinalized reports whether a should replace b as a pool's most
// recently closed batch. Ties on height break on batch ID so Restore is
// independent of input order.
func laterFinalized(a, b *Batch) bool {
	if a.FinalizedAtBlock != b.FinalizedAtBlock {
		return a.FinalizedAtBlock > b.FinalizedAtBlock
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

// Restore rebuilds manager state from snapshotted batches.
func (m *Manager) Restore(batches []*Batch) {
	m.batches = make(map[uuid.UUID]*Batch, len(batches))
	m.open = make(map[pool.PoolID]uuid.UUID)
	m.lastClosed = make(map[pool.PoolID]uuid.UUID)
	for _, b := range batches {
		cp := *b
		cp.IntentIDs = append([]uuid.UUID(nil), b.IntentIDs...)
		m.batches[cp.ID] = &cp
		switch cp.State {
		case BatchStateOpen:
			m.open[cp.Pool] = cp.ID
		case BatchStateFinalized:
			// With several finalized batches pending for one pool, the most
			// recently finalized one is the re-finalization target.
			if curID, ok := m.lastClosed[cp.Pool]; !ok || laterFinalized(&cp, m.batches[curID]) {
				m.lastClosed[cp.Pool] = cp.ID
			}
		case BatchStateSettled:
			// lastClosed only matters while a finalized batch is pending;
			// a settled batch needs no index entry.
		}
	}
}
