package batch

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/pool"
)

var testPool = pool.NewPoolKey(
	common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
	common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	30,
).ID()

func newIntent(owner byte) *Intent {
	return &Intent{
		ID:       uuid.New(),
		Owner:    common.BytesToAddress([]byte{owner}),
		Pool:     testPool,
		Deadline: 1_000,
	}
}

func TestStateTransitions(t *testing.T) {
	if !BatchStateOpen.CanTransitionTo(BatchStateFinalized) {
		t.Fatal("Open -> Finalized refused")
	}
	if !BatchStateFinalized.CanTransitionTo(BatchStateSettled) {
		t.Fatal("Finalized -> Settled refused")
	}
	if BatchStateOpen.CanTransitionTo(BatchStateSettled) {
		t.Fatal("Open -> Settled allowed")
	}
	if BatchStateSettled.CanTransitionTo(BatchStateFinalized) {
		t.Fatal("Settled is not terminal")
	}
}

func TestAppendOpensBatchAndCollects(t *testing.T) {
	m := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})

	first, rolled := m.Append(newIntent(1), 5, 0)
	if rolled != nil {
		t.Fatal("first append rolled a batch")
	}
	if first.State != BatchStateOpen || first.OpenedAtBlock != 5 {
		t.Fatalf("opened batch: %+v", first)
	}

	second, _ := m.Append(newIntent(2), 7, 1)
	if second.ID != first.ID {
		t.Fatal("second intent opened a new batch")
	}
	if len(second.IntentIDs) != 2 {
		t.Fatalf("intent count = %d, want 2", len(second.IntentIDs))
	}
}

func TestDeterministicBatchID(t *testing.T) {
	m1 := NewManager(DefaultWindowConfig())
	m2 := NewManager(DefaultWindowConfig())

	b1, _ := m1.Append(newIntent(1), 5, 42)
	b2, _ := m2.Append(newIntent(2), 5, 42)

	// Same (pool, height, sequence) must reproduce the same ID on replay.
	if b1.ID != b2.ID {
		t.Fatalf("batch IDs diverge: %s vs %s", b1.ID, b2.ID)
	}

	b3, _ := m1.Append(newIntent(3), 200, 43)
	if b3.ID == b1.ID {
		t.Fatal("different opening height produced the same ID")
	}
}

func TestFinalizeWindowGate(t *testing.T) {
	m := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})
	m.Append(newIntent(1), 5, 0)

	if _, err := m.Finalize(testPool, 14); !errors.Is(err, ErrBatchNotReady) {
		t.Fatalf("early finalize: got %v, want ErrBatchNotReady", err)
	}

	b, err := m.Finalize(testPool, 15)
	if err != nil {
		t.Fatalf("finalize at window: %v", err)
	}
	if b.State != BatchStateFinalized || b.FinalizedAtBlock != 15 {
		t.Fatalf("finalized batch: %+v", b)
	}

	if _, err := m.Finalize(testPool, 16); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("re-finalize: got %v, want ErrAlreadyFinalized", err)
	}
}

func TestFinalizeNoActiveBatch(t *testing.T) {
	m := NewManager(DefaultWindowConfig())
	if _, err := m.Finalize(testPool, 100); !errors.Is(err, ErrNoActiveBatch) {
		t.Fatalf("got %v, want ErrNoActiveBatch", err)
	}
}

func TestMaxWindowRollsBatch(t *testing.T) {
	m := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})
	first, _ := m.Append(newIntent(1), 5, 0)

	appended, rolled := m.Append(newIntent(2), 105, 1)
	if rolled == nil {
		t.Fatal("over-age batch not rolled")
	}
	if rolled.ID != first.ID || rolled.State != BatchStateFinalized {
		t.Fatalf("rolled batch: %+v", rolled)
	}
	if appended.ID == first.ID {
		t.Fatal("intent landed in the rolled batch")
	}
	if appended.State != BatchStateOpen || len(appended.IntentIDs) != 1 {
		t.Fatalf("fresh batch: %+v", appended)
	}

	// Rolled batch is finalized in place and can settle.
	if _, err := m.MarkSettled(rolled.ID, 106); err != nil {
		t.Fatalf("settle rolled batch: %v", err)
	}
}

func TestMarkSettledGate(t *testing.T) {
	m := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})
	b, _ := m.Append(newIntent(1), 0, 0)

	if _, err := m.MarkSettled(b.ID, 5); !errors.Is(err, ErrBatchNotFinalized) {
		t.Fatalf("settle open batch: got %v, want ErrBatchNotFinalized", err)
	}

	m.Finalize(testPool, 10)
	if _, err := m.MarkSettled(b.ID, 11); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Second settle fails on the state gate: at-most-once settlement.
	if _, err := m.MarkSettled(b.ID, 12); !errors.Is(err, ErrBatchNotFinalized) {
		t.Fatalf("double settle: got %v, want ErrBatchNotFinalized", err)
	}

	if _, err := m.MarkSettled(uuid.New(), 12); !errors.Is(err, ErrUnknownBatch) {
		t.Fatalf("unknown batch: got %v, want ErrUnknownBatch", err)
	}
}

func TestValidateDeadline(t *testing.T) {
	if err := ValidateDeadline(100, 100); err != nil {
		t.Fatalf("deadline equal to height rejected: %v", err)
	}
	if err := ValidateDeadline(100, 101); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expired deadline: got %v, want ErrDeadlineExpired", err)
	}
}

func TestIntentBookConsumeOnce(t *testing.T) {
	ib := NewIntentBook()
	it := newIntent(1)
	it.BatchID = uuid.New()
	ib.Add(it)

	if err := ib.MarkConsumed(it.ID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := ib.MarkConsumed(it.ID); !errors.Is(err, ErrIntentConsumed) {
		t.Fatalf("double consume: got %v, want ErrIntentConsumed", err)
	}
	if err := ib.MarkConsumed(uuid.New()); !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("unknown intent: got %v, want ErrUnknownIntent", err)
	}
}

func TestIntentBookForBatchOrder(t *testing.T) {
	ib := NewIntentBook()
	batchID := uuid.New()

	var ids []uuid.UUID
	for i := byte(1); i <= 5; i++ {
		it := newIntent(i)
		it.BatchID = batchID
		ib.Add(it)
		ids = append(ids, it.ID)
	}

	got := ib.ForBatch(batchID)
	if len(got) != 5 {
		t.Fatalf("got %d intents, want 5", len(got))
	}
	for i, it := range got {
		if it.ID != ids[i] {
			t.Fatalf("submission order lost at index %d", i)
		}
	}
}

func TestManagerSnapshotRestore(t *testing.T) {
	m := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})
	open, _ := m.Append(newIntent(1), 0, 0)
	m.Finalize(testPool, 10)
	finalized := open

	// New open batch after the finalize.
	fresh, _ := m.Append(newIntent(2), 11, 1)

	restored := NewManager(WindowConfig{MinWindow: 10, MaxWindow: 100})
	restored.Restore(m.Snapshot())

	if b, ok := restored.Get(finalized.ID); !ok || b.State != BatchStateFinalized {
		t.Fatal("finalized batch lost across restore")
	}
	if b, ok := restored.OpenBatch(testPool); !ok || b.ID != fresh.ID {
		t.Fatal("open batch index lost across restore")
	}
	if _, err := restored.MarkSettled(finalized.ID, 20); err != nil {
		t.Fatalf("settle after restore: %v", err)
	}
}

func TestRestoreKeepsLatestFinalized(t *testing.T) {
	older := &Batch{
		ID:               uuid.New(),
		Pool:             testPool,
		State:            BatchStateFinalized,
		FinalizedAtBlock: 10,
	}
	newer := &Batch{
		ID:               uuid.New(),
		Pool:             testPool,
		State:            BatchStateFinalized,
		OpenedAtBlock:    15,
		FinalizedAtBlock: 30,
	}

	// Either input order retains the later finalized batch.
	for _, batches := range [][]*Batch{{older, newer}, {newer, older}} {
		m := NewManager(DefaultWindowConfig())
		m.Restore(batches)
		if got := m.lastClosed[testPool]; got != newer.ID {
			t.Fatalf("lastClosed = %s, want %s", got, newer.ID)
		}
		if _, err := m.Finalize(testPool, 100); !errors.Is(err, ErrAlreadyFinalized) {
			t.Fatalf("re-finalize after restore: %v", err)
		}
	}
}

func TestIntentBookSnapshotRestore(t *testing.T) {
	ib := NewIntentBook()
	batchID := uuid.New()
	it := newIntent(1)
	it.BatchID = batchID
	ib.Add(it)
	ib.MarkConsumed(it.ID)

	restored := NewIntentBook()
	restored.Restore(ib.Snapshot())

	got, ok := restored.Get(it.ID)
	if !ok || !got.Consumed {
		t.Fatal("consumed flag lost across restore")
	}
	if len(restored.ForBatch(batchID)) != 1 {
		t.Fatal("batch index lost across restore")
	}
}
