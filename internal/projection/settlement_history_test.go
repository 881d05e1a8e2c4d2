package projection

import (
	"fmt"
	"testing"
)

func rec(pool string, seq int64) SettlementRecord {
	return SettlementRecord{
		BatchID:  fmt.Sprintf("batch-%d", seq),
		PoolID:   pool,
		Sequence: seq,
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	h := NewSettlementHistory(16)
	for i := int64(1); i <= 3; i++ {
		h.Add(rec("pool-a", i))
	}

	got := h.ByPool("pool-a", 10)
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, r := range got {
		if want := int64(3 - i); r.Sequence != want {
			t.Fatalf("record %d sequence = %d, want %d", i, r.Sequence, want)
		}
	}
}

func TestHistoryFiltersByPool(t *testing.T) {
	h := NewSettlementHistory(16)
	h.Add(rec("pool-a", 1))
	h.Add(rec("pool-b", 2))
	h.Add(rec("pool-a", 3))

	if got := h.ByPool("pool-a", 10); len(got) != 2 {
		t.Fatalf("pool-a records = %d, want 2", len(got))
	}
	if got := h.ByPool("pool-c", 10); len(got) != 0 {
		t.Fatalf("unknown pool returned %d records", len(got))
	}
}

func TestHistoryLimit(t *testing.T) {
	h := NewSettlementHistory(16)
	for i := int64(1); i <= 5; i++ {
		h.Add(rec("pool-a", i))
	}
	got := h.ByPool("pool-a", 2)
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Sequence != 5 || got[1].Sequence != 4 {
		t.Fatalf("limit did not keep the newest: %v, %v", got[0].Sequence, got[1].Sequence)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewSettlementHistory(3)
	for i := int64(1); i <= 10; i++ {
		h.Add(rec("pool-a", i))
	}
	got := h.ByPool("pool-a", 100)
	if len(got) != 3 {
		t.Fatalf("ring holds %d, want 3", len(got))
	}
	if got[0].Sequence != 10 || got[2].Sequence != 8 {
		t.Fatal("ring evicted the wrong records")
	}
}
