package amm

import (
	"errors"
	"testing"
)

func TestSwapOutConstantProduct(t *testing.T) {
	cp := NewConstantProduct()

	tests := []struct {
		name                            string
		reserveIn, reserveOut, amountIn int64
		feeBps                          uint16
		want                            int64
	}{
		// out = reserveOut * in*(10000-fee) / (reserveIn*10000 + in*(10000-fee))
		{"no fee equal reserves", 10_000, 10_000, 1_000, 0, 909},
		{"30bps fee", 16_000, 8_700, 7_300, 30, 2_720},
		{"tiny swap rounds down", 1_000_000, 1_000_000, 1, 0, 0},
		{"large reserves", 1_000_000_000_000, 2_000_000_000_000, 1_000_000, 30, 1_993_998},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cp.SwapOut(tt.reserveIn, tt.reserveOut, tt.amountIn, tt.feeBps)
			if err != nil {
				t.Fatalf("SwapOut: %v", err)
			}
			if got != tt.want {
				t.Fatalf("SwapOut = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSwapOutNeverDrainsReserve(t *testing.T) {
	cp := NewConstantProduct()
	// Even a massive input cannot take the entire output reserve.
	out, err := cp.SwapOut(1_000, 5_000, 1_000_000_000, 0)
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if out >= 5_000 {
		t.Fatalf("swap output %d drained the reserve", out)
	}
}

func TestSwapOutRejectsBadInput(t *testing.T) {
	cp := NewConstantProduct()

	cases := []struct {
		name                            string
		reserveIn, reserveOut, amountIn int64
		feeBps                          uint16
	}{
		{"zero amount", 1_000, 1_000, 0, 0},
		{"negative amount", 1_000, 1_000, -5, 0},
		{"zero reserve in", 0, 1_000, 100, 0},
		{"zero reserve out", 1_000, 0, 100, 0},
		{"fee at denominator", 1_000, 1_000, 100, 10_000},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cp.SwapOut(tt.reserveIn, tt.reserveOut, tt.amountIn, tt.feeBps); !errors.Is(err, ErrBadSwapInput) {
				t.Fatalf("got %v, want ErrBadSwapInput", err)
			}
		})
	}
}

func TestSwapOutDeterministic(t *testing.T) {
	cp := NewConstantProduct()
	a, _ := cp.SwapOut(16_000, 8_700, 7_300, 30)
	b, _ := cp.SwapOut(16_000, 8_700, 7_300, 30)
	if a != b {
		t.Fatalf("identical inputs produced %d and %d", a, b)
	}
}
