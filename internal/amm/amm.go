// Package amm models the public pool as a black-box swap function. The
// settlement engine only ever asks "given these reserves, what does a swap
// of amountIn realize" — execution details stay behind the interface.
package amm

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrBadSwapInput = errors.New("bad swap input")

// Swapper computes the realized output of swapping amountIn against a pool
// with the given reserves. Implementations must be pure: no state, no
// side effects, deterministic for identical inputs.
type Swapper interface {
	SwapOut(reserveIn, reserveOut, amountIn int64, feeBps uint16) (int64, error)
}

// ConstantProduct is the x*y=k reference pool with a basis-point fee taken
// from the input side.
type ConstantProduct struct{}

func NewConstantProduct() ConstantProduct {
	return ConstantProduct{}
}

const bpsDenominator = 10_000

// SwapOut computes amountOut = reserveOut * amountInWithFee /
// (reserveIn * 10000 + amountInWithFee). Intermediate products exceed
// int64 for realistic reserves, so the arithmetic runs in big.Int.
func (ConstantProduct) SwapOut(reserveIn, reserveOut, amountIn int64, feeBps uint16) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: amountIn=%d", ErrBadSwapInput, amountIn)
	}
	if reserveIn <= 0 || reserveOut <= 0 {
		return 0, fmt.Errorf("%w: reserves=(%d, %d)", ErrBadSwapInput, reserveIn, reserveOut)
	}
	if feeBps >= bpsDenominator {
		return 0, fmt.Errorf("%w: feeBps=%d", ErrBadSwapInput, feeBps)
	}

	inWithFee := new(big.Int).Mul(
		big.NewInt(amountIn),
		big.NewInt(int64(bpsDenominator-feeBps)),
	)
	numerator := new(big.Int).Mul(big.NewInt(reserveOut), inWithFee)
	denominator := new(big.Int).Add(
		new(big.Int).Mul(big.NewInt(reserveIn), big.NewInt(bpsDenominator)),
		inWithFee,
	)

	out := new(big.Int).Quo(numerator, denominator)
	if !out.IsInt64() {
		return 0, fmt.Errorf("%w: output overflows int64", ErrBadSwapInput)
	}
	return out.Int64(), nil
}
