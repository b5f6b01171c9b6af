package math

import (
	"fmt"
	"math/big"
	"sync"
)

// Scale for implied odds and pool shares expressed as integers (basis points).
const BasisPoints int64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor, used for payouts
	RoundHalfEven
	RoundUp
)

// MulDiv computes a * b / denominator with a 128-bit intermediate product so
// stake * pool never overflows. Inputs must be non-negative and the
// denominator positive.
func MulDiv(a, b, denominator int64, mode RoundingMode) (int64, error) {
	if denominator <= 0 {
		return 0, fmt.Errorf("muldiv: denominator must be positive, got %d", denominator)
	}
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("muldiv: negative operand a=%d b=%d", a, b)
	}

	product := getInt128()
	defer putInt128(product)
	product.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	denom := big.NewInt(denominator)
	quotient.QuoRem(product, denom, remainder)

	if !quotient.IsInt64() {
		return 0, fmt.Errorf("muldiv: result overflows int64 (%d*%d/%d)", a, b, denominator)
	}
	result := quotient.Int64()

	if remainder.Sign() == 0 {
		return result, nil
	}

	switch mode {
	case RoundUp:
		result++
	case RoundHalfEven:
		// Banker's rounding: compare 2*remainder with denominator
		remainder.Lsh(remainder, 1)
		cmp := remainder.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
	}

	return result, nil
}

// MulDivFloor is MulDiv with RoundDown. Payout shares always round toward
// zero so the sum of shares never exceeds the pool.
func MulDivFloor(a, b, denominator int64) (int64, error) {
	return MulDiv(a, b, denominator, RoundDown)
}

// ShareBps returns part/whole in basis points, rounded half-even.
// A zero whole yields zero.
func ShareBps(part, whole int64) int64 {
	if whole <= 0 {
		return 0
	}
	bps, err := MulDiv(part, BasisPoints, whole, RoundHalfEven)
	if err != nil {
		return 0
	}
	return bps
}

// CheckedAdd adds two non-negative amounts and fails on int64 overflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("amount overflow: %d + %d", a, b)
	}
	return sum, nil
}
