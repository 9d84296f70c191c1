package circuit

import (
	"crypto/subtle"
	"math"
)

// The helpers below select between values without branching on secret
// data. A mask is either all ones (select a) or all zeros (select b).

// eqMask returns an all-ones mask when x == y.
func eqMask(x, y uint8) uint64 {
	return -uint64(subtle.ConstantTimeByteEq(x, y))
}

// bitMask expands a 0/1 value into a mask.
func bitMask(bit uint64) uint64 {
	return -(bit & 1)
}

func selectU64(mask, a, b uint64) uint64 {
	return (a & mask) | (b &^ mask)
}

func selectF64(mask uint64, a, b float64) float64 {
	return math.Float64frombits(selectU64(mask, math.Float64bits(a), math.Float64bits(b)))
}
