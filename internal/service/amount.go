package service

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// maxTokenFloat is 2^64, the first float64 that does not fit in a uint64.
const maxTokenFloat = 18446744073709551616.0

// ToTokenAmount converts a token amount into integer base units with the
// given number of decimals, rounding to the nearest unit. Negative,
// non-finite and overflowing amounts are rejected rather than clamped.
func ToTokenAmount(amount float64, decimals uint8) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: non-finite amount %v", domain.ErrAmountConversion, amount)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: negative amount %v", domain.ErrAmountConversion, amount)
	}
	scaled := math.Round(amount * math.Pow10(int(decimals)))
	if math.IsInf(scaled, 0) || scaled >= maxTokenFloat {
		return 0, fmt.Errorf("%w: amount %v overflows", domain.ErrAmountConversion, amount)
	}
	return uint64(scaled), nil
}

// winningLiability is the token amount owed to holders of the winning
// outcome: winningShares*payoutPerShare/shareUnit.
func winningLiability(winningShares, payoutPerShare, shareUnit uint64) (uint64, error) {
	if shareUnit == 0 {
		return 0, fmt.Errorf("%w: zero share unit", domain.ErrAmountConversion)
	}
	hi, lo := bits.Mul64(winningShares, payoutPerShare)
	if hi >= shareUnit {
		return 0, fmt.Errorf("%w: liability overflows", domain.ErrAmountConversion)
	}
	q, _ := bits.Div64(hi, lo, shareUnit)
	return q, nil
}
