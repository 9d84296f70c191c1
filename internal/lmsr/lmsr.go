// Package lmsr implements the two-outcome logarithmic market scoring rule used
// to price trades. Every function is pure: the same inputs always produce the
// same bits, which lets each cluster node re-run a quote independently.
package lmsr

import (
	"errors"
	"fmt"
	"math"
)

// DefaultShareUnit is the fixed-point scale of the share ledger: one whole
// share is recorded as 1,000,000 base units.
const DefaultShareUnit uint64 = 1_000_000

// NumOutcomes is the number of outcomes every market carries.
const NumOutcomes = 2

// Tally holds outstanding shares per outcome in base units.
type Tally [NumOutcomes]uint64

// Probabilities holds the implied probability of each outcome.
type Probabilities [NumOutcomes]float64

// Uniform is the probability vector of a market with an empty tally.
var Uniform = Probabilities{0.5, 0.5}

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("lmsr: invalid params")

// Params are the pricing constants captured when a market is created. They
// are threaded through every call rather than read from package state.
type Params struct {
	Liquidity uint64 `json:"liquidity"`
	ShareUnit uint64 `json:"share_unit"`
}

// NewParams returns Params with the default share unit.
func NewParams(liquidity uint64) Params {
	return Params{Liquidity: liquidity, ShareUnit: DefaultShareUnit}
}

// Validate reports whether p can be used for pricing.
func (p Params) Validate() error {
	if p.Liquidity == 0 {
		return fmt.Errorf("%w: liquidity must be positive", ErrInvalidParams)
	}
	if p.ShareUnit == 0 {
		return fmt.Errorf("%w: share unit must be positive", ErrInvalidParams)
	}
	return nil
}

// exposure converts a share count into the real-valued exponent q/unit/b.
// The multiplication order is fixed so results stay bit-identical.
func exposure(q uint64, unitInv, liquidityInv float64) float64 {
	return (float64(q) * unitInv) * liquidityInv
}

// Quote returns the implied probabilities and the cost function value for
// the tally. The exponents are shifted by their maximum before exponentiating
// so that large tallies never overflow.
func Quote(t Tally, p Params) (Probabilities, float64) {
	unitInv := 1.0 / float64(p.ShareUnit)
	liquidityInv := 1.0 / float64(p.Liquidity)

	x0 := exposure(t[0], unitInv, liquidityInv)
	x1 := exposure(t[1], unitInv, liquidityInv)

	maxX := math.Max(x0, x1)
	e0 := math.Exp(x0 - maxX)
	e1 := math.Exp(x1 - maxX)
	sum := e0 + e1

	probs := Probabilities{e0 / sum, e1 / sum}
	cost := float64(p.Liquidity) * (math.Log(sum) + maxX)
	return probs, cost
}

// Cost returns the cost function value for the tally.
func Cost(t Tally, p Params) float64 {
	_, c := Quote(t, p)
	return c
}

// InitialCost is the cost of an empty market, b*ln(2). A market maker must
// fund at least this much to cover the worst-case loss.
func InitialCost(p Params) float64 {
	return Cost(Tally{}, p)
}

// TradeCost is the price of moving the market from pre to post. A negative
// value is a refund.
func TradeCost(pre, post Tally, p Params) float64 {
	return Cost(post, p) - Cost(pre, p)
}

// Sum returns the total of the probability vector.
func (pr Probabilities) Sum() float64 {
	return pr[0] + pr[1]
}
