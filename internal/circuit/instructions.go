// Package circuit holds the confidential instruction set. Each instruction
// is an atomic transform over plaintext records that only ever exist inside
// the secure-computation boundary; the caller seals the outputs again and
// only the explicitly returned scalars leave the boundary in the clear.
package circuit

import (
	"errors"
	"math/bits"

	"github.com/alanyoungcy/arxpredict/internal/lmsr"
)

// SellStatus reports whether a sell had enough shares to execute.
type SellStatus uint8

const (
	SellInsufficient SellStatus = 0
	SellOK           SellStatus = 1
)

// ErrOverflow aborts an instruction whose integer arithmetic would wrap.
var ErrOverflow = errors.New("circuit: arithmetic overflow")

// InitMarketStats returns the record of a new market: an empty tally,
// uniform probabilities and cost b*ln(2).
func InitMarketStats(p lmsr.Params) MarketStats {
	return MarketStats{
		Probs: lmsr.Uniform,
		Cost:  lmsr.InitialCost(p),
	}
}

// InitUserPosition returns an empty position.
func InitUserPosition() Position {
	return Position{}
}

// BuyShares adds shares to the voted outcome of both the market tally and
// the position, reprices the market and returns the cost delta as the
// amount due. A vote that names neither outcome leaves the tallies as they
// are and costs nothing.
func BuyShares(v Vote, shares uint64, p lmsr.Params, m MarketStats, pos Position) (MarketStats, Position, float64, error) {
	maskA := eqMask(v.Outcome, 0)
	maskB := eqMask(v.Outcome, 1)
	addA := shares & maskA
	addB := shares & maskB

	var overflow uint64
	var c uint64
	m.Tally[0], c = bits.Add64(m.Tally[0], addA, 0)
	overflow |= c
	m.Tally[1], c = bits.Add64(m.Tally[1], addB, 0)
	overflow |= c
	pos.Shares[0], c = bits.Add64(pos.Shares[0], addA, 0)
	overflow |= c
	pos.Shares[1], c = bits.Add64(pos.Shares[1], addB, 0)
	overflow |= c
	if overflow != 0 {
		return MarketStats{}, Position{}, 0, ErrOverflow
	}

	probs, cost := lmsr.Quote(m.Tally, p)
	amount := cost - m.Cost
	m.Probs = probs
	m.Cost = cost
	return m, pos, amount, nil
}

// SellShares removes shares from the voted outcome. When the position holds
// fewer shares than requested the status is SellInsufficient and both
// records are returned exactly as given with a zero amount. Both paths are
// always computed and blended so the control flow does not depend on the
// vote or the holding.
func SellShares(v Vote, shares uint64, p lmsr.Params, m MarketStats, pos Position) (MarketStats, Position, float64, SellStatus, error) {
	maskA := eqMask(v.Outcome, 0)
	maskB := eqMask(v.Outcome, 1)

	// A vote for neither outcome holds "everything" and removes nothing.
	held := selectU64(maskA, pos.Shares[0], selectU64(maskB, pos.Shares[1], ^uint64(0)))
	_, short := bits.Sub64(held, shares, 0)
	ok := bitMask(short ^ 1)

	subA := shares & maskA & ok
	subB := shares & maskB & ok

	next := m
	nextPos := pos
	// The holding check above guarantees these do not borrow, and every
	// share in a position is also counted in the market tally.
	var borrow, b uint64
	next.Tally[0], b = bits.Sub64(m.Tally[0], subA, 0)
	borrow |= b
	next.Tally[1], b = bits.Sub64(m.Tally[1], subB, 0)
	borrow |= b
	nextPos.Shares[0], _ = bits.Sub64(pos.Shares[0], subA, 0)
	nextPos.Shares[1], _ = bits.Sub64(pos.Shares[1], subB, 0)
	if borrow != 0 {
		return MarketStats{}, Position{}, 0, 0, ErrOverflow
	}

	probs, cost := lmsr.Quote(next.Tally, p)
	amount := cost - m.Cost

	out := MarketStats{
		Tally: lmsr.Tally{
			selectU64(ok, next.Tally[0], m.Tally[0]),
			selectU64(ok, next.Tally[1], m.Tally[1]),
		},
		Probs: lmsr.Probabilities{
			selectF64(ok, probs[0], m.Probs[0]),
			selectF64(ok, probs[1], m.Probs[1]),
		},
		Cost: selectF64(ok, cost, m.Cost),
	}
	outPos := Position{Shares: [2]uint64{
		selectU64(ok, nextPos.Shares[0], pos.Shares[0]),
		selectU64(ok, nextPos.Shares[1], pos.Shares[1]),
	}}
	return out, outPos, selectF64(ok, amount, 0), SellStatus(ok & 1), nil
}

// RevealProbs declassifies the probabilities and the tally.
func RevealProbs(m MarketStats) (lmsr.Probabilities, lmsr.Tally) {
	return m.Probs, m.Tally
}

// RevealMarket declassifies the final state of a settled market and echoes
// the winning outcome it was settled with.
func RevealMarket(m MarketStats, winner uint8) (uint8, lmsr.Probabilities, lmsr.Tally) {
	return winner, m.Probs, m.Tally
}

// ClaimRewards pays holding(winner) * payoutPerShare / shareUnit and zeroes
// both share counters, so a second claim on the same position pays nothing.
func ClaimRewards(winner uint8, pos Position, payoutPerShare, shareUnit uint64) (Position, uint64, error) {
	if shareUnit == 0 {
		return Position{}, 0, ErrOverflow
	}
	maskA := eqMask(winner, 0)
	maskB := eqMask(winner, 1)
	holding := selectU64(maskA, pos.Shares[0], selectU64(maskB, pos.Shares[1], 0))

	hi, lo := bits.Mul64(holding, payoutPerShare)
	if hi >= shareUnit {
		return Position{}, 0, ErrOverflow
	}
	reward, _ := bits.Div64(hi, lo, shareUnit)
	return Position{}, reward, nil
}
