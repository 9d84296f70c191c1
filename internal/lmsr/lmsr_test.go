package lmsr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const epsilon = 1e-12

func TestInitialCost(t *testing.T) {
	for _, b := range []uint64{1, 10, 11, 100, 1_000, 1 << 40} {
		p := NewParams(b)
		probs, cost := Quote(Tally{}, p)
		assert.InEpsilon(t, float64(b)*math.Ln2, cost, epsilon, "b=%d", b)
		assert.Equal(t, Uniform, probs)
		assert.Equal(t, cost, InitialCost(p))
	}
}

func TestQuoteScenario(t *testing.T) {
	p := NewParams(100)
	start := InitialCost(p)

	afterA := Tally{DefaultShareUnit, 0}
	probs, cost := Quote(afterA, p)
	require.Greater(t, probs[0], 0.5)
	require.Greater(t, cost-start, 0.0)

	balanced := Tally{DefaultShareUnit, DefaultShareUnit}
	probs2, _ := Quote(balanced, p)
	assert.InDelta(t, 0.5, probs2[0], epsilon)
	assert.Less(t, math.Abs(probs2[0]-0.5), math.Abs(probs[0]-0.5))
}

func TestQuoteLargeTallyIsFinite(t *testing.T) {
	p := NewParams(10)
	probs, cost := Quote(Tally{math.MaxUint64, 0}, p)
	require.False(t, math.IsInf(cost, 0))
	require.False(t, math.IsNaN(cost))
	assert.InDelta(t, 1.0, probs[0], epsilon)
	assert.InDelta(t, 0.0, probs[1], epsilon)
}

func TestTradeCostRoundTrip(t *testing.T) {
	p := NewParams(250)
	pre := Tally{3 * DefaultShareUnit, 7 * DefaultShareUnit}
	post := Tally{pre[0] + 5*DefaultShareUnit, pre[1]}

	buy := TradeCost(pre, post, p)
	sell := TradeCost(post, pre, p)
	require.Greater(t, buy, 0.0)
	assert.Equal(t, -buy, sell)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, NewParams(10).Validate())
	require.ErrorIs(t, Params{Liquidity: 0, ShareUnit: 1}.Validate(), ErrInvalidParams)
	require.ErrorIs(t, Params{Liquidity: 1, ShareUnit: 0}.Validate(), ErrInvalidParams)
}

func TestProbabilitiesSumToOne(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewParams(rapid.Uint64Range(1, 1<<32).Draw(t, "b"))
		tally := Tally{rapid.Uint64().Draw(t, "a"), rapid.Uint64().Draw(t, "b_shares")}

		probs, cost := Quote(tally, p)
		if math.Abs(probs.Sum()-1) > epsilon {
			t.Fatalf("probabilities sum to %v", probs.Sum())
		}
		for i, pr := range probs {
			if pr < 0 || pr > 1 {
				t.Fatalf("probability %d out of range: %v", i, pr)
			}
		}
		if math.IsInf(cost, 0) || math.IsNaN(cost) {
			t.Fatalf("cost not finite: %v", cost)
		}
	})
}

func TestCostMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64Range(10, 10_000).Draw(t, "b")
		p := NewParams(b)
		limit := 20 * b * DefaultShareUnit
		tally := Tally{
			rapid.Uint64Range(0, limit).Draw(t, "a"),
			rapid.Uint64Range(0, limit).Draw(t, "b_shares"),
		}
		side := rapid.IntRange(0, 1).Draw(t, "side")
		delta := rapid.Uint64Range(DefaultShareUnit, 10*DefaultShareUnit).Draw(t, "delta")

		next := tally
		next[side] += delta
		if Cost(next, p) <= Cost(tally, p) {
			t.Fatalf("cost did not increase: %v -> %v", tally, next)
		}
	})
}

func TestQuoteDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewParams(rapid.Uint64Range(1, 1<<20).Draw(t, "b"))
		tally := Tally{rapid.Uint64().Draw(t, "a"), rapid.Uint64().Draw(t, "b_shares")}
		p1, c1 := Quote(tally, p)
		p2, c2 := Quote(tally, p)
		if math.Float64bits(c1) != math.Float64bits(c2) || p1 != p2 {
			t.Fatalf("quote not reproducible")
		}
	})
}
