package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
)

func TestCreateMarketRejectsMinimumLiquidity(t *testing.T) {
	h := newHarness(t)
	h.deposit(authority, 1_000_000_000)

	_, _, err := h.markets.CreateMarket(h.ctx, CreateMarketInput{
		Authority: authority,
		Question:  "Q?",
		Options:   [2]string{"Yes", "No"},
		Liquidity: 10,
		Funding:   1_000_000_000,
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	markets, err := h.ledger.ListMarkets(h.ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, markets)
	assert.Equal(t, uint64(1_000_000_000), h.balance(domain.WalletAccount(authority)))
}

func TestCreateMarketValidation(t *testing.T) {
	h := newHarness(t)
	long := "This question is far too long to fit in a market title"

	tests := []struct {
		name string
		in   CreateMarketInput
	}{
		{name: "empty question", in: CreateMarketInput{Authority: authority, Options: [2]string{"a", "b"}, Liquidity: 100}},
		{name: "long question", in: CreateMarketInput{Authority: authority, Question: long, Options: [2]string{"a", "b"}, Liquidity: 100}},
		{name: "empty option", in: CreateMarketInput{Authority: authority, Question: "Q?", Options: [2]string{"a", " "}, Liquidity: 100}},
		{name: "no authority", in: CreateMarketInput{Question: "Q?", Options: [2]string{"a", "b"}, Liquidity: 100}},
		{name: "underfunded", in: CreateMarketInput{Authority: authority, Question: "Q?", Options: [2]string{"a", "b"}, Liquidity: 100, Funding: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.markets.CreateMarket(h.ctx, tt.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestCreateMarketInsufficientWalletWritesNothing(t *testing.T) {
	h := newHarness(t)
	funding, err := h.markets.RequiredFunding(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(69_314_718), funding)

	_, _, err = h.markets.CreateMarket(h.ctx, CreateMarketInput{
		Authority: authority,
		Question:  "Q?",
		Options:   [2]string{"Yes", "No"},
		Liquidity: 100,
		Funding:   funding,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	markets, _ := h.ledger.ListMarkets(h.ctx, domain.ListOpts{})
	assert.Empty(t, markets)
	pending, _ := h.ledger.ListPending(h.ctx)
	assert.Empty(t, pending)
}

func TestCreateMarketIsIdempotent(t *testing.T) {
	h := newHarness(t)
	funding, _ := h.markets.RequiredFunding(100)
	h.deposit(authority, 2*funding)

	in := CreateMarketInput{
		RequestID: "create-1",
		Authority: authority,
		Question:  "Q?",
		Options:   [2]string{"Yes", "No"},
		Liquidity: 100,
		Funding:   funding,
	}
	m1, _, err := h.markets.CreateMarket(h.ctx, in)
	require.NoError(t, err)
	m2, _, err := h.markets.CreateMarket(h.ctx, in)
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, funding, h.balance(domain.WalletAccount(authority)))
	assert.Equal(t, funding, h.balance(domain.VaultAccount(m1.ID)))
	assert.Equal(t, domain.MarketStatusInactive, m1.Status)
	assert.Equal(t, "0xauthority", m1.Authority)
}

func TestInitMarketActivates(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	assert.False(t, m.State.Empty())
	events, err := h.markets.Events(h.ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	kinds := make([]domain.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []domain.EventKind{
		domain.EventMarketCreated, domain.EventMarketFunded, domain.EventMarketInitialized,
	}, kinds)
}

func TestRevealProbsIsRateLimited(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.markets.now = func() time.Time { return now }

	p, err := h.markets.RevealProbs(h.ctx, "", m.ID)
	require.NoError(t, err)

	_, err = h.markets.RevealProbs(h.ctx, "", m.ID)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	now = now.Add(60 * time.Second)
	_, err = h.markets.RevealProbs(h.ctx, "", m.ID)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	now = now.Add(time.Second)
	_, err = h.markets.RevealProbs(h.ctx, "", m.ID)
	require.NoError(t, err)

	h.drain()
	assert.Equal(t, domain.DispositionAccepted, h.result(p).Disposition)
	got, err := h.ledger.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0.5, 0.5}, got.RevealedProbs)
	assert.NotNil(t, got.RevealedAt)
}

func TestSettleRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	_, err := h.markets.SettleMarket(h.ctx, "", "0xintruder", m.ID, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	got, _ := h.ledger.GetMarket(h.ctx, m.ID)
	assert.Equal(t, domain.MarketStatusActive, got.Status)
}

func TestSettleTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	_, err := h.markets.SettleMarket(h.ctx, "", authority, m.ID, domain.OutcomeB)
	require.NoError(t, err)
	h.drain()

	_, err = h.markets.SettleMarket(h.ctx, "", authority, m.ID, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrPreconditionViolated)

	got, _ := h.ledger.GetMarket(h.ctx, m.ID)
	require.NotNil(t, got.WinningOutcome)
	assert.Equal(t, domain.OutcomeB, *got.WinningOutcome)
	assert.True(t, got.FinalRevealed)
}

func TestSettleRetriesAbortedFinalReveal(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	p, err := h.markets.SettleMarket(h.ctx, "settle-1", authority, m.ID, domain.OutcomeA)
	require.NoError(t, err)
	job := h.next()
	require.NoError(t, h.coord.Callback(h.ctx, mxe.Aborted(job, "cluster down")))
	assert.Equal(t, domain.DispositionAborted, h.result(p).Disposition)

	_, err = h.markets.ClaimMarketFunds(h.ctx, authority, m.ID)
	require.ErrorIs(t, err, domain.ErrPreconditionViolated)

	// The same request id still reports the aborted attempt.
	again, err := h.markets.SettleMarket(h.ctx, "settle-1", authority, m.ID, domain.OutcomeA)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationAborted, again.Status)

	_, err = h.markets.SettleMarket(h.ctx, "settle-2", authority, m.ID, domain.OutcomeB)
	require.ErrorIs(t, err, domain.ErrPreconditionViolated)
	_, err = h.markets.SettleMarket(h.ctx, "settle-3", "0xintruder", m.ID, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	retry, err := h.markets.SettleMarket(h.ctx, "settle-4", authority, m.ID, domain.OutcomeA)
	require.NoError(t, err)
	h.deliver(h.next())
	assert.Equal(t, domain.DispositionAccepted, h.result(retry).Disposition)

	got, err := h.ledger.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.FinalRevealed)
	require.NotNil(t, got.WinningOutcome)
	assert.Equal(t, domain.OutcomeA, *got.WinningOutcome)

	surplus, err := h.markets.ClaimMarketFunds(h.ctx, authority, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(69_314_718), surplus)

	_, err = h.markets.SettleMarket(h.ctx, "settle-5", authority, m.ID, domain.OutcomeA)
	assert.ErrorIs(t, err, domain.ErrPreconditionViolated)
}

func TestFundMarket(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)
	h.deposit(authority, 500)

	vault, err := h.markets.FundMarket(h.ctx, authority, m.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(69_314_718+500), vault)

	_, err = h.markets.FundMarket(h.ctx, authority, m.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.markets.FundMarket(h.ctx, "0xother", m.ID, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClaimMarketFundsBeforeSettlement(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	_, err := h.markets.ClaimMarketFunds(h.ctx, authority, m.ID)
	assert.ErrorIs(t, err, domain.ErrPreconditionViolated)
}

func TestComputationStatus(t *testing.T) {
	h := newHarness(t)
	m := h.activeMarket(100)

	p, err := h.markets.RevealProbs(h.ctx, "reveal-1", m.ID)
	require.NoError(t, err)

	st, err := h.markets.Computation(h.ctx, p.RequestID)
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Nil(t, st.Result)

	h.drain()
	st, err = h.markets.Computation(h.ctx, p.RequestID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, domain.DispositionAccepted, st.Result.Disposition)

	_, err = h.markets.Computation(h.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
