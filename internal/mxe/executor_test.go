package mxe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/lmsr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	exec, err := NewExecutor("test", bytes.Repeat([]byte{1}, 32), discardLogger())
	require.NoError(t, err)
	return exec
}

const (
	marketRef   = "market:m1"
	positionRef = "position:m1:0xabc"
)

func initState(t *testing.T, exec *Executor, params lmsr.Params) Job {
	t.Helper()
	ctx := context.Background()
	m := exec.Execute(ctx, Job{RequestID: "init-m", Kind: domain.KindInitMarketStats, Params: params, MarketRef: marketRef})
	require.Equal(t, StatusSuccess, m.Status, m.Error)
	p := exec.Execute(ctx, Job{RequestID: "init-p", Kind: domain.KindInitUserPosition, PositionRef: positionRef})
	require.Equal(t, StatusSuccess, p.Status, p.Error)

	return Job{
		Params:      params,
		MarketRef:   marketRef,
		Market:      &m.InitMarket.Market,
		PositionRef: positionRef,
		Position:    &p.InitPosition.Position,
	}
}

func vote(t *testing.T, exec *Executor, outcome uint8) []byte {
	t.Helper()
	v, err := EncryptVote(exec.PublicKey(), outcome)
	require.NoError(t, err)
	return v
}

func TestExecuteBuyThenReveal(t *testing.T) {
	exec := newTestExecutor(t)
	ctx := context.Background()
	params := lmsr.NewParams(100)
	base := initState(t, exec, params)

	buy := base
	buy.RequestID, buy.Kind = "buy", domain.KindBuyShares
	buy.Shares = lmsr.DefaultShareUnit
	buy.Vote = vote(t, exec, 0)

	res := exec.Execute(ctx, buy)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	require.NotNil(t, res.Buy)
	assert.Greater(t, res.Buy.AmountDue, 0.0)
	assert.NotEqual(t, base.Market.Nonce, res.Buy.Market.Nonce)
	assert.NotEqual(t, base.Position.Nonce, res.Buy.Position.Nonce)
	assert.NotEqual(t, res.Buy.Market.Nonce, res.Buy.Position.Nonce)

	reveal := Job{RequestID: "reveal", Kind: domain.KindRevealProbs, Params: params, MarketRef: marketRef, Market: &res.Buy.Market}
	out := exec.Execute(ctx, reveal)
	require.Equal(t, StatusSuccess, out.Status, out.Error)
	assert.Equal(t, lmsr.Tally{lmsr.DefaultShareUnit, 0}, out.RevealProbs.Tally)
	assert.Greater(t, out.RevealProbs.Probabilities[0], 0.5)
}

func TestExecuteSellInsufficient(t *testing.T) {
	exec := newTestExecutor(t)
	base := initState(t, exec, lmsr.NewParams(100))

	sell := base
	sell.RequestID, sell.Kind = "sell", domain.KindSellShares
	sell.Shares = 1
	sell.Vote = vote(t, exec, 1)

	res := exec.Execute(context.Background(), sell)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, uint8(0), res.Sell.Status)
	assert.Equal(t, 0.0, res.Sell.AmountDue)
}

func TestExecuteClaim(t *testing.T) {
	exec := newTestExecutor(t)
	ctx := context.Background()
	params := lmsr.NewParams(100)
	base := initState(t, exec, params)

	buy := base
	buy.RequestID, buy.Kind = "buy", domain.KindBuyShares
	buy.Shares = 2 * lmsr.DefaultShareUnit
	buy.Vote = vote(t, exec, 0)
	bought := exec.Execute(ctx, buy)
	require.Equal(t, StatusSuccess, bought.Status, bought.Error)

	claim := Job{
		RequestID:      "claim",
		Kind:           domain.KindClaimRewards,
		Params:         params,
		PayoutPerShare: 1_000_000,
		Winner:         0,
		PositionRef:    positionRef,
		Position:       &bought.Buy.Position,
	}
	res := exec.Execute(ctx, claim)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, uint64(2_000_000), res.Claim.Reward)

	claim.Position = &res.Claim.Position
	again := exec.Execute(ctx, claim)
	require.Equal(t, StatusSuccess, again.Status, again.Error)
	assert.Zero(t, again.Claim.Reward)
}

func TestExecuteAbortsOnWrongAccount(t *testing.T) {
	exec := newTestExecutor(t)
	base := initState(t, exec, lmsr.NewParams(100))

	reveal := Job{RequestID: "r", Kind: domain.KindRevealProbs, Params: base.Params, MarketRef: "market:other", Market: base.Market}
	res := exec.Execute(context.Background(), reveal)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Nil(t, res.RevealProbs)
	assert.NotEmpty(t, res.Error)
}

func TestExecuteAbortsOnMissingInput(t *testing.T) {
	exec := newTestExecutor(t)
	res := exec.Execute(context.Background(), Job{RequestID: "b", Kind: domain.KindBuyShares, Params: lmsr.NewParams(100)})
	assert.Equal(t, StatusAborted, res.Status)

	res = exec.Execute(context.Background(), Job{RequestID: "x", Kind: "bogus", Params: lmsr.NewParams(100)})
	assert.Equal(t, StatusAborted, res.Status)
}

type collectSink struct {
	results chan Result
}

func (s *collectSink) Callback(_ context.Context, res Result) error {
	s.results <- res
	return nil
}

func TestLocalClusterDeliversResults(t *testing.T) {
	exec := newTestExecutor(t)
	cluster := NewLocalCluster(exec, 2, discardLogger())
	sink := &collectSink{results: make(chan Result, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cluster.Run(ctx, sink) }()

	require.NoError(t, cluster.Submit(ctx, Job{RequestID: "a", Kind: domain.KindInitUserPosition, PositionRef: positionRef}))

	select {
	case res := <-sink.results:
		assert.Equal(t, "a", res.RequestID)
		assert.Equal(t, StatusSuccess, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
}
