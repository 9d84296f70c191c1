package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/coordinator"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
	"github.com/alanyoungcy/arxpredict/internal/store/memory"
)

const authority = "0xAuThOrItY"

// stepCluster holds submitted jobs until the test delivers them.
type stepCluster struct {
	jobs chan mxe.Job
}

func (c *stepCluster) Submit(_ context.Context, job mxe.Job) error {
	c.jobs <- job
	return nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	ledger  *memory.Ledger
	exec    *mxe.Executor
	cluster *stepCluster
	coord   *coordinator.Coordinator
	markets *MarketService
	trades  *TradeService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()
	exec, err := mxe.NewExecutor("test", bytes.Repeat([]byte{7}, 32), logger)
	require.NoError(t, err)

	ledger := memory.New()
	cluster := &stepCluster{jobs: make(chan mxe.Job, 64)}
	coord := coordinator.New(ledger, cluster, logger)
	cfg := DefaultConfig()
	RegisterHandlers(coord, cfg, nil)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		ledger:  ledger,
		exec:    exec,
		cluster: cluster,
		coord:   coord,
		markets: NewMarketService(ledger, coord, nil, nil, cfg, nil, logger),
		trades:  NewTradeService(ledger, coord, nil, nil, logger),
	}
}

// next waits for the next dispatched job.
func (h *harness) next() mxe.Job {
	h.t.Helper()
	select {
	case job := <-h.cluster.jobs:
		return job
	case <-time.After(2 * time.Second):
		h.t.Fatal("no job dispatched")
		return mxe.Job{}
	}
}

func (h *harness) deliver(job mxe.Job) {
	h.t.Helper()
	require.NoError(h.t, h.coord.Callback(h.ctx, h.exec.Execute(h.ctx, job)))
}

// drain executes jobs until the cluster stays idle.
func (h *harness) drain() {
	h.t.Helper()
	for {
		select {
		case job := <-h.cluster.jobs:
			h.deliver(job)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func (h *harness) result(p domain.PendingComputation) domain.ComputationResult {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	res, err := h.coord.Await(ctx, p.RequestID)
	require.NoError(h.t, err)
	return res
}

func (h *harness) deposit(addr string, amount uint64) {
	h.t.Helper()
	_, err := h.trades.Deposit(h.ctx, addr, amount)
	require.NoError(h.t, err)
}

func (h *harness) balance(account string) uint64 {
	h.t.Helper()
	bal, err := h.ledger.Balance(h.ctx, account)
	require.NoError(h.t, err)
	return bal
}

// activeMarket creates and initializes a market with liquidity b.
func (h *harness) activeMarket(b uint64) domain.Market {
	h.t.Helper()
	funding, err := h.markets.RequiredFunding(b)
	require.NoError(h.t, err)
	h.deposit(authority, funding)

	m, p, err := h.markets.CreateMarket(h.ctx, CreateMarketInput{
		Authority: authority,
		Question:  "Will it rain tomorrow?",
		Options:   [2]string{"Yes", "No"},
		Liquidity: b,
		Funding:   funding,
	})
	require.NoError(h.t, err)
	h.deliver(h.next())
	require.Equal(h.t, domain.DispositionAccepted, h.result(p).Disposition)

	m, err = h.ledger.GetMarket(h.ctx, m.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, domain.MarketStatusActive, m.Status)
	return m
}

func (h *harness) openPosition(marketID, owner string) {
	h.t.Helper()
	p, err := h.trades.CreatePosition(h.ctx, "", marketID, owner)
	require.NoError(h.t, err)
	h.deliver(h.next())
	require.Equal(h.t, domain.DispositionAccepted, h.result(p).Disposition)
}

func (h *harness) vote(outcome domain.Outcome) []byte {
	h.t.Helper()
	v, err := mxe.EncryptVote(h.exec.PublicKey(), uint8(outcome))
	require.NoError(h.t, err)
	return v
}

func (h *harness) buy(marketID, owner string, outcome domain.Outcome, shares uint64) domain.PendingComputation {
	h.t.Helper()
	p, err := h.trades.BuyShares(h.ctx, TradeInput{MarketID: marketID, Owner: owner, Shares: shares, Vote: h.vote(outcome)})
	require.NoError(h.t, err)
	return p
}

func (h *harness) sell(marketID, owner string, outcome domain.Outcome, shares uint64) domain.PendingComputation {
	h.t.Helper()
	p, err := h.trades.SellShares(h.ctx, TradeInput{MarketID: marketID, Owner: owner, Shares: shares, Vote: h.vote(outcome)})
	require.NoError(h.t, err)
	return p
}
