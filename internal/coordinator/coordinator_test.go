package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
	"github.com/alanyoungcy/arxpredict/internal/store/memory"
)

type fakeCluster struct {
	jobs chan mxe.Job
	err  error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{jobs: make(chan mxe.Job, 32)}
}

func (c *fakeCluster) Submit(_ context.Context, job mxe.Job) error {
	if c.err != nil {
		return c.err
	}
	c.jobs <- job
	return nil
}

func (c *fakeCluster) next(t *testing.T) mxe.Job {
	t.Helper()
	select {
	case job := <-c.jobs:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("no job dispatched")
		return mxe.Job{}
	}
}

func (c *fakeCluster) idle(t *testing.T) {
	t.Helper()
	select {
	case job := <-c.jobs:
		t.Fatalf("unexpected dispatch of %s", job.RequestID)
	case <-time.After(50 * time.Millisecond):
	}
}

// countingHandler credits a counter account on every commit, then accepts
// or rejects depending on reject.
type countingHandler struct {
	reject bool
	err    error
}

func (h *countingHandler) Prepare(_ context.Context, _ domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	return mxe.Job{Shares: p.Args.Shares}, domain.InputNonces{}, nil
}

func (h *countingHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, _ mxe.Result) (Outcome, error) {
	if err := tx.Credit(ctx, "counter", 1); err != nil {
		return Outcome{}, err
	}
	if h.err != nil {
		return Outcome{}, h.err
	}
	ev := domain.Event{ID: p.RequestID, MarketID: p.MarketID, Kind: domain.EventTradeExecuted}
	if h.reject {
		return Reject(domain.ReasonInsufficientShares, nil, ev), nil
	}
	return Accept(p.Args.Shares, ev), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) PublishEvents(_ context.Context, events []domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, h Handler) (*Coordinator, *memory.Ledger, *fakeCluster, *recordingPublisher) {
	t.Helper()
	ledger := memory.New()
	cluster := newFakeCluster()
	pub := &recordingPublisher{}
	c := New(ledger, cluster, discardLogger(), WithPublisher(pub))
	for _, kind := range []domain.ComputationKind{
		domain.KindBuyShares, domain.KindSellShares, domain.KindRevealProbs, domain.KindInitUserPosition,
	} {
		c.Register(kind, h)
	}
	return c, ledger, cluster, pub
}

func success(job mxe.Job) mxe.Result {
	return mxe.Result{RequestID: job.RequestID, Kind: job.Kind, Status: mxe.StatusSuccess}
}

func TestAcceptedCallbackCompletesComputation(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, pub := setup(t, &countingHandler{})

	p, err := c.Enqueue(ctx, Request{
		RequestID: "r1",
		Kind:      domain.KindBuyShares,
		MarketID:  "m1",
		Owner:     "0xa",
		Args:      domain.ComputationArgs{Shares: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationQueued, p.Status)

	job := cluster.next(t)
	assert.Equal(t, "r1", job.RequestID)
	assert.Equal(t, uint64(5), job.Shares)

	pending, err := ledger.GetPending(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationDispatched, pending.Status)
	assert.NotNil(t, pending.DispatchedAt)

	require.NoError(t, c.Callback(ctx, success(job)))

	res, err := c.Await(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionAccepted, res.Disposition)
	assert.Equal(t, uint64(5), res.Amount)

	_, err = ledger.GetPending(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	events, err := ledger.ListEvents(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, pub.count())
}

func TestCallbackIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	job := cluster.next(t)

	require.NoError(t, c.Callback(ctx, success(job)))
	require.NoError(t, c.Callback(ctx, success(job)))
	require.NoError(t, c.Callback(ctx, mxe.Result{RequestID: "never-enqueued", Status: mxe.StatusSuccess}))

	n, err := ledger.Balance(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestDuplicateEnqueueRunsStageOnce(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	stages := 0
	req := Request{
		RequestID: "r1",
		Kind:      domain.KindBuyShares,
		MarketID:  "m1",
		Owner:     "0xa",
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			stages++
			return tx.Credit(ctx, "staged", 1)
		},
	}
	_, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, stages)

	job := cluster.next(t)
	cluster.idle(t)
	require.NoError(t, c.Callback(ctx, success(job)))

	p, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationCompleted, p.Status)
	assert.Equal(t, 1, stages)

	n, _ := ledger.Balance(ctx, "staged")
	assert.Equal(t, uint64(1), n)
}

// racingLedger hides request id from transactions, as a concurrent enqueue
// that commits between the duplicate check and Stage would.
type racingLedger struct {
	*memory.Ledger
	hidden string
}

func (l *racingLedger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return l.Ledger.Update(ctx, func(tx domain.LedgerTx) error {
		return fn(racingTx{LedgerTx: tx, hidden: l.hidden})
	})
}

type racingTx struct {
	domain.LedgerTx
	hidden string
}

func (tx racingTx) Pending(ctx context.Context, id string) (domain.PendingComputation, error) {
	if id == tx.hidden {
		return domain.PendingComputation{}, domain.ErrNotFound
	}
	return tx.LedgerTx.Pending(ctx, id)
}

func (tx racingTx) Result(ctx context.Context, id string) (domain.ComputationResult, error) {
	if id == tx.hidden {
		return domain.ComputationResult{}, domain.ErrNotFound
	}
	return tx.LedgerTx.Result(ctx, id)
}

func TestConcurrentDuplicateEnqueueReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	ledger := &racingLedger{Ledger: memory.New()}
	cluster := newFakeCluster()
	c := New(ledger, cluster, discardLogger())
	c.Register(domain.KindBuyShares, &countingHandler{})

	req := Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"}
	first, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	job := cluster.next(t)

	ledger.hidden = "r1"

	t.Run("stage trips a key the winner wrote", func(t *testing.T) {
		dup := req
		dup.Stage = func(context.Context, domain.LedgerTx) error {
			return fmt.Errorf("create market: %w", domain.ErrAlreadyExists)
		}
		p, err := c.Enqueue(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, first.RequestID, p.RequestID)
		assert.Equal(t, first.Seq, p.Seq)
	})

	t.Run("insert trips the pending key", func(t *testing.T) {
		p, err := c.Enqueue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.Seq, p.Seq)
	})

	cluster.idle(t)

	t.Run("winner already completed", func(t *testing.T) {
		ledger.hidden = ""
		require.NoError(t, c.Callback(ctx, success(job)))
		ledger.hidden = "r1"
		dup := req
		dup.Stage = func(context.Context, domain.LedgerTx) error { return domain.ErrAlreadyExists }
		p, err := c.Enqueue(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, domain.ComputationCompleted, p.Status)
	})

	t.Run("conflict on another request id still fails", func(t *testing.T) {
		other := Request{
			RequestID: "r2",
			Kind:      domain.KindBuyShares,
			MarketID:  "m1",
			Owner:     "0xa",
			Stage: func(context.Context, domain.LedgerTx) error {
				return domain.ErrAlreadyExists
			},
		}
		_, err := c.Enqueue(ctx, other)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})
}

func TestStageErrorLeavesNoPendingRecord(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	_, err := c.Enqueue(ctx, Request{
		RequestID: "r1",
		Kind:      domain.KindBuyShares,
		MarketID:  "m1",
		Stage: func(context.Context, domain.LedgerTx) error {
			return domain.ErrPreconditionViolated
		},
	})
	require.ErrorIs(t, err, domain.ErrPreconditionViolated)
	cluster.idle(t)

	_, err = ledger.GetPending(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSameAccountComputationsRunInOrder(t *testing.T) {
	ctx := context.Background()
	c, _, cluster, _ := setup(t, &countingHandler{})

	for _, id := range []string{"r1", "r2"} {
		_, err := c.Enqueue(ctx, Request{RequestID: id, Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
		require.NoError(t, err)
	}

	first := cluster.next(t)
	assert.Equal(t, "r1", first.RequestID)
	cluster.idle(t)

	require.NoError(t, c.Callback(ctx, success(first)))
	second := cluster.next(t)
	assert.Equal(t, "r2", second.RequestID)
}

func TestLanesFollowEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	var first, second domain.PendingComputation
	require.NoError(t, ledger.Update(ctx, func(tx domain.LedgerTx) error {
		var err error
		first, err = tx.InsertPending(ctx, domain.PendingComputation{
			RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa", Status: domain.ComputationQueued,
		})
		if err != nil {
			return err
		}
		second, err = tx.InsertPending(ctx, domain.PendingComputation{
			RequestID: "r2", Kind: domain.KindSellShares, MarketID: "m1", Owner: "0xa", Status: domain.ComputationQueued,
		})
		return err
	}))
	require.Less(t, first.Seq, second.Seq)

	// The later enqueue reaches the scheduler first.
	c.schedule(ctx, []domain.PendingComputation{second})
	head := cluster.next(t)
	assert.Equal(t, "r2", head.RequestID)

	// Once dispatched it keeps its place; an earlier arrival queues behind it.
	c.schedule(ctx, []domain.PendingComputation{first})
	cluster.idle(t)
	require.NoError(t, c.Callback(ctx, success(head)))
	assert.Equal(t, "r1", cluster.next(t).RequestID)
}

func TestLanesSortBatchBySeq(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	var ps []domain.PendingComputation
	require.NoError(t, ledger.Update(ctx, func(tx domain.LedgerTx) error {
		for _, id := range []string{"r1", "r2", "r3"} {
			p, err := tx.InsertPending(ctx, domain.PendingComputation{
				RequestID: id, Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa", Status: domain.ComputationQueued,
			})
			if err != nil {
				return err
			}
			ps = append(ps, p)
		}
		return nil
	}))

	c.schedule(ctx, []domain.PendingComputation{ps[2], ps[0], ps[1]})
	for _, want := range []string{"r1", "r2", "r3"} {
		job := cluster.next(t)
		assert.Equal(t, want, job.RequestID)
		cluster.idle(t)
		require.NoError(t, c.Callback(ctx, success(job)))
	}
}

func TestRevealProbsIsNotSerialized(t *testing.T) {
	ctx := context.Background()
	c, _, cluster, _ := setup(t, &countingHandler{})

	_, err := c.Enqueue(ctx, Request{RequestID: "buy", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, Request{RequestID: "reveal", Kind: domain.KindRevealProbs, MarketID: "m1"})
	require.NoError(t, err)

	ids := map[string]bool{cluster.next(t).RequestID: true, cluster.next(t).RequestID: true}
	assert.True(t, ids["buy"])
	assert.True(t, ids["reveal"])
}

func TestDifferentMarketsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	c, _, cluster, _ := setup(t, &countingHandler{})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, Request{RequestID: "r2", Kind: domain.KindBuyShares, MarketID: "m2", Owner: "0xa"})
	require.NoError(t, err)

	cluster.next(t)
	cluster.next(t)
}

func TestRejectedCommitWritesNothing(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, pub := setup(t, &countingHandler{reject: true})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindSellShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	require.NoError(t, c.Callback(ctx, success(cluster.next(t))))

	res, err := ledger.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionRejected, res.Disposition)
	assert.Equal(t, domain.ReasonInsufficientShares, res.Reason)

	n, _ := ledger.Balance(ctx, "counter")
	assert.Zero(t, n)
	events, _ := ledger.ListEvents(ctx, "m1", domain.ListOpts{})
	assert.Empty(t, events)
	assert.Equal(t, 1, pub.count())
}

func TestCommitFailureAborts(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{err: errors.New("disk full")})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	require.NoError(t, c.Callback(ctx, success(cluster.next(t))))

	res, err := ledger.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionAborted, res.Disposition)
	assert.Contains(t, res.Error, "disk full")

	n, _ := ledger.Balance(ctx, "counter")
	assert.Zero(t, n)
}

func TestAbortedResult(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, Request{RequestID: "r2", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)

	job := cluster.next(t)
	require.NoError(t, c.Callback(ctx, mxe.Aborted(job, "cluster unavailable")))

	res, err := ledger.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionAborted, res.Disposition)
	assert.Contains(t, res.Error, "cluster unavailable")

	// The queue moves on after an abort.
	assert.Equal(t, "r2", cluster.next(t).RequestID)
}

func TestSubmitFailureAborts(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &countingHandler{})
	cluster.err = errors.New("connection refused")

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)

	res, err := c.Await(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionAborted, res.Disposition)
	assert.Contains(t, res.Error, "connection refused")

	_, err = ledger.GetPending(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnknownKind(t *testing.T) {
	c, _, _, _ := setup(t, &countingHandler{})
	_, err := c.Enqueue(context.Background(), Request{Kind: domain.KindClaimRewards, MarketID: "m1"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRecoverRedispatchesQueueHeads(t *testing.T) {
	ctx := context.Background()
	ledger := memory.New()
	require.NoError(t, ledger.Update(ctx, func(tx domain.LedgerTx) error {
		for _, id := range []string{"r1", "r2"} {
			_, err := tx.InsertPending(ctx, domain.PendingComputation{
				RequestID: id,
				Kind:      domain.KindBuyShares,
				MarketID:  "m1",
				Owner:     "0xa",
				Status:    domain.ComputationDispatched,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	cluster := newFakeCluster()
	c := New(ledger, cluster, discardLogger())
	c.Register(domain.KindBuyShares, &countingHandler{})

	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job := cluster.next(t)
	assert.Equal(t, "r1", job.RequestID)
	cluster.idle(t)

	require.NoError(t, c.Callback(ctx, success(job)))
	assert.Equal(t, "r2", cluster.next(t).RequestID)
}

func TestAwaitHonoursContext(t *testing.T) {
	c, _, _, _ := setup(t, &countingHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "missing")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type staleHandler struct{ countingHandler }

func (h *staleHandler) Prepare(context.Context, domain.LedgerReader, domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	return mxe.Job{}, domain.InputNonces{}, domain.ErrPreconditionViolated
}

func TestPrepareFailureOnPreconditionRejects(t *testing.T) {
	ctx := context.Background()
	c, ledger, cluster, _ := setup(t, &staleHandler{})

	_, err := c.Enqueue(ctx, Request{RequestID: "r1", Kind: domain.KindBuyShares, MarketID: "m1", Owner: "0xa"})
	require.NoError(t, err)
	cluster.idle(t)

	res, err := ledger.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionRejected, res.Disposition)
	assert.Equal(t, domain.ReasonPreconditionViolated, res.Reason)
}
