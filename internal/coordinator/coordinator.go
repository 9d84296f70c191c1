// Package coordinator bridges callers and the secure-computation cluster.
// It records a pending computation per request, dispatches computations in
// per-account submission order, and applies each result exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
)

var (
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("coordinator: unknown computation kind")

	errDuplicate = errors.New("coordinator: duplicate request")
	errRollback  = errors.New("coordinator: rollback")
)

// Request describes a computation to enqueue.
type Request struct {
	// RequestID makes enqueue idempotent. A random id is assigned when empty.
	RequestID string
	Kind      domain.ComputationKind
	MarketID  string
	Owner     string
	Args      domain.ComputationArgs
	// Stage runs in the enqueue transaction before the pending record is
	// stored. An error aborts the enqueue and rolls back its writes.
	Stage func(ctx context.Context, tx domain.LedgerTx) error
}

type entry struct {
	p          domain.PendingComputation
	dispatched bool
}

// Coordinator owns the lifecycle of pending computations.
type Coordinator struct {
	ledger    domain.Ledger
	cluster   mxe.Cluster
	handlers  map[domain.ComputationKind]Handler
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lanes    map[string][]string
	inflight map[string]*entry
	waiters  map[string][]chan domain.ComputationResult
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher relays committed events to p.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithMetrics records coordinator metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator. Handlers are registered afterwards with
// Register.
func New(ledger domain.Ledger, cluster mxe.Cluster, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:   ledger,
		cluster:  cluster,
		handlers: make(map[domain.ComputationKind]Handler),
		logger:   logger.With(slog.String("component", "coordinator")),
		now:      func() time.Time { return time.Now().UTC() },
		lanes:    make(map[string][]string),
		inflight: make(map[string]*entry),
		waiters:  make(map[string][]chan domain.ComputationResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register installs the handler for kind.
func (c *Coordinator) Register(kind domain.ComputationKind, h Handler) {
	c.handlers[kind] = h
}

// Enqueue records a pending computation and schedules it. Enqueueing a
// request id that is already pending or completed returns the existing
// record without running Stage again.
func (c *Coordinator) Enqueue(ctx context.Context, req Request) (domain.PendingComputation, error) {
	if _, ok := c.handlers[req.Kind]; !ok {
		return domain.PendingComputation{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	var (
		p        domain.PendingComputation
		existing bool
	)
	err := c.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		prior, err := tx.Pending(ctx, req.RequestID)
		if err == nil {
			p, existing = prior, true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		done, err := tx.Result(ctx, req.RequestID)
		if err == nil {
			p, existing = fromResult(done), true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if req.Stage != nil {
			if err := req.Stage(ctx, tx); err != nil {
				return err
			}
		}

		p, err = tx.InsertPending(ctx, domain.PendingComputation{
			RequestID:  req.RequestID,
			Kind:       req.Kind,
			MarketID:   req.MarketID,
			Owner:      req.Owner,
			Args:       req.Args,
			Status:     domain.ComputationQueued,
			EnqueuedAt: c.now(),
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			return errDuplicate
		}
		return err
	})
	if errors.Is(err, errDuplicate) || errors.Is(err, domain.ErrAlreadyExists) {
		// Lost a race with a concurrent enqueue of the same id. The loser
		// trips either the pending key or a key its Stage writes, such as
		// the market a create derives from the request id.
		if prior, ok := c.lookup(ctx, req.RequestID); ok {
			p, existing, err = prior, true, nil
		}
	}
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("coordinator: enqueue %s: %w", req.Kind, err)
	}
	if existing {
		c.logger.DebugContext(ctx, "duplicate enqueue", slog.String("request_id", req.RequestID))
		return p, nil
	}

	if c.metrics != nil {
		c.metrics.ComputationsEnqueued.WithLabelValues(string(p.Kind)).Inc()
		c.metrics.PendingComputations.Inc()
	}
	c.logger.InfoContext(ctx, "computation enqueued",
		slog.String("request_id", p.RequestID),
		slog.String("kind", string(p.Kind)),
		slog.String("market_id", p.MarketID),
		slog.Int64("seq", p.Seq),
	)

	c.schedule(context.WithoutCancel(ctx), []domain.PendingComputation{p})
	return p, nil
}

// Recover reloads pending computations after a restart and dispatches the
// heads of their queues again. It returns the number of computations
// recovered.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	pending, err := c.ledger.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: recover: %w", err)
	}
	if c.metrics != nil {
		c.metrics.PendingComputations.Set(float64(len(pending)))
	}
	c.schedule(ctx, pending)
	c.logger.InfoContext(ctx, "pending computations recovered", slog.Int("count", len(pending)))
	return len(pending), nil
}

// Await blocks until the computation completes and returns its result.
func (c *Coordinator) Await(ctx context.Context, requestID string) (domain.ComputationResult, error) {
	ch := make(chan domain.ComputationResult, 1)
	c.mu.Lock()
	c.waiters[requestID] = append(c.waiters[requestID], ch)
	c.mu.Unlock()
	defer c.dropWaiter(requestID, ch)

	res, err := c.ledger.GetResult(ctx, requestID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ComputationResult{}, fmt.Errorf("coordinator: await %s: %w", requestID, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return domain.ComputationResult{}, ctx.Err()
	}
}

func (c *Coordinator) dropWaiter(requestID string, ch chan domain.ComputationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[requestID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, requestID)
	} else {
		c.waiters[requestID] = ws
	}
}

// schedule adds computations to their lanes in Seq order and dispatches
// whatever is now at the head of every lane it waits in.
func (c *Coordinator) schedule(ctx context.Context, ps []domain.PendingComputation) {
	c.mu.Lock()
	for _, p := range ps {
		if _, ok := c.inflight[p.RequestID]; ok {
			continue
		}
		c.inflight[p.RequestID] = &entry{p: p}
		if p.Kind.Serialized() {
			for _, acct := range p.Accounts() {
				c.insertLaneLocked(acct, p)
			}
		}
	}
	ready := c.readyLocked()
	c.mu.Unlock()

	c.dispatchAll(ctx, ready)
}

// insertLaneLocked places p in acct's lane by Seq. It never moves ahead of
// a computation already dispatched.
func (c *Coordinator) insertLaneLocked(acct string, p domain.PendingComputation) {
	lane := c.lanes[acct]
	i := len(lane)
	for i > 0 {
		prev, ok := c.inflight[lane[i-1]]
		if !ok || prev.dispatched || prev.p.Seq < p.Seq {
			break
		}
		i--
	}
	lane = append(lane, "")
	copy(lane[i+1:], lane[i:])
	lane[i] = p.RequestID
	c.lanes[acct] = lane
}

// lookup returns the pending record or the completed result for id.
func (c *Coordinator) lookup(ctx context.Context, id string) (domain.PendingComputation, bool) {
	if p, err := c.ledger.GetPending(ctx, id); err == nil {
		return p, true
	}
	if res, err := c.ledger.GetResult(ctx, id); err == nil {
		return fromResult(res), true
	}
	return domain.PendingComputation{}, false
}

func (c *Coordinator) readyLocked() []domain.PendingComputation {
	var ready []domain.PendingComputation
	for _, e := range c.inflight {
		if e.dispatched {
			continue
		}
		if e.p.Kind.Serialized() && !c.atHeadLocked(e.p) {
			continue
		}
		e.dispatched = true
		ready = append(ready, e.p)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Seq < ready[j].Seq })
	return ready
}

func (c *Coordinator) atHeadLocked(p domain.PendingComputation) bool {
	for _, acct := range p.Accounts() {
		lane := c.lanes[acct]
		if len(lane) == 0 || lane[0] != p.RequestID {
			return false
		}
	}
	return true
}

func (c *Coordinator) dispatchAll(ctx context.Context, ps []domain.PendingComputation) {
	for _, p := range ps {
		c.dispatch(ctx, p)
	}
}

// dispatch reads the current inputs of p, records their nonces and hands
// the job to the cluster. A computation that cannot be dispatched is
// completed as aborted, or as rejected when its preconditions no longer
// hold.
func (c *Coordinator) dispatch(ctx context.Context, p domain.PendingComputation) {
	h := c.handlers[p.Kind]
	if h == nil {
		c.abort(ctx, p, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind))
		return
	}

	job, inputs, err := h.Prepare(ctx, c.ledger, p)
	if err != nil {
		c.abort(ctx, p, fmt.Errorf("prepare: %w", err))
		return
	}
	job.RequestID = p.RequestID
	job.Kind = p.Kind

	err = c.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		cur, err := tx.Pending(ctx, p.RequestID)
		if err != nil {
			return err
		}
		now := c.now()
		cur.Inputs = inputs
		cur.Status = domain.ComputationDispatched
		cur.DispatchedAt = &now
		return tx.SavePending(ctx, cur)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		c.abort(ctx, p, fmt.Errorf("record dispatch: %w", err))
		return
	}

	if err := c.cluster.Submit(ctx, job); err != nil {
		c.abort(ctx, p, fmt.Errorf("submit: %w", err))
		return
	}
	if c.metrics != nil {
		c.metrics.ComputationsDispatched.WithLabelValues(string(p.Kind)).Inc()
	}
	c.logger.DebugContext(ctx, "computation dispatched",
		slog.String("request_id", p.RequestID),
		slog.String("kind", string(p.Kind)),
	)
}

func (c *Coordinator) abort(ctx context.Context, p domain.PendingComputation, err error) {
	c.logger.ErrorContext(ctx, "dispatch failed",
		slog.String("request_id", p.RequestID),
		slog.String("kind", string(p.Kind)),
		slog.String("error", err.Error()),
	)
	out := Abort(fmt.Errorf("%w: %v", domain.ErrAbortedComputation, err))
	if errors.Is(err, domain.ErrPreconditionViolated) {
		out = Reject(domain.ReasonPreconditionViolated, err)
	}
	res, done, ferr := c.finish(ctx, p.RequestID, out)
	if ferr != nil {
		c.logger.ErrorContext(ctx, "abort bookkeeping failed",
			slog.String("request_id", p.RequestID),
			slog.String("error", ferr.Error()),
		)
		return
	}
	if done {
		c.afterCommit(ctx, res, out)
	}
}

// Callback applies a cluster result. Results for requests that are not
// pending, because they already completed or never existed, are ignored.
func (c *Coordinator) Callback(ctx context.Context, res mxe.Result) error {
	var (
		p       domain.PendingComputation
		out     Outcome
		found   bool
		outcome domain.ComputationResult
	)

	err := c.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		cur, err := tx.Pending(ctx, res.RequestID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		p, found = cur, true

		switch {
		case res.Status != mxe.StatusSuccess:
			out = Abort(fmt.Errorf("%w: %s", domain.ErrAbortedComputation, res.Error))
		case res.Kind != p.Kind:
			out = Abort(fmt.Errorf("%w: result kind %q for %q", domain.ErrAbortedComputation, res.Kind, p.Kind))
		default:
			h := c.handlers[p.Kind]
			if h == nil {
				out = Abort(fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind))
				break
			}
			out, err = h.Commit(ctx, tx, p, res)
			if err != nil {
				return err
			}
			if out.Disposition != domain.DispositionAccepted {
				return errRollback
			}
		}
		outcome, err = c.complete(ctx, tx, p, out)
		return err
	})

	if errors.Is(err, errRollback) || (err != nil && found) {
		if !errors.Is(err, errRollback) {
			c.logger.ErrorContext(ctx, "commit failed",
				slog.String("request_id", p.RequestID),
				slog.String("error", err.Error()),
			)
			out = Abort(fmt.Errorf("%w: commit: %v", domain.ErrAbortedComputation, err))
		}
		var done bool
		outcome, done, err = c.finish(ctx, p.RequestID, out)
		if err != nil {
			return fmt.Errorf("coordinator: callback %s: %w", res.RequestID, err)
		}
		found = done
	} else if err != nil {
		return fmt.Errorf("coordinator: callback %s: %w", res.RequestID, err)
	}

	if !found {
		if c.metrics != nil {
			c.metrics.CallbacksIgnored.Inc()
		}
		c.logger.DebugContext(ctx, "ignoring result for unknown request", slog.String("request_id", res.RequestID))
		return nil
	}

	c.afterCommit(ctx, outcome, out)
	return nil
}

// finish completes a computation without applying any handler writes.
func (c *Coordinator) finish(ctx context.Context, requestID string, out Outcome) (domain.ComputationResult, bool, error) {
	var (
		res   domain.ComputationResult
		found bool
	)
	err := c.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		p, err := tx.Pending(ctx, requestID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		res, err = c.complete(ctx, tx, p, out)
		return err
	})
	return res, found, err
}

// complete deletes the pending record and stores the result. Events of an
// accepted outcome are appended in the same transaction.
func (c *Coordinator) complete(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, out Outcome) (domain.ComputationResult, error) {
	res := domain.ComputationResult{
		RequestID:   p.RequestID,
		Kind:        p.Kind,
		MarketID:    p.MarketID,
		Owner:       p.Owner,
		Disposition: out.Disposition,
		Reason:      out.Reason,
		Amount:      out.Amount,
		CompletedAt: c.now(),
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}

	if err := tx.DeletePending(ctx, p.RequestID); err != nil {
		return domain.ComputationResult{}, err
	}
	if err := tx.InsertResult(ctx, res); err != nil {
		return domain.ComputationResult{}, err
	}
	if out.Disposition == domain.DispositionAccepted {
		for _, ev := range out.Events {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return domain.ComputationResult{}, err
			}
		}
	}

	// The result envelope carries timestamps only; latency is measured from
	// the pending record.
	if c.metrics != nil {
		c.metrics.CallbackLatency.WithLabelValues(string(p.Kind)).Observe(res.CompletedAt.Sub(p.EnqueuedAt).Seconds())
	}
	return res, nil
}

// afterCommit advances the lanes, wakes waiters and publishes events.
func (c *Coordinator) afterCommit(ctx context.Context, res domain.ComputationResult, out Outcome) {
	c.mu.Lock()
	if e, ok := c.inflight[res.RequestID]; ok {
		delete(c.inflight, res.RequestID)
		for _, acct := range e.p.Accounts() {
			c.lanes[acct] = removeID(c.lanes[acct], res.RequestID)
			if len(c.lanes[acct]) == 0 {
				delete(c.lanes, acct)
			}
		}
	}
	waiters := c.waiters[res.RequestID]
	delete(c.waiters, res.RequestID)
	ready := c.readyLocked()
	c.mu.Unlock()

	for _, w := range waiters {
		w <- res
	}

	if c.metrics != nil {
		c.metrics.ComputationsCompleted.WithLabelValues(string(res.Kind), string(res.Disposition), string(res.Reason)).Inc()
		c.metrics.PendingComputations.Dec()
	}
	c.logger.InfoContext(ctx, "computation completed",
		slog.String("request_id", res.RequestID),
		slog.String("kind", string(res.Kind)),
		slog.String("disposition", string(res.Disposition)),
		slog.String("reason", string(res.Reason)),
		slog.String("error", res.Error),
	)

	events := out.Events
	if res.Disposition == domain.DispositionAborted {
		events = append(events, domain.Event{
			ID:        uuid.NewString(),
			MarketID:  res.MarketID,
			Kind:      domain.EventComputationAborted,
			RequestID: res.RequestID,
			Owner:     res.Owner,
			Status:    res.Error,
			CreatedAt: res.CompletedAt,
		})
	}
	if c.publisher != nil && len(events) > 0 {
		c.publisher.PublishEvents(ctx, events)
	}

	if len(ready) > 0 {
		go c.dispatchAll(context.WithoutCancel(ctx), ready)
	}
}

func removeID(lane []string, id string) []string {
	for i, v := range lane {
		if v == id {
			return append(lane[:i:i], lane[i+1:]...)
		}
	}
	return lane
}

// fromResult presents a completed computation in pending-record form.
func fromResult(r domain.ComputationResult) domain.PendingComputation {
	status := domain.ComputationCompleted
	if r.Disposition == domain.DispositionAborted {
		status = domain.ComputationAborted
	}
	return domain.PendingComputation{
		RequestID: r.RequestID,
		Kind:      r.Kind,
		MarketID:  r.MarketID,
		Owner:     r.Owner,
		Status:    status,
	}
}
