// Package memory is an in-process ledger used by tests and single-node
// development runs. Every transaction works on a private copy of the state
// that replaces the live state when the transaction succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

type state struct {
	markets   map[string]domain.Market
	positions map[string]domain.UserPosition
	balances  map[string]uint64
	pending   map[string]domain.PendingComputation
	results   map[string]domain.ComputationResult
	events    []domain.Event
	seq       int64
}

func newState() *state {
	return &state{
		markets:   make(map[string]domain.Market),
		positions: make(map[string]domain.UserPosition),
		balances:  make(map[string]uint64),
		pending:   make(map[string]domain.PendingComputation),
		results:   make(map[string]domain.ComputationResult),
	}
}

func (s *state) clone() *state {
	c := &state{
		markets:   make(map[string]domain.Market, len(s.markets)),
		positions: make(map[string]domain.UserPosition, len(s.positions)),
		balances:  make(map[string]uint64, len(s.balances)),
		pending:   make(map[string]domain.PendingComputation, len(s.pending)),
		results:   make(map[string]domain.ComputationResult, len(s.results)),
		events:    s.events[:len(s.events):len(s.events)],
		seq:       s.seq,
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	for k, v := range s.results {
		c.results[k] = v
	}
	return c
}

func positionKey(marketID, owner string) string {
	return domain.PositionAddress(marketID, owner)
}

// Ledger implements domain.Ledger and domain.EventArchive in memory.
// Transactions are fully serialized.
type Ledger struct {
	mu  sync.RWMutex
	txu sync.Mutex
	s   *state
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{s: newState()}
}

// Update runs fn against a copy of the state and installs the copy when fn
// returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	l.txu.Lock()
	defer l.txu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	work := l.s.clone()
	l.mu.RUnlock()

	if err := fn(&tx{s: work}); err != nil {
		return err
	}

	l.mu.Lock()
	l.s = work
	l.mu.Unlock()
	return nil
}

func (l *Ledger) view() *state {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s
}

// GetMarket returns the market with the given id.
func (l *Ledger) GetMarket(_ context.Context, id string) (domain.Market, error) {
	m, ok := l.view().markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// ListMarkets returns markets newest first.
func (l *Ledger) ListMarkets(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s := l.view()
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if !inRange(m.CreatedAt, opts) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

// GetPosition returns a participant's position.
func (l *Ledger) GetPosition(_ context.Context, marketID, owner string) (domain.UserPosition, error) {
	p, ok := l.view().positions[positionKey(marketID, owner)]
	if !ok {
		return domain.UserPosition{}, fmt.Errorf("memory: position %s/%s: %w", marketID, owner, domain.ErrNotFound)
	}
	return p, nil
}

// ListPositions returns every position in a market ordered by owner.
func (l *Ledger) ListPositions(_ context.Context, marketID string) ([]domain.UserPosition, error) {
	var out []domain.UserPosition
	for _, p := range l.view().positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

// GetPending returns a pending computation.
func (l *Ledger) GetPending(_ context.Context, requestID string) (domain.PendingComputation, error) {
	p, ok := l.view().pending[requestID]
	if !ok {
		return domain.PendingComputation{}, fmt.Errorf("memory: pending %s: %w", requestID, domain.ErrNotFound)
	}
	return p, nil
}

// ListPending returns pending computations in enqueue order.
func (l *Ledger) ListPending(_ context.Context) ([]domain.PendingComputation, error) {
	s := l.view()
	out := make([]domain.PendingComputation, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetResult returns the result of a completed computation.
func (l *Ledger) GetResult(_ context.Context, requestID string) (domain.ComputationResult, error) {
	r, ok := l.view().results[requestID]
	if !ok {
		return domain.ComputationResult{}, fmt.Errorf("memory: result %s: %w", requestID, domain.ErrNotFound)
	}
	return r, nil
}

// ListEvents returns a market's events in append order.
func (l *Ledger) ListEvents(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range l.view().events {
		if e.MarketID == marketID && inRange(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return paginate(out, opts), nil
}

// Balance returns the token balance of account.
func (l *Ledger) Balance(_ context.Context, account string) (uint64, error) {
	return l.view().balances[account], nil
}

// EventsBefore returns up to limit events created before the cutoff.
func (l *Ledger) EventsBefore(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range l.view().events {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteEventsBefore removes events created before the cutoff.
func (l *Ledger) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	l.txu.Lock()
	defer l.txu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]domain.Event, 0, len(l.s.events))
	for _, e := range l.s.events {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	n := int64(len(l.s.events) - len(kept))
	l.s.events = kept
	return n, nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
