package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

type tx struct {
	s *state
}

func (t *tx) Market(_ context.Context, id string) (domain.Market, error) {
	m, ok := t.s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (t *tx) CreateMarket(_ context.Context, m domain.Market) error {
	if _, ok := t.s.markets[m.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	t.s.markets[m.ID] = m
	return nil
}

func (t *tx) SaveMarket(_ context.Context, m domain.Market) error {
	if _, ok := t.s.markets[m.ID]; !ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrNotFound)
	}
	t.s.markets[m.ID] = m
	return nil
}

func (t *tx) Position(_ context.Context, marketID, owner string) (domain.UserPosition, error) {
	p, ok := t.s.positions[positionKey(marketID, owner)]
	if !ok {
		return domain.UserPosition{}, fmt.Errorf("memory: position %s/%s: %w", marketID, owner, domain.ErrNotFound)
	}
	return p, nil
}

func (t *tx) CreatePosition(_ context.Context, p domain.UserPosition) error {
	key := positionKey(p.MarketID, p.Owner)
	if _, ok := t.s.positions[key]; ok {
		return fmt.Errorf("memory: position %s: %w", key, domain.ErrAlreadyExists)
	}
	t.s.positions[key] = p
	return nil
}

func (t *tx) SavePosition(_ context.Context, p domain.UserPosition) error {
	key := positionKey(p.MarketID, p.Owner)
	if _, ok := t.s.positions[key]; !ok {
		return fmt.Errorf("memory: position %s: %w", key, domain.ErrNotFound)
	}
	t.s.positions[key] = p
	return nil
}

func (t *tx) SumPositionBalances(_ context.Context, marketID string) (uint64, error) {
	var sum uint64
	for _, p := range t.s.positions {
		if p.MarketID != marketID {
			continue
		}
		if p.Balance > math.MaxUint64-sum {
			return 0, fmt.Errorf("memory: sum balances %s: overflow", marketID)
		}
		sum += p.Balance
	}
	return sum, nil
}

func (t *tx) Balance(_ context.Context, account string) (uint64, error) {
	return t.s.balances[account], nil
}

func (t *tx) Credit(_ context.Context, account string, amount uint64) error {
	cur := t.s.balances[account]
	if amount > math.MaxUint64-cur {
		return fmt.Errorf("memory: credit %s: overflow", account)
	}
	t.s.balances[account] = cur + amount
	return nil
}

func (t *tx) Transfer(_ context.Context, from, to string, amount uint64) error {
	if t.s.balances[from] < amount {
		return fmt.Errorf("memory: transfer %s -> %s: %w", from, to, domain.ErrInsufficientFunds)
	}
	if amount > math.MaxUint64-t.s.balances[to] {
		return fmt.Errorf("memory: transfer %s -> %s: overflow", from, to)
	}
	t.s.balances[from] -= amount
	t.s.balances[to] += amount
	return nil
}

func (t *tx) InsertPending(_ context.Context, p domain.PendingComputation) (domain.PendingComputation, error) {
	if _, ok := t.s.pending[p.RequestID]; ok {
		return domain.PendingComputation{}, fmt.Errorf("memory: pending %s: %w", p.RequestID, domain.ErrAlreadyExists)
	}
	if _, ok := t.s.results[p.RequestID]; ok {
		return domain.PendingComputation{}, fmt.Errorf("memory: pending %s: %w", p.RequestID, domain.ErrAlreadyExists)
	}
	t.s.seq++
	p.Seq = t.s.seq
	t.s.pending[p.RequestID] = p
	return p, nil
}

func (t *tx) Pending(_ context.Context, requestID string) (domain.PendingComputation, error) {
	p, ok := t.s.pending[requestID]
	if !ok {
		return domain.PendingComputation{}, fmt.Errorf("memory: pending %s: %w", requestID, domain.ErrNotFound)
	}
	return p, nil
}

func (t *tx) SavePending(_ context.Context, p domain.PendingComputation) error {
	if _, ok := t.s.pending[p.RequestID]; !ok {
		return fmt.Errorf("memory: pending %s: %w", p.RequestID, domain.ErrNotFound)
	}
	t.s.pending[p.RequestID] = p
	return nil
}

func (t *tx) DeletePending(_ context.Context, requestID string) error {
	if _, ok := t.s.pending[requestID]; !ok {
		return fmt.Errorf("memory: pending %s: %w", requestID, domain.ErrNotFound)
	}
	delete(t.s.pending, requestID)
	return nil
}

func (t *tx) InsertResult(_ context.Context, r domain.ComputationResult) error {
	if _, ok := t.s.results[r.RequestID]; ok {
		return fmt.Errorf("memory: result %s: %w", r.RequestID, domain.ErrAlreadyExists)
	}
	t.s.results[r.RequestID] = r
	return nil
}

func (t *tx) Result(_ context.Context, requestID string) (domain.ComputationResult, error) {
	r, ok := t.s.results[requestID]
	if !ok {
		return domain.ComputationResult{}, fmt.Errorf("memory: result %s: %w", requestID, domain.ErrNotFound)
	}
	return r, nil
}

func (t *tx) AppendEvent(_ context.Context, e domain.Event) error {
	t.s.events = append(t.s.events, e)
	return nil
}
