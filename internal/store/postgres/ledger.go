package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// Ledger implements domain.Ledger and domain.EventArchive. Transactions
// run at READ COMMITTED; records returned by the transactional getters are
// locked with SELECT ... FOR UPDATE until commit.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Update runs fn in a transaction, committing when fn returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, l.pool, func(t pgx.Tx) error {
		return fn(&tx{q: t})
	})
}

func (l *Ledger) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return getMarket(ctx, l.pool, id, false)
}

func (l *Ledger) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return listMarkets(ctx, l.pool, opts)
}

func (l *Ledger) GetPosition(ctx context.Context, marketID, owner string) (domain.UserPosition, error) {
	return getPosition(ctx, l.pool, marketID, owner, false)
}

func (l *Ledger) ListPositions(ctx context.Context, marketID string) ([]domain.UserPosition, error) {
	return listPositions(ctx, l.pool, marketID)
}

func (l *Ledger) GetPending(ctx context.Context, requestID string) (domain.PendingComputation, error) {
	return getPending(ctx, l.pool, requestID, false)
}

func (l *Ledger) ListPending(ctx context.Context) ([]domain.PendingComputation, error) {
	return listPending(ctx, l.pool)
}

func (l *Ledger) GetResult(ctx context.Context, requestID string) (domain.ComputationResult, error) {
	return getResult(ctx, l.pool, requestID)
}

func (l *Ledger) ListEvents(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	return listEvents(ctx, l.pool, marketID, opts)
}

func (l *Ledger) Balance(ctx context.Context, account string) (uint64, error) {
	return balance(ctx, l.pool, account, false)
}

type tx struct {
	q pgx.Tx
}

func (t *tx) Market(ctx context.Context, id string) (domain.Market, error) {
	return getMarket(ctx, t.q, id, true)
}

func (t *tx) CreateMarket(ctx context.Context, m domain.Market) error {
	return insertMarket(ctx, t.q, m)
}

func (t *tx) SaveMarket(ctx context.Context, m domain.Market) error {
	return updateMarket(ctx, t.q, m)
}

func (t *tx) Position(ctx context.Context, marketID, owner string) (domain.UserPosition, error) {
	return getPosition(ctx, t.q, marketID, owner, true)
}

func (t *tx) CreatePosition(ctx context.Context, p domain.UserPosition) error {
	return insertPosition(ctx, t.q, p)
}

func (t *tx) SavePosition(ctx context.Context, p domain.UserPosition) error {
	return updatePosition(ctx, t.q, p)
}

func (t *tx) SumPositionBalances(ctx context.Context, marketID string) (uint64, error) {
	return sumPositionBalances(ctx, t.q, marketID)
}

func (t *tx) Balance(ctx context.Context, account string) (uint64, error) {
	return balance(ctx, t.q, account, true)
}

func (t *tx) Credit(ctx context.Context, account string, amount uint64) error {
	return credit(ctx, t.q, account, amount)
}

func (t *tx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	return transfer(ctx, t.q, from, to, amount)
}

func (t *tx) InsertPending(ctx context.Context, p domain.PendingComputation) (domain.PendingComputation, error) {
	return insertPending(ctx, t.q, p)
}

func (t *tx) Pending(ctx context.Context, requestID string) (domain.PendingComputation, error) {
	return getPending(ctx, t.q, requestID, true)
}

func (t *tx) SavePending(ctx context.Context, p domain.PendingComputation) error {
	return updatePending(ctx, t.q, p)
}

func (t *tx) DeletePending(ctx context.Context, requestID string) error {
	return deletePending(ctx, t.q, requestID)
}

func (t *tx) InsertResult(ctx context.Context, r domain.ComputationResult) error {
	return insertResult(ctx, t.q, r)
}

func (t *tx) Result(ctx context.Context, requestID string) (domain.ComputationResult, error) {
	return getResult(ctx, t.q, requestID)
}

func (t *tx) AppendEvent(ctx context.Context, e domain.Event) error {
	return appendEvent(ctx, t.q, e)
}

var (
	_ domain.Ledger       = (*Ledger)(nil)
	_ domain.EventArchive = (*Ledger)(nil)
)
