package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerReader is the read side of the ledger. Reads outside a transaction
// see the latest committed state and take no locks.
type LedgerReader interface {
	GetMarket(ctx context.Context, id string) (Market, error)
	ListMarkets(ctx context.Context, opts ListOpts) ([]Market, error)
	GetPosition(ctx context.Context, marketID, owner string) (UserPosition, error)
	ListPositions(ctx context.Context, marketID string) ([]UserPosition, error)
	GetPending(ctx context.Context, requestID string) (PendingComputation, error)
	ListPending(ctx context.Context) ([]PendingComputation, error)
	GetResult(ctx context.Context, requestID string) (ComputationResult, error)
	ListEvents(ctx context.Context, marketID string, opts ListOpts) ([]Event, error)
	Balance(ctx context.Context, account string) (uint64, error)
}

// Ledger is the durable store for markets, positions, the token ledger and
// coordinator bookkeeping. Update runs fn in a single atomic transaction:
// either every write in fn commits or none does.
type Ledger interface {
	LedgerReader
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is a ledger transaction. Market and Position lock the record
// they return until the transaction ends, giving the caller exclusive
// write access to it.
type LedgerTx interface {
	Market(ctx context.Context, id string) (Market, error)
	CreateMarket(ctx context.Context, m Market) error
	SaveMarket(ctx context.Context, m Market) error

	Position(ctx context.Context, marketID, owner string) (UserPosition, error)
	CreatePosition(ctx context.Context, p UserPosition) error
	SavePosition(ctx context.Context, p UserPosition) error
	SumPositionBalances(ctx context.Context, marketID string) (uint64, error)

	Balance(ctx context.Context, account string) (uint64, error)
	// Credit adds amount to account, creating it if needed.
	Credit(ctx context.Context, account string, amount uint64) error
	// Transfer moves amount between accounts. It returns
	// ErrInsufficientFunds when from cannot cover it.
	Transfer(ctx context.Context, from, to string, amount uint64) error

	// InsertPending stores p and returns it with Seq assigned. It returns
	// ErrAlreadyExists when the request id is taken.
	InsertPending(ctx context.Context, p PendingComputation) (PendingComputation, error)
	Pending(ctx context.Context, requestID string) (PendingComputation, error)
	SavePending(ctx context.Context, p PendingComputation) error
	DeletePending(ctx context.Context, requestID string) error
	InsertResult(ctx context.Context, r ComputationResult) error
	Result(ctx context.Context, requestID string) (ComputationResult, error)

	AppendEvent(ctx context.Context, e Event) error
}

// EventArchive exposes old events for moving to cold storage.
type EventArchive interface {
	EventsBefore(ctx context.Context, before time.Time, limit int) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}
