package coordinator

import (
	"context"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
)

// Outcome is the three-way result of committing a computation. Business
// rejections carry a Reason and a nil Err; failures carry both.
type Outcome struct {
	Disposition domain.Disposition
	Reason      domain.Reason
	Err         error
	// Amount is the token amount the commit moved, if any.
	Amount uint64
	// Events are appended to the ledger for accepted outcomes and published
	// once the commit is durable.
	Events []domain.Event
}

// Accept builds an accepted outcome.
func Accept(amount uint64, events ...domain.Event) Outcome {
	return Outcome{Disposition: domain.DispositionAccepted, Amount: amount, Events: events}
}

// Reject builds a rejected outcome. Events attached to a rejection are
// published but never stored.
func Reject(reason domain.Reason, err error, events ...domain.Event) Outcome {
	return Outcome{Disposition: domain.DispositionRejected, Reason: reason, Err: err, Events: events}
}

// Abort builds an aborted outcome.
func Abort(err error) Outcome {
	return Outcome{Disposition: domain.DispositionAborted, Err: err}
}

// Handler prepares and commits one computation kind.
type Handler interface {
	// Prepare builds the job from the state current at dispatch time and
	// reports which ciphertext versions it read.
	Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error)
	// Commit validates res against current state and applies it. It must
	// not write anything unless it returns an accepted outcome. A non-nil
	// error is an infrastructure failure and rolls the transaction back.
	Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (Outcome, error)
}

// Publisher relays events once their commit is durable.
type Publisher interface {
	PublishEvents(ctx context.Context, events []domain.Event)
}
