package domain

import (
	"time"

	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// ComputationKind names a confidential instruction.
type ComputationKind string

const (
	KindInitMarketStats  ComputationKind = "init_market_stats"
	KindInitUserPosition ComputationKind = "init_user_position"
	KindBuyShares        ComputationKind = "buy_shares"
	KindSellShares       ComputationKind = "sell_shares"
	KindRevealProbs      ComputationKind = "reveal_probs"
	KindRevealMarket     ComputationKind = "reveal_market"
	KindClaimRewards     ComputationKind = "claim_rewards"
)

// Serialized reports whether computations of this kind must run in the
// per-account order they were enqueued in. Probability reveals never mutate
// and may run alongside anything.
func (k ComputationKind) Serialized() bool {
	return k != KindRevealProbs
}

// TouchesPosition reports whether the kind reads or writes a position.
func (k ComputationKind) TouchesPosition() bool {
	switch k {
	case KindInitUserPosition, KindBuyShares, KindSellShares, KindClaimRewards:
		return true
	default:
		return false
	}
}

// TouchesMarket reports whether the kind reads or writes the market state.
func (k ComputationKind) TouchesMarket() bool {
	return k != KindInitUserPosition && k != KindClaimRewards
}

// ComputationStatus is the lifecycle of a pending computation.
type ComputationStatus string

const (
	ComputationQueued     ComputationStatus = "queued"
	ComputationDispatched ComputationStatus = "dispatched"
	ComputationCompleted  ComputationStatus = "completed"
	ComputationAborted    ComputationStatus = "aborted"
)

// ComputationArgs are the plaintext arguments of a request. Vote is the
// participant's outcome selector, encrypted for the cluster.
type ComputationArgs struct {
	Shares uint64   `json:"shares,omitempty"`
	Vote   []byte   `json:"vote,omitempty"`
	Winner *Outcome `json:"winner,omitempty"`
}

// InputNonces records the ciphertext versions a dispatched computation read.
// A result is only committed while these are still current.
type InputNonces struct {
	Market   *sealed.Nonce `json:"market,omitempty"`
	Position *sealed.Nonce `json:"position,omitempty"`
}

// PendingComputation tracks an in-flight confidential computation awaiting
// its callback.
type PendingComputation struct {
	RequestID    string            `json:"request_id"`
	Kind         ComputationKind   `json:"kind"`
	MarketID     string            `json:"market_id"`
	Owner        string            `json:"owner,omitempty"`
	Args         ComputationArgs   `json:"args"`
	Inputs       InputNonces       `json:"inputs"`
	Seq          int64             `json:"seq"`
	Status       ComputationStatus `json:"status"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
}

// Accounts lists the addresses the computation reads, market first. For
// serialized kinds these are also the queues it waits in.
func (p PendingComputation) Accounts() []string {
	var accts []string
	if p.Kind.TouchesMarket() {
		accts = append(accts, MarketAddress(p.MarketID))
	}
	if p.Kind.TouchesPosition() {
		accts = append(accts, PositionAddress(p.MarketID, p.Owner))
	}
	return accts
}

// Disposition is the three-way outcome of committing a result.
type Disposition string

const (
	// DispositionAccepted means the result was committed.
	DispositionAccepted Disposition = "accepted"
	// DispositionRejected means the callback completed without mutating
	// any record.
	DispositionRejected Disposition = "rejected"
	// DispositionAborted means the cluster produced no result.
	DispositionAborted Disposition = "aborted"
)

// Reason explains a rejected commit.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonInsufficientShares   Reason = "insufficient_shares"
	ReasonInsufficientBalance  Reason = "insufficient_balance"
	ReasonPreconditionViolated Reason = "precondition_violated"
	ReasonStaleNonce           Reason = "stale_nonce"
	ReasonAmountConversion     Reason = "amount_conversion"
)

// Business reports whether the reason is a normal business outcome rather
// than a failure.
func (r Reason) Business() bool {
	return r == ReasonInsufficientShares || r == ReasonInsufficientBalance
}

// ComputationResult is the durable record of a completed computation.
type ComputationResult struct {
	RequestID   string          `json:"request_id"`
	Kind        ComputationKind `json:"kind"`
	MarketID    string          `json:"market_id"`
	Owner       string          `json:"owner,omitempty"`
	Disposition Disposition     `json:"disposition"`
	Reason      Reason          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Amount      uint64          `json:"amount"`
	CompletedAt time.Time       `json:"completed_at"`
}
