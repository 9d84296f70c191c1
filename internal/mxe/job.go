// Package mxe is the secure-computation boundary. An Executor opens the
// sealed inputs of a Job, runs the matching circuit instruction and seals
// every output under a fresh nonce. Clusters move jobs to executors and
// results back to a Sink.
package mxe

import (
	"context"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/lmsr"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// Job is a request to run one instruction. Market and Position carry the
// ciphertexts current at dispatch time, addressed by their owning account.
type Job struct {
	RequestID      string                 `json:"request_id"`
	Kind           domain.ComputationKind `json:"kind"`
	Params         lmsr.Params            `json:"params"`
	PayoutPerShare uint64                 `json:"payout_per_share,omitempty"`
	Shares         uint64                 `json:"shares,omitempty"`
	Vote           []byte                 `json:"vote,omitempty"`
	Winner         uint8                  `json:"winner,omitempty"`
	MarketRef      string                 `json:"market_ref,omitempty"`
	Market         *sealed.Ciphertext     `json:"market,omitempty"`
	PositionRef    string                 `json:"position_ref,omitempty"`
	Position       *sealed.Ciphertext     `json:"position,omitempty"`
}

// Status is the outcome of executing a job.
type Status string

const (
	StatusSuccess Status = "success"
	StatusAborted Status = "aborted"
)

// InitMarketOutput is the result of init_market_stats.
type InitMarketOutput struct {
	Market sealed.Ciphertext `json:"market"`
}

// InitPositionOutput is the result of init_user_position.
type InitPositionOutput struct {
	Position sealed.Ciphertext `json:"position"`
}

// BuyOutput is the result of buy_shares: (market', position', amountDue).
type BuyOutput struct {
	Market    sealed.Ciphertext `json:"market"`
	Position  sealed.Ciphertext `json:"position"`
	AmountDue float64           `json:"amount_due"`
}

// SellOutput is the result of sell_shares: (market', position', amountDue,
// status). A negative amount is a refund.
type SellOutput struct {
	Market    sealed.Ciphertext `json:"market"`
	Position  sealed.Ciphertext `json:"position"`
	AmountDue float64           `json:"amount_due"`
	Status    uint8             `json:"status"`
}

// RevealProbsOutput is the result of reveal_probs.
type RevealProbsOutput struct {
	Probabilities lmsr.Probabilities `json:"probabilities"`
	Tally         lmsr.Tally         `json:"tally"`
}

// RevealMarketOutput is the result of reveal_market.
type RevealMarketOutput struct {
	Winner        uint8              `json:"winner"`
	Probabilities lmsr.Probabilities `json:"probabilities"`
	Tally         lmsr.Tally         `json:"tally"`
}

// ClaimOutput is the result of claim_rewards: (position', reward).
type ClaimOutput struct {
	Position sealed.Ciphertext `json:"position"`
	Reward   uint64            `json:"reward"`
}

// Result is the envelope returned for a job. On success exactly the output
// field matching Kind is set; an aborted result carries none.
type Result struct {
	RequestID string                 `json:"request_id"`
	Kind      domain.ComputationKind `json:"kind"`
	Status    Status                 `json:"status"`
	Error     string                 `json:"error,omitempty"`

	InitMarket   *InitMarketOutput   `json:"init_market,omitempty"`
	InitPosition *InitPositionOutput `json:"init_position,omitempty"`
	Buy          *BuyOutput          `json:"buy,omitempty"`
	Sell         *SellOutput         `json:"sell,omitempty"`
	RevealProbs  *RevealProbsOutput  `json:"reveal_probs,omitempty"`
	RevealMarket *RevealMarketOutput `json:"reveal_market,omitempty"`
	Claim        *ClaimOutput        `json:"claim,omitempty"`
}

// Aborted builds an aborted result for job.
func Aborted(job Job, reason string) Result {
	return Result{RequestID: job.RequestID, Kind: job.Kind, Status: StatusAborted, Error: reason}
}

// Sink receives results. The coordinator is the production sink.
type Sink interface {
	Callback(ctx context.Context, res Result) error
}

// Cluster accepts jobs for execution. Submit returns once the job is
// queued; the result arrives later at the sink the cluster runs with.
type Cluster interface {
	Submit(ctx context.Context, job Job) error
}
