package mxe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arxpredict/internal/circuit"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

var errMissingInput = errors.New("mxe: missing input ciphertext")

// Executor runs instructions over sealed state. It is the only component
// that holds the cluster key material.
type Executor struct {
	cipher *sealed.Cipher
	keys   sealed.KeyPair
	nonce  func() (sealed.Nonce, error)
	logger *slog.Logger
}

// NewExecutor creates an Executor from the cluster master secret.
func NewExecutor(keyID string, master []byte, logger *slog.Logger) (*Executor, error) {
	c, err := sealed.NewCipher(keyID, master)
	if err != nil {
		return nil, fmt.Errorf("mxe: %w", err)
	}
	kp, err := sealed.DeriveKeyPair(master)
	if err != nil {
		return nil, fmt.Errorf("mxe: %w", err)
	}
	return &Executor{
		cipher: c,
		keys:   kp,
		nonce:  sealed.NewNonce,
		logger: logger.With(slog.String("component", "mxe_executor")),
	}, nil
}

// PublicKey returns the key participants encrypt their votes to.
func (e *Executor) PublicKey() [32]byte {
	return e.keys.Public
}

// Execute runs job and returns its result envelope. It never returns a
// partial result: any failure produces an aborted envelope.
func (e *Executor) Execute(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "instruction panicked",
				slog.String("request_id", job.RequestID),
				slog.String("kind", string(job.Kind)),
				slog.Any("panic", r),
			)
			res = Aborted(job, "instruction panicked")
		}
	}()

	res, err := e.execute(job)
	if err != nil {
		e.logger.WarnContext(ctx, "computation aborted",
			slog.String("request_id", job.RequestID),
			slog.String("kind", string(job.Kind)),
			slog.String("error", err.Error()),
		)
		return Aborted(job, err.Error())
	}
	res.RequestID = job.RequestID
	res.Kind = job.Kind
	res.Status = StatusSuccess
	return res
}

func (e *Executor) execute(job Job) (Result, error) {
	if err := job.Params.Validate(); err != nil && job.Kind != domain.KindInitUserPosition && job.Kind != domain.KindClaimRewards {
		return Result{}, err
	}

	switch job.Kind {
	case domain.KindInitMarketStats:
		ct, err := e.sealMarket(job.MarketRef, circuit.InitMarketStats(job.Params))
		if err != nil {
			return Result{}, err
		}
		return Result{InitMarket: &InitMarketOutput{Market: ct}}, nil

	case domain.KindInitUserPosition:
		ct, err := e.sealPosition(job.PositionRef, circuit.InitUserPosition())
		if err != nil {
			return Result{}, err
		}
		return Result{InitPosition: &InitPositionOutput{Position: ct}}, nil

	case domain.KindBuyShares:
		vote, m, pos, err := e.tradeInputs(job)
		if err != nil {
			return Result{}, err
		}
		m, pos, due, err := circuit.BuyShares(vote, job.Shares, job.Params, m, pos)
		if err != nil {
			return Result{}, err
		}
		mct, pct, err := e.sealPair(job, m, pos)
		if err != nil {
			return Result{}, err
		}
		return Result{Buy: &BuyOutput{Market: mct, Position: pct, AmountDue: due}}, nil

	case domain.KindSellShares:
		vote, m, pos, err := e.tradeInputs(job)
		if err != nil {
			return Result{}, err
		}
		m, pos, due, status, err := circuit.SellShares(vote, job.Shares, job.Params, m, pos)
		if err != nil {
			return Result{}, err
		}
		mct, pct, err := e.sealPair(job, m, pos)
		if err != nil {
			return Result{}, err
		}
		return Result{Sell: &SellOutput{Market: mct, Position: pct, AmountDue: due, Status: uint8(status)}}, nil

	case domain.KindRevealProbs:
		m, err := e.openMarket(job)
		if err != nil {
			return Result{}, err
		}
		probs, tally := circuit.RevealProbs(m)
		return Result{RevealProbs: &RevealProbsOutput{Probabilities: probs, Tally: tally}}, nil

	case domain.KindRevealMarket:
		m, err := e.openMarket(job)
		if err != nil {
			return Result{}, err
		}
		winner, probs, tally := circuit.RevealMarket(m, job.Winner)
		return Result{RevealMarket: &RevealMarketOutput{Winner: winner, Probabilities: probs, Tally: tally}}, nil

	case domain.KindClaimRewards:
		pos, err := e.openPosition(job)
		if err != nil {
			return Result{}, err
		}
		pos, reward, err := circuit.ClaimRewards(job.Winner, pos, job.PayoutPerShare, job.Params.ShareUnit)
		if err != nil {
			return Result{}, err
		}
		ct, err := e.sealPosition(job.PositionRef, pos)
		if err != nil {
			return Result{}, err
		}
		return Result{Claim: &ClaimOutput{Position: ct, Reward: reward}}, nil

	default:
		return Result{}, fmt.Errorf("mxe: unknown instruction %q", job.Kind)
	}
}

func (e *Executor) tradeInputs(job Job) (circuit.Vote, circuit.MarketStats, circuit.Position, error) {
	var sc sealed.SharedCiphertext
	if err := sc.UnmarshalBinary(job.Vote); err != nil {
		return circuit.Vote{}, circuit.MarketStats{}, circuit.Position{}, fmt.Errorf("mxe: vote: %w", err)
	}
	raw, err := sealed.OpenShared(e.keys, sc)
	if err != nil {
		return circuit.Vote{}, circuit.MarketStats{}, circuit.Position{}, fmt.Errorf("mxe: vote: %w", err)
	}
	vote, err := circuit.UnmarshalVote(raw)
	if err != nil {
		return circuit.Vote{}, circuit.MarketStats{}, circuit.Position{}, err
	}
	m, err := e.openMarket(job)
	if err != nil {
		return circuit.Vote{}, circuit.MarketStats{}, circuit.Position{}, err
	}
	pos, err := e.openPosition(job)
	if err != nil {
		return circuit.Vote{}, circuit.MarketStats{}, circuit.Position{}, err
	}
	return vote, m, pos, nil
}

func (e *Executor) openMarket(job Job) (circuit.MarketStats, error) {
	if job.Market == nil || job.Market.Empty() {
		return circuit.MarketStats{}, fmt.Errorf("%w: market", errMissingInput)
	}
	raw, err := e.cipher.Open(job.MarketRef, *job.Market)
	if err != nil {
		return circuit.MarketStats{}, fmt.Errorf("mxe: open market: %w", err)
	}
	return circuit.UnmarshalMarketStats(raw)
}

func (e *Executor) openPosition(job Job) (circuit.Position, error) {
	if job.Position == nil || job.Position.Empty() {
		return circuit.Position{}, fmt.Errorf("%w: position", errMissingInput)
	}
	raw, err := e.cipher.Open(job.PositionRef, *job.Position)
	if err != nil {
		return circuit.Position{}, fmt.Errorf("mxe: open position: %w", err)
	}
	return circuit.UnmarshalPosition(raw)
}

func (e *Executor) sealMarket(ref string, m circuit.MarketStats) (sealed.Ciphertext, error) {
	n, err := e.nonce()
	if err != nil {
		return sealed.Ciphertext{}, err
	}
	return e.cipher.Seal(ref, n, m.Marshal())
}

func (e *Executor) sealPosition(ref string, p circuit.Position) (sealed.Ciphertext, error) {
	n, err := e.nonce()
	if err != nil {
		return sealed.Ciphertext{}, err
	}
	return e.cipher.Seal(ref, n, p.Marshal())
}

func (e *Executor) sealPair(job Job, m circuit.MarketStats, pos circuit.Position) (sealed.Ciphertext, sealed.Ciphertext, error) {
	mct, err := e.sealMarket(job.MarketRef, m)
	if err != nil {
		return sealed.Ciphertext{}, sealed.Ciphertext{}, err
	}
	pct, err := e.sealPosition(job.PositionRef, pos)
	if err != nil {
		return sealed.Ciphertext{}, sealed.Ciphertext{}, err
	}
	return mct, pct, nil
}
