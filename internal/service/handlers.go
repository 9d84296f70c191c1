package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arxpredict/internal/circuit"
	"github.com/alanyoungcy/arxpredict/internal/coordinator"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// Registrar is implemented by the coordinator.
type Registrar interface {
	Register(kind domain.ComputationKind, h coordinator.Handler)
}

// RegisterHandlers installs the commit handler of every instruction.
func RegisterHandlers(r Registrar, cfg Config, m *metrics.Metrics) {
	base := commitBase{cfg: cfg, metrics: m, now: func() time.Time { return time.Now().UTC() }}
	r.Register(domain.KindInitMarketStats, initMarketHandler{base})
	r.Register(domain.KindInitUserPosition, initPositionHandler{base})
	r.Register(domain.KindBuyShares, buyHandler{base})
	r.Register(domain.KindSellShares, sellHandler{base})
	r.Register(domain.KindRevealProbs, revealProbsHandler{base})
	r.Register(domain.KindRevealMarket, revealMarketHandler{base})
	r.Register(domain.KindClaimRewards, claimHandler{base})
}

type commitBase struct {
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func (b commitBase) event(p domain.PendingComputation, kind domain.EventKind) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		MarketID:  p.MarketID,
		Kind:      kind,
		RequestID: p.RequestID,
		Owner:     p.Owner,
		CreatedAt: b.now(),
	}
}

func (b commitBase) tokensMoved(op string, amount uint64) {
	if b.metrics != nil && amount > 0 {
		b.metrics.TokensMoved.WithLabelValues(op).Add(float64(amount))
	}
}

func precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrPreconditionViolated, fmt.Sprintf(format, args...))
}

func rejectPrecondition(err error, events ...domain.Event) coordinator.Outcome {
	return coordinator.Reject(domain.ReasonPreconditionViolated, err, events...)
}

func rejectStale(what string) coordinator.Outcome {
	return coordinator.Reject(domain.ReasonStaleNonce, fmt.Errorf("%w: %s", domain.ErrStaleNonce, what))
}

func missingOutput(res mxe.Result) coordinator.Outcome {
	return coordinator.Abort(fmt.Errorf("%w: %s result without output", domain.ErrAbortedComputation, res.Kind))
}

// current reports whether ct is still the version a computation read.
func current(ct sealed.Ciphertext, read *sealed.Nonce) bool {
	return read != nil && !ct.Empty() && ct.Nonce == *read
}

func tradeable(m domain.Market) error {
	if m.Status != domain.MarketStatusActive {
		return precondition("market %s is %s", m.ID, m.Status)
	}
	if m.State.Empty() {
		return precondition("market %s has no state", m.ID)
	}
	return nil
}

func readTrade(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (domain.Market, domain.UserPosition, error) {
	m, err := r.GetMarket(ctx, p.MarketID)
	if err != nil {
		return domain.Market{}, domain.UserPosition{}, err
	}
	if err := tradeable(m); err != nil {
		return domain.Market{}, domain.UserPosition{}, err
	}
	pos, err := r.GetPosition(ctx, p.MarketID, p.Owner)
	if err != nil {
		return domain.Market{}, domain.UserPosition{}, err
	}
	if !pos.Initialized() {
		return domain.Market{}, domain.UserPosition{}, precondition("position %s is not initialized", pos.Address())
	}
	return m, pos, nil
}

func tradeJob(p domain.PendingComputation, m domain.Market, pos domain.UserPosition) (mxe.Job, domain.InputNonces) {
	mct, pct := m.State, pos.State
	job := mxe.Job{
		Params:      m.Params(),
		Shares:      p.Args.Shares,
		Vote:        p.Args.Vote,
		MarketRef:   m.Address(),
		Market:      &mct,
		PositionRef: pos.Address(),
		Position:    &pct,
	}
	mn, pn := m.State.Nonce, pos.State.Nonce
	return job, domain.InputNonces{Market: &mn, Position: &pn}
}

// lockTrade locks the records a trade commit writes and checks they are
// still the versions the computation read.
func lockTrade(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation) (domain.Market, domain.UserPosition, *coordinator.Outcome, error) {
	m, err := tx.Market(ctx, p.MarketID)
	if err != nil {
		return domain.Market{}, domain.UserPosition{}, nil, err
	}
	pos, err := tx.Position(ctx, p.MarketID, p.Owner)
	if err != nil {
		return domain.Market{}, domain.UserPosition{}, nil, err
	}
	if err := tradeable(m); err != nil {
		out := rejectPrecondition(err)
		return m, pos, &out, nil
	}
	if !current(m.State, p.Inputs.Market) {
		out := rejectStale("market " + m.ID)
		return m, pos, &out, nil
	}
	if !current(pos.State, p.Inputs.Position) {
		out := rejectStale("position " + pos.Address())
		return m, pos, &out, nil
	}
	return m, pos, nil, nil
}

type initMarketHandler struct{ commitBase }

func (h initMarketHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, err := r.GetMarket(ctx, p.MarketID)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	return mxe.Job{Params: m.Params(), MarketRef: m.Address()}, domain.InputNonces{}, nil
}

func (h initMarketHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.InitMarket == nil {
		return missingOutput(res), nil
	}
	m, err := tx.Market(ctx, p.MarketID)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if m.Status != domain.MarketStatusInactive || !m.State.Empty() {
		return rejectPrecondition(precondition("market %s already initialized", m.ID)), nil
	}

	now := h.now()
	m.State = res.InitMarket.Market
	m.Status = domain.MarketStatusActive
	m.UpdatedAt = now
	if err := tx.SaveMarket(ctx, m); err != nil {
		return coordinator.Outcome{}, err
	}

	ev := h.event(p, domain.EventMarketInitialized)
	ev.Status = string(m.Status)
	return coordinator.Accept(0, ev), nil
}

type initPositionHandler struct{ commitBase }

func (h initPositionHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	pos, err := r.GetPosition(ctx, p.MarketID, p.Owner)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	return mxe.Job{PositionRef: pos.Address()}, domain.InputNonces{}, nil
}

func (h initPositionHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.InitPosition == nil {
		return missingOutput(res), nil
	}
	pos, err := tx.Position(ctx, p.MarketID, p.Owner)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if pos.Initialized() {
		return rejectPrecondition(precondition("position %s already initialized", pos.Address())), nil
	}

	pos.State = res.InitPosition.Position
	pos.UpdatedAt = h.now()
	if err := tx.SavePosition(ctx, pos); err != nil {
		return coordinator.Outcome{}, err
	}
	return coordinator.Accept(0, h.event(p, domain.EventPositionCreated)), nil
}

type buyHandler struct{ commitBase }

func (h buyHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, pos, err := readTrade(ctx, r, p)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	job, inputs := tradeJob(p, m, pos)
	return job, inputs, nil
}

// Commit charges the buyer's wallet the amount due and installs the new
// state. When the wallet cannot cover the charge the computed state is
// discarded.
func (h buyHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.Buy == nil {
		return missingOutput(res), nil
	}
	rejected := h.event(p, domain.EventTradeRejected)
	rejected.Side = domain.SideBuy

	m, pos, out, err := lockTrade(ctx, tx, p)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if out != nil {
		out.Events = append(out.Events, rejected)
		return *out, nil
	}

	amount, err := ToTokenAmount(res.Buy.AmountDue, m.TokenDecimals)
	if err != nil {
		return coordinator.Reject(domain.ReasonAmountConversion, err, rejected), nil
	}
	err = tx.Transfer(ctx, domain.WalletAccount(p.Owner), m.Vault(), amount)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		rejected.Status = string(domain.ReasonInsufficientBalance)
		rejected.Amount = amount
		return coordinator.Reject(domain.ReasonInsufficientBalance, nil, rejected), nil
	}
	if err != nil {
		return coordinator.Outcome{}, err
	}

	if err := h.install(ctx, tx, m, pos, res.Buy.Market, res.Buy.Position); err != nil {
		return coordinator.Outcome{}, err
	}
	h.tokensMoved("buy", amount)

	ev := h.event(p, domain.EventTradeExecuted)
	ev.Side = domain.SideBuy
	ev.Status = "ok"
	ev.Amount = amount
	return coordinator.Accept(amount, ev), nil
}

func (b commitBase) install(ctx context.Context, tx domain.LedgerTx, m domain.Market, pos domain.UserPosition, mct, pct sealed.Ciphertext) error {
	now := b.now()
	m.State = mct
	m.UpdatedAt = now
	if err := tx.SaveMarket(ctx, m); err != nil {
		return err
	}
	pos.State = pct
	pos.UpdatedAt = now
	return tx.SavePosition(ctx, pos)
}

type sellHandler struct{ commitBase }

func (h sellHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, pos, err := readTrade(ctx, r, p)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	job, inputs := tradeJob(p, m, pos)
	return job, inputs, nil
}

// Commit credits the refund to the seller's position balance. An
// insufficient holding completes without touching any record.
func (h sellHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.Sell == nil {
		return missingOutput(res), nil
	}
	rejected := h.event(p, domain.EventTradeRejected)
	rejected.Side = domain.SideSell

	if circuit.SellStatus(res.Sell.Status) != circuit.SellOK {
		rejected.Status = string(domain.ReasonInsufficientShares)
		return coordinator.Reject(domain.ReasonInsufficientShares, nil, rejected), nil
	}

	m, pos, out, err := lockTrade(ctx, tx, p)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if out != nil {
		out.Events = append(out.Events, rejected)
		return *out, nil
	}

	refund, err := ToTokenAmount(-res.Sell.AmountDue, m.TokenDecimals)
	if err != nil {
		return coordinator.Reject(domain.ReasonAmountConversion, err, rejected), nil
	}
	if refund > math.MaxUint64-pos.Balance {
		return coordinator.Reject(domain.ReasonAmountConversion,
			fmt.Errorf("%w: balance overflows", domain.ErrAmountConversion), rejected), nil
	}
	pos.Balance += refund

	if err := h.install(ctx, tx, m, pos, res.Sell.Market, res.Sell.Position); err != nil {
		return coordinator.Outcome{}, err
	}
	h.tokensMoved("sell", refund)

	ev := h.event(p, domain.EventTradeExecuted)
	ev.Side = domain.SideSell
	ev.Status = "ok"
	ev.Amount = refund
	return coordinator.Accept(refund, ev), nil
}

type revealProbsHandler struct{ commitBase }

func (h revealProbsHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, err := r.GetMarket(ctx, p.MarketID)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	if err := tradeable(m); err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	ct, n := m.State, m.State.Nonce
	return mxe.Job{Params: m.Params(), MarketRef: m.Address(), Market: &ct}, domain.InputNonces{Market: &n}, nil
}

// Commit publishes the snapshot. Reveals do not wait in the market queue, so
// a trade may have committed since the state was read; the snapshot is then
// already stale but still a true past value and is published anyway.
func (h revealProbsHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.RevealProbs == nil {
		return missingOutput(res), nil
	}
	m, err := tx.Market(ctx, p.MarketID)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if m.FinalRevealed {
		return rejectPrecondition(precondition("market %s already has its final reveal", m.ID)), nil
	}

	now := h.now()
	probs := [2]float64(res.RevealProbs.Probabilities)
	tally := [2]uint64(res.RevealProbs.Tally)
	m.RevealedProbs = probs
	m.RevealedTally = tally
	m.RevealedAt = &now
	m.UpdatedAt = now
	if err := tx.SaveMarket(ctx, m); err != nil {
		return coordinator.Outcome{}, err
	}

	ev := h.event(p, domain.EventRevealPublished)
	ev.Probabilities = &probs
	ev.Tally = &tally
	return coordinator.Accept(0, ev), nil
}

type revealMarketHandler struct{ commitBase }

func (h revealMarketHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, err := r.GetMarket(ctx, p.MarketID)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	if m.Status != domain.MarketStatusSettled || m.WinningOutcome == nil {
		return mxe.Job{}, domain.InputNonces{}, precondition("market %s is not settled", m.ID)
	}
	ct, n := m.State, m.State.Nonce
	job := mxe.Job{
		Params:    m.Params(),
		Winner:    uint8(*m.WinningOutcome),
		MarketRef: m.Address(),
		Market:    &ct,
	}
	return job, domain.InputNonces{Market: &n}, nil
}

func (h revealMarketHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.RevealMarket == nil {
		return missingOutput(res), nil
	}
	m, err := tx.Market(ctx, p.MarketID)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if m.Status != domain.MarketStatusSettled || m.WinningOutcome == nil || m.FinalRevealed {
		return rejectPrecondition(precondition("market %s cannot take a final reveal", m.ID)), nil
	}
	if !current(m.State, p.Inputs.Market) {
		return rejectStale("market " + m.ID), nil
	}
	if domain.Outcome(res.RevealMarket.Winner) != *m.WinningOutcome {
		return coordinator.Abort(fmt.Errorf("%w: revealed winner %d does not match %s",
			domain.ErrAbortedComputation, res.RevealMarket.Winner, m.WinningOutcome)), nil
	}

	now := h.now()
	probs := [2]float64(res.RevealMarket.Probabilities)
	tally := [2]uint64(res.RevealMarket.Tally)
	m.RevealedProbs = probs
	m.RevealedTally = tally
	m.RevealedAt = &now
	m.FinalRevealed = true
	m.UpdatedAt = now
	if err := tx.SaveMarket(ctx, m); err != nil {
		return coordinator.Outcome{}, err
	}

	winner := *m.WinningOutcome
	ev := h.event(p, domain.EventMarketSettled)
	ev.Status = string(m.Status)
	ev.Outcome = &winner
	ev.Probabilities = &probs
	ev.Tally = &tally
	return coordinator.Accept(0, ev), nil
}

type claimHandler struct{ commitBase }

func (h claimHandler) Prepare(ctx context.Context, r domain.LedgerReader, p domain.PendingComputation) (mxe.Job, domain.InputNonces, error) {
	m, err := r.GetMarket(ctx, p.MarketID)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	if m.Status != domain.MarketStatusSettled || m.WinningOutcome == nil {
		return mxe.Job{}, domain.InputNonces{}, precondition("market %s is not settled", m.ID)
	}
	pos, err := r.GetPosition(ctx, p.MarketID, p.Owner)
	if err != nil {
		return mxe.Job{}, domain.InputNonces{}, err
	}
	if !pos.Initialized() {
		return mxe.Job{}, domain.InputNonces{}, precondition("position %s is not initialized", pos.Address())
	}
	ct, n := pos.State, pos.State.Nonce
	job := mxe.Job{
		Params:         m.Params(),
		PayoutPerShare: m.PayoutPerShare,
		Winner:         uint8(*m.WinningOutcome),
		PositionRef:    pos.Address(),
		Position:       &ct,
	}
	return job, domain.InputNonces{Position: &n}, nil
}

// Commit credits the reward to the position balance and installs the
// zeroed position.
func (h claimHandler) Commit(ctx context.Context, tx domain.LedgerTx, p domain.PendingComputation, res mxe.Result) (coordinator.Outcome, error) {
	if res.Claim == nil {
		return missingOutput(res), nil
	}
	m, err := tx.Market(ctx, p.MarketID)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if m.Status != domain.MarketStatusSettled {
		return rejectPrecondition(precondition("market %s is not settled", m.ID)), nil
	}
	pos, err := tx.Position(ctx, p.MarketID, p.Owner)
	if err != nil {
		return coordinator.Outcome{}, err
	}
	if !current(pos.State, p.Inputs.Position) {
		return rejectStale("position " + pos.Address()), nil
	}

	reward := res.Claim.Reward
	if reward > math.MaxUint64-pos.Balance || reward > math.MaxUint64-m.RewardsClaimed {
		return coordinator.Reject(domain.ReasonAmountConversion,
			fmt.Errorf("%w: reward overflows", domain.ErrAmountConversion)), nil
	}

	now := h.now()
	pos.State = res.Claim.Position
	pos.Balance += reward
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return coordinator.Outcome{}, err
	}
	m.RewardsClaimed += reward
	m.UpdatedAt = now
	if err := tx.SaveMarket(ctx, m); err != nil {
		return coordinator.Outcome{}, err
	}
	h.tokensMoved("claim", reward)

	ev := h.event(p, domain.EventRewardClaimed)
	ev.Amount = reward
	return coordinator.Accept(reward, ev), nil
}
