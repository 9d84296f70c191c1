// Package service implements the market operations on top of the ledger
// and the computation coordinator. Operations that touch sealed state are
// enqueued as computations and complete asynchronously; plaintext token
// movements commit synchronously.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arxpredict/internal/coordinator"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/lmsr"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
)

// Enqueuer schedules computations. It is implemented by the coordinator.
type Enqueuer interface {
	Enqueue(ctx context.Context, req coordinator.Request) (domain.PendingComputation, error)
}

// marketNamespace derives market ids from creation request ids so retried
// creations land on the same market.
var marketNamespace = uuid.MustParse("5b0f3c55-7d5e-4f5a-9a53-2f4f1b8e6c11")

// CreateMarketInput describes a new market.
type CreateMarketInput struct {
	RequestID string
	Authority string
	Question  string
	Options   [2]string
	Liquidity uint64
	// Funding is moved from the authority wallet to the market vault. It
	// must cover the initial cost b*ln(2).
	Funding uint64
}

// MarketService creates, funds, settles and reveals markets.
type MarketService struct {
	ledger    domain.Ledger
	queue     Enqueuer
	cache     domain.MarketCache
	publisher coordinator.Publisher
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewMarketService creates a MarketService. cache and publisher may be nil.
func NewMarketService(
	ledger domain.Ledger,
	queue Enqueuer,
	cache domain.MarketCache,
	publisher coordinator.Publisher,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		ledger:    ledger,
		queue:     queue,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(slog.String("component", "market_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequiredFunding returns the smallest vault deposit accepted for a market
// with liquidity b.
func (s *MarketService) RequiredFunding(b uint64) (uint64, error) {
	return ToTokenAmount(lmsr.InitialCost(lmsr.Params{Liquidity: b, ShareUnit: s.cfg.ShareUnit}), s.cfg.TokenDecimals)
}

func (s *MarketService) validateCreate(in CreateMarketInput) error {
	var problems []string
	if in.Liquidity <= s.cfg.MinLiquidity {
		problems = append(problems, fmt.Sprintf("liquidity parameter must be greater than %d", s.cfg.MinLiquidity))
	}
	if q := strings.TrimSpace(in.Question); q == "" {
		problems = append(problems, "question is required")
	} else if utf8.RuneCountInString(q) > s.cfg.MaxQuestionLength {
		problems = append(problems, fmt.Sprintf("question exceeds %d characters", s.cfg.MaxQuestionLength))
	}
	for i, opt := range in.Options {
		if o := strings.TrimSpace(opt); o == "" {
			problems = append(problems, fmt.Sprintf("option %d is required", i))
		} else if utf8.RuneCountInString(o) > s.cfg.MaxOptionLength {
			problems = append(problems, fmt.Sprintf("option %d exceeds %d characters", i, s.cfg.MaxOptionLength))
		}
	}
	if in.Authority == "" {
		problems = append(problems, "authority is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// CreateMarket validates the market, moves the funding into its vault and
// enqueues init_market_stats. The market stays inactive until the init
// computation commits. Nothing is written when validation fails.
func (s *MarketService) CreateMarket(ctx context.Context, in CreateMarketInput) (domain.Market, domain.PendingComputation, error) {
	if err := s.validateCreate(in); err != nil {
		return domain.Market{}, domain.PendingComputation{}, fmt.Errorf("market_service: create: %w", err)
	}
	required, err := s.RequiredFunding(in.Liquidity)
	if err != nil {
		return domain.Market{}, domain.PendingComputation{}, fmt.Errorf("market_service: create: %w", err)
	}
	if in.Funding < required {
		return domain.Market{}, domain.PendingComputation{}, fmt.Errorf("market_service: create: %w: funding %d below required %d",
			domain.ErrInvalidInput, in.Funding, required)
	}

	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	now := s.now()
	m := domain.Market{
		ID:                 uuid.NewSHA1(marketNamespace, []byte(in.RequestID)).String(),
		Question:           strings.TrimSpace(in.Question),
		Options:            [2]string{strings.TrimSpace(in.Options[0]), strings.TrimSpace(in.Options[1])},
		Authority:          domain.NormalizeAddress(in.Authority),
		LiquidityParameter: in.Liquidity,
		ShareUnit:          s.cfg.ShareUnit,
		PayoutPerShare:     s.cfg.PayoutPerShare,
		TokenDecimals:      s.cfg.TokenDecimals,
		Status:             domain.MarketStatusInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var staged []domain.Event
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: in.RequestID,
		Kind:      domain.KindInitMarketStats,
		MarketID:  m.ID,
		Owner:     m.Authority,
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			if err := tx.CreateMarket(ctx, m); err != nil {
				return err
			}
			if err := tx.Transfer(ctx, domain.WalletAccount(m.Authority), m.Vault(), in.Funding); err != nil {
				return err
			}
			created := s.event(m.ID, domain.EventMarketCreated, in.RequestID, m.Authority)
			created.Status = string(m.Status)
			funded := s.event(m.ID, domain.EventMarketFunded, in.RequestID, m.Authority)
			funded.Amount = in.Funding
			staged = []domain.Event{created, funded}
			for _, ev := range staged {
				if err := tx.AppendEvent(ctx, ev); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		return domain.Market{}, domain.PendingComputation{}, fmt.Errorf("market_service: create: %w", err)
	}
	s.publish(ctx, staged)
	if len(staged) > 0 && s.metrics != nil {
		s.metrics.TokensMoved.WithLabelValues("fund").Add(float64(in.Funding))
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("authority", m.Authority),
		slog.Uint64("liquidity", m.LiquidityParameter),
		slog.Uint64("funding", in.Funding),
	)

	stored, err := s.ledger.GetMarket(ctx, m.ID)
	if err != nil {
		return domain.Market{}, domain.PendingComputation{}, fmt.Errorf("market_service: create: %w", err)
	}
	return stored, p, nil
}

// FundMarket tops up the vault of an unsettled market from the authority
// wallet.
func (s *MarketService) FundMarket(ctx context.Context, authority, marketID string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("market_service: fund: %w: amount must be positive", domain.ErrInvalidInput)
	}
	var (
		vault uint64
		ev    domain.Event
	)
	err := s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.Market(ctx, marketID)
		if err != nil {
			return err
		}
		if err := authorize(m, authority); err != nil {
			return err
		}
		if m.Status == domain.MarketStatusSettled {
			return precondition("market %s is settled", m.ID)
		}
		if err := tx.Transfer(ctx, domain.WalletAccount(m.Authority), m.Vault(), amount); err != nil {
			return err
		}
		ev = s.event(m.ID, domain.EventMarketFunded, "", m.Authority)
		ev.Amount = amount
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		vault, err = tx.Balance(ctx, m.Vault())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("market_service: fund %s: %w", marketID, err)
	}
	s.publish(ctx, []domain.Event{ev})
	if s.metrics != nil {
		s.metrics.TokensMoved.WithLabelValues("fund").Add(float64(amount))
	}
	return vault, nil
}

// SettleMarket closes trading, fixes the winner and enqueues the final
// reveal. Trades still queued behind the settlement are rejected when they
// reach the head of the market queue. Settling again with the same winner
// while the final reveal has not committed, for instance after it aborted,
// enqueues the reveal again without touching the market.
func (s *MarketService) SettleMarket(ctx context.Context, requestID, authority, marketID string, winner domain.Outcome) (domain.PendingComputation, error) {
	if !winner.Valid() {
		return domain.PendingComputation{}, fmt.Errorf("market_service: settle: %w: invalid outcome %d", domain.ErrInvalidInput, winner)
	}
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: requestID,
		Kind:      domain.KindRevealMarket,
		MarketID:  marketID,
		Owner:     domain.NormalizeAddress(authority),
		Args:      domain.ComputationArgs{Winner: &winner},
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			m, err := tx.Market(ctx, marketID)
			if err != nil {
				return err
			}
			if err := authorize(m, authority); err != nil {
				return err
			}
			if retryable(m, winner) {
				return nil
			}
			if err := tradeable(m); err != nil {
				return err
			}
			now := s.now()
			w := winner
			m.Status = domain.MarketStatusSettled
			m.WinningOutcome = &w
			m.SettledAt = &now
			m.UpdatedAt = now
			return tx.SaveMarket(ctx, m)
		},
	})
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("market_service: settle %s: %w", marketID, err)
	}
	s.invalidate(ctx, marketID)
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", marketID),
		slog.String("winner", winner.String()),
	)
	return p, nil
}

// retryable reports whether m is settled on winner but still waits for its
// final reveal.
func retryable(m domain.Market, winner domain.Outcome) bool {
	return m.Status == domain.MarketStatusSettled &&
		m.WinningOutcome != nil && *m.WinningOutcome == winner &&
		!m.FinalRevealed
}

// RevealProbs enqueues a probability reveal. Reveals are rate limited per
// market: a request is refused unless more than the reveal interval has
// passed since the previous request.
func (s *MarketService) RevealProbs(ctx context.Context, requestID, marketID string) (domain.PendingComputation, error) {
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: requestID,
		Kind:      domain.KindRevealProbs,
		MarketID:  marketID,
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			m, err := tx.Market(ctx, marketID)
			if err != nil {
				return err
			}
			if err := tradeable(m); err != nil {
				return err
			}
			now := s.now()
			if m.LastRevealRequest != nil && now.Sub(*m.LastRevealRequest) <= s.cfg.RevealInterval {
				if s.metrics != nil {
					s.metrics.RevealsRateLimited.WithLabelValues(m.ID).Inc()
				}
				wait := s.cfg.RevealInterval - now.Sub(*m.LastRevealRequest)
				return fmt.Errorf("%w: next reveal in %s", domain.ErrRateLimited, wait.Round(time.Second))
			}
			m.LastRevealRequest = &now
			m.UpdatedAt = now
			return tx.SaveMarket(ctx, m)
		},
	})
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("market_service: reveal %s: %w", marketID, err)
	}
	return p, nil
}

// ClaimMarketFunds pays the authority whatever the vault holds beyond what
// participants can still claim or withdraw. It requires the final reveal,
// which fixes the winning liability, and can be done once.
func (s *MarketService) ClaimMarketFunds(ctx context.Context, authority, marketID string) (uint64, error) {
	var (
		surplus uint64
		ev      domain.Event
	)
	err := s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.Market(ctx, marketID)
		if err != nil {
			return err
		}
		if err := authorize(m, authority); err != nil {
			return err
		}
		if m.Status != domain.MarketStatusSettled || m.WinningOutcome == nil || !m.FinalRevealed {
			return precondition("market %s has not completed settlement", m.ID)
		}
		if m.FundsClaimed {
			return precondition("market %s funds already claimed", m.ID)
		}

		liability, err := winningLiability(m.RevealedTally[*m.WinningOutcome], m.PayoutPerShare, m.ShareUnit)
		if err != nil {
			return err
		}
		if m.RewardsClaimed > liability {
			liability = 0
		} else {
			liability -= m.RewardsClaimed
		}
		owed, err := tx.SumPositionBalances(ctx, m.ID)
		if err != nil {
			return err
		}
		vault, err := tx.Balance(ctx, m.Vault())
		if err != nil {
			return err
		}
		if vault > liability && vault-liability > owed {
			surplus = vault - liability - owed
		}

		if surplus > 0 {
			if err := tx.Transfer(ctx, m.Vault(), domain.WalletAccount(m.Authority), surplus); err != nil {
				return err
			}
		}
		now := s.now()
		m.FundsClaimed = true
		m.UpdatedAt = now
		if err := tx.SaveMarket(ctx, m); err != nil {
			return err
		}
		ev = s.event(m.ID, domain.EventMarketFundsClaimed, "", m.Authority)
		ev.Amount = surplus
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return 0, fmt.Errorf("market_service: claim funds %s: %w", marketID, err)
	}
	s.publish(ctx, []domain.Event{ev})
	if s.metrics != nil {
		s.metrics.TokensMoved.WithLabelValues("claim_funds").Add(float64(surplus))
	}
	return surplus, nil
}

// GetMarket returns the public market view, from the cache when possible.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns markets newest first.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.ledger.ListMarkets(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// Events returns the stored events of a market.
func (s *MarketService) Events(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	if _, err := s.ledger.GetMarket(ctx, marketID); err != nil {
		return nil, fmt.Errorf("market_service: events %s: %w", marketID, err)
	}
	events, err := s.ledger.ListEvents(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: events %s: %w", marketID, err)
	}
	return events, nil
}

// ComputationStatus describes a computation by request id. Exactly one of
// Pending and Result is set.
type ComputationStatus struct {
	Pending *domain.PendingComputation `json:"pending,omitempty"`
	Result  *domain.ComputationResult  `json:"result,omitempty"`
}

// Computation returns the state of a computation.
func (s *MarketService) Computation(ctx context.Context, requestID string) (ComputationStatus, error) {
	res, err := s.ledger.GetResult(ctx, requestID)
	if err == nil {
		return ComputationStatus{Result: &res}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ComputationStatus{}, fmt.Errorf("market_service: computation %s: %w", requestID, err)
	}
	p, err := s.ledger.GetPending(ctx, requestID)
	if err != nil {
		return ComputationStatus{}, fmt.Errorf("market_service: computation %s: %w", requestID, err)
	}
	// Sealed arguments stay out of status responses.
	p.Args.Vote = nil
	return ComputationStatus{Pending: &p}, nil
}

func (s *MarketService) event(marketID string, kind domain.EventKind, requestID, owner string) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		MarketID:  marketID,
		Kind:      kind,
		RequestID: requestID,
		Owner:     owner,
		CreatedAt: s.now(),
	}
}

func (s *MarketService) publish(ctx context.Context, events []domain.Event) {
	if s.publisher != nil && len(events) > 0 {
		s.publisher.PublishEvents(ctx, events)
	}
}

func (s *MarketService) invalidate(ctx context.Context, marketID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func authorize(m domain.Market, caller string) error {
	if domain.NormalizeAddress(caller) != m.Authority {
		return fmt.Errorf("%w: %s is not the authority of market %s", domain.ErrUnauthorized, caller, m.ID)
	}
	return nil
}
