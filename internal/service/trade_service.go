package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arxpredict/internal/coordinator"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
)

// TradeInput describes a buy or sell. Vote is the outcome selector sealed
// for the cluster key; the service never sees which outcome is traded.
type TradeInput struct {
	RequestID string
	MarketID  string
	Owner     string
	Shares    uint64
	Vote      []byte
}

// PositionView is the public part of a position. Share holdings are sealed
// and never included.
type PositionView struct {
	MarketID    string    `json:"market_id"`
	Owner       string    `json:"owner"`
	Balance     uint64    `json:"balance"`
	Nonce       string    `json:"nonce,omitempty"`
	Initialized bool      `json:"initialized"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TradeService handles participant positions, trades, claims and token
// movements.
type TradeService struct {
	ledger    domain.Ledger
	queue     Enqueuer
	publisher coordinator.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewTradeService creates a TradeService. publisher may be nil.
func NewTradeService(
	ledger domain.Ledger,
	queue Enqueuer,
	publisher coordinator.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		ledger:    ledger,
		queue:     queue,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(slog.String("component", "trade_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreatePosition opens the owner's position in a market and enqueues
// init_user_position. Each owner has at most one position per market.
func (s *TradeService) CreatePosition(ctx context.Context, requestID, marketID, owner string) (domain.PendingComputation, error) {
	if owner == "" {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: create position: %w: owner is required", domain.ErrInvalidInput)
	}
	owner = domain.NormalizeAddress(owner)
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: requestID,
		Kind:      domain.KindInitUserPosition,
		MarketID:  marketID,
		Owner:     owner,
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			m, err := tx.Market(ctx, marketID)
			if err != nil {
				return err
			}
			if m.Status == domain.MarketStatusSettled {
				return precondition("market %s is settled", m.ID)
			}
			now := s.now()
			return tx.CreatePosition(ctx, domain.UserPosition{
				MarketID:  m.ID,
				Owner:     owner,
				CreatedAt: now,
				UpdatedAt: now,
			})
		},
	})
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: create position %s: %w", marketID, err)
	}
	return p, nil
}

// BuyShares enqueues a buy. The price is charged to the owner's wallet when
// the computation commits.
func (s *TradeService) BuyShares(ctx context.Context, in TradeInput) (domain.PendingComputation, error) {
	return s.trade(ctx, domain.KindBuyShares, in)
}

// SellShares enqueues a sell. The refund is credited to the position
// balance when the computation commits.
func (s *TradeService) SellShares(ctx context.Context, in TradeInput) (domain.PendingComputation, error) {
	return s.trade(ctx, domain.KindSellShares, in)
}

func (s *TradeService) trade(ctx context.Context, kind domain.ComputationKind, in TradeInput) (domain.PendingComputation, error) {
	if in.Shares == 0 {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: %s: %w: shares must be positive", kind, domain.ErrInvalidInput)
	}
	if len(in.Vote) == 0 {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: %s: %w: vote is required", kind, domain.ErrInvalidInput)
	}
	owner := domain.NormalizeAddress(in.Owner)
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: in.RequestID,
		Kind:      kind,
		MarketID:  in.MarketID,
		Owner:     owner,
		Args:      domain.ComputationArgs{Shares: in.Shares, Vote: in.Vote},
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			m, err := tx.Market(ctx, in.MarketID)
			if err != nil {
				return err
			}
			// An inactive market may still be waiting for its init
			// computation, which is ahead of this trade in the queue.
			if m.Status == domain.MarketStatusSettled {
				return precondition("market %s is settled", m.ID)
			}
			_, err = tx.Position(ctx, in.MarketID, owner)
			return err
		},
	})
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: %s %s: %w", kind, in.MarketID, err)
	}
	s.logger.InfoContext(ctx, "trade enqueued",
		slog.String("request_id", p.RequestID),
		slog.String("kind", string(kind)),
		slog.String("market_id", in.MarketID),
		slog.String("owner", owner),
		slog.Uint64("shares", in.Shares),
	)
	return p, nil
}

// ClaimRewards enqueues a reward claim on a settled market.
func (s *TradeService) ClaimRewards(ctx context.Context, requestID, marketID, owner string) (domain.PendingComputation, error) {
	owner = domain.NormalizeAddress(owner)
	p, err := s.queue.Enqueue(ctx, coordinator.Request{
		RequestID: requestID,
		Kind:      domain.KindClaimRewards,
		MarketID:  marketID,
		Owner:     owner,
		Stage: func(ctx context.Context, tx domain.LedgerTx) error {
			m, err := tx.Market(ctx, marketID)
			if err != nil {
				return err
			}
			if m.Status != domain.MarketStatusSettled {
				return precondition("market %s is not settled", m.ID)
			}
			_, err = tx.Position(ctx, marketID, owner)
			return err
		},
	})
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("trade_service: claim %s: %w", marketID, err)
	}
	return p, nil
}

// Withdraw moves amount of the position balance from the market vault to
// the owner's wallet and returns the remaining balance.
func (s *TradeService) Withdraw(ctx context.Context, marketID, owner string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("trade_service: withdraw: %w: amount must be positive", domain.ErrInvalidInput)
	}
	owner = domain.NormalizeAddress(owner)
	var (
		remaining uint64
		ev        domain.Event
	)
	err := s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.Market(ctx, marketID); err != nil {
			return err
		}
		pos, err := tx.Position(ctx, marketID, owner)
		if err != nil {
			return err
		}
		if amount > pos.Balance {
			return fmt.Errorf("%w: balance %d below %d", domain.ErrInsufficientFunds, pos.Balance, amount)
		}
		if err := tx.Transfer(ctx, domain.VaultAccount(marketID), domain.WalletAccount(owner), amount); err != nil {
			return err
		}
		pos.Balance -= amount
		pos.UpdatedAt = s.now()
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		remaining = pos.Balance

		ev = domain.Event{
			ID:        uuid.NewString(),
			MarketID:  marketID,
			Kind:      domain.EventFundsWithdrawn,
			Owner:     owner,
			Amount:    amount,
			CreatedAt: pos.UpdatedAt,
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return 0, fmt.Errorf("trade_service: withdraw %s: %w", marketID, err)
	}
	if s.publisher != nil {
		s.publisher.PublishEvents(ctx, []domain.Event{ev})
	}
	if s.metrics != nil {
		s.metrics.TokensMoved.WithLabelValues("withdraw").Add(float64(amount))
	}
	return remaining, nil
}

// Deposit credits an address's wallet from the external token system and
// returns the new wallet balance.
func (s *TradeService) Deposit(ctx context.Context, address string, amount uint64) (uint64, error) {
	if address == "" || amount == 0 {
		return 0, fmt.Errorf("trade_service: deposit: %w: address and a positive amount are required", domain.ErrInvalidInput)
	}
	account := domain.WalletAccount(address)
	var balance uint64
	err := s.ledger.Update(ctx, func(tx domain.LedgerTx) error {
		if err := tx.Credit(ctx, account, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(ctx, account)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("trade_service: deposit: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TokensMoved.WithLabelValues("deposit").Add(float64(amount))
	}
	s.logger.InfoContext(ctx, "deposit credited",
		slog.String("account", account),
		slog.Uint64("amount", amount),
	)
	return balance, nil
}

// WalletBalance returns the token balance of an address.
func (s *TradeService) WalletBalance(ctx context.Context, address string) (uint64, error) {
	bal, err := s.ledger.Balance(ctx, domain.WalletAccount(address))
	if err != nil {
		return 0, fmt.Errorf("trade_service: balance: %w", err)
	}
	return bal, nil
}

// Position returns the public view of a position.
func (s *TradeService) Position(ctx context.Context, marketID, owner string) (PositionView, error) {
	pos, err := s.ledger.GetPosition(ctx, marketID, owner)
	if err != nil {
		return PositionView{}, fmt.Errorf("trade_service: position %s: %w", marketID, err)
	}
	view := PositionView{
		MarketID:    pos.MarketID,
		Owner:       pos.Owner,
		Balance:     pos.Balance,
		Initialized: pos.Initialized(),
		UpdatedAt:   pos.UpdatedAt,
	}
	if view.Initialized {
		view.Nonce = pos.State.Nonce.String()
	}
	return view, nil
}
