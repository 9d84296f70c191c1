package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/service"
)

// TradeService defines the methods the trade handler requires from the
// service layer.
type TradeService interface {
	CreatePosition(ctx context.Context, requestID, marketID, owner string) (domain.PendingComputation, error)
	BuyShares(ctx context.Context, in service.TradeInput) (domain.PendingComputation, error)
	SellShares(ctx context.Context, in service.TradeInput) (domain.PendingComputation, error)
	ClaimRewards(ctx context.Context, requestID, marketID, owner string) (domain.PendingComputation, error)
	Withdraw(ctx context.Context, marketID, owner string, amount uint64) (uint64, error)
	Deposit(ctx context.Context, address string, amount uint64) (uint64, error)
	WalletBalance(ctx context.Context, address string) (uint64, error)
	Position(ctx context.Context, marketID, owner string) (service.PositionView, error)
}

// TradeHandler serves position, trade and token account endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger.With(slog.String("handler", "trade")),
	}
}

type ownerRequest struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner" validate:"omitempty,eth_addr"`
}

// CreatePosition opens the caller's position in a market.
// POST /api/markets/{id}/positions
func (h *TradeHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, "create position", h.trades.CreatePosition)
}

// ClaimRewards credits the caller's winnings to the position balance.
// POST /api/markets/{id}/claim
func (h *TradeHandler) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, "claim rewards", h.trades.ClaimRewards)
}

func (h *TradeHandler) ownerAction(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, requestID, marketID, owner string) (domain.PendingComputation, error),
) {
	var req ownerRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	owner, err := actor(r, req.Owner)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	p, err := fn(r.Context(), requestID(r, req.RequestID), r.PathValue("id"), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeAccepted(w, p)
}

// GetPosition returns the public part of a position.
// GET /api/markets/{id}/positions/{owner}
func (h *TradeHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := h.trades.Position(r.Context(), r.PathValue("id"), r.PathValue("owner"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type tradeRequest struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"  validate:"omitempty,eth_addr"`
	Shares    uint64 `json:"shares" validate:"required"`
	// Vote is the outcome selector sealed to the cluster public key,
	// base64 encoded.
	Vote []byte `json:"vote" validate:"required"`
}

// BuyShares enqueues a confidential buy.
// POST /api/markets/{id}/buy
func (h *TradeHandler) BuyShares(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "buy", h.trades.BuyShares)
}

// SellShares enqueues a confidential sell.
// POST /api/markets/{id}/sell
func (h *TradeHandler) SellShares(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "sell", h.trades.SellShares)
}

func (h *TradeHandler) trade(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(context.Context, service.TradeInput) (domain.PendingComputation, error),
) {
	var req tradeRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	owner, err := actor(r, req.Owner)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	p, err := fn(r.Context(), service.TradeInput{
		RequestID: requestID(r, req.RequestID),
		MarketID:  r.PathValue("id"),
		Owner:     owner,
		Shares:    req.Shares,
		Vote:      req.Vote,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeAccepted(w, p)
}

type amountRequest struct {
	Owner  string `json:"owner"  validate:"omitempty,eth_addr"`
	Amount uint64 `json:"amount" validate:"required"`
}

// Withdraw moves part of the position balance to the caller's wallet.
// POST /api/markets/{id}/withdraw
func (h *TradeHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	owner, err := actor(r, req.Owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	remaining, err := h.trades.Withdraw(r.Context(), r.PathValue("id"), owner, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": remaining})
}

type depositRequest struct {
	Amount uint64 `json:"amount" validate:"required"`
}

// Deposit credits a wallet from the external token system.
// POST /api/accounts/{address}/deposit
func (h *TradeHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	balance, err := h.trades.Deposit(r.Context(), r.PathValue("address"), req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

// GetAccount returns a wallet balance.
// GET /api/accounts/{address}
func (h *TradeHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	balance, err := h.trades.WalletBalance(r.Context(), address)
	if err != nil {
		writeServiceError(w, r, h.logger, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": domain.NormalizeAddress(address),
		"balance": balance,
	})
}
