package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/service"
)

// MarketService defines the methods the market handler requires from the
// service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, in service.CreateMarketInput) (domain.Market, domain.PendingComputation, error)
	FundMarket(ctx context.Context, authority, marketID string, amount uint64) (uint64, error)
	SettleMarket(ctx context.Context, requestID, authority, marketID string, winner domain.Outcome) (domain.PendingComputation, error)
	RevealProbs(ctx context.Context, requestID, marketID string) (domain.PendingComputation, error)
	ClaimMarketFunds(ctx context.Context, authority, marketID string) (uint64, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Events(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error)
	Computation(ctx context.Context, requestID string) (service.ComputationStatus, error)
}

// MarketHandler serves market endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

type createMarketRequest struct {
	RequestID string    `json:"request_id"`
	Authority string    `json:"authority" validate:"omitempty,eth_addr"`
	Question  string    `json:"question"  validate:"required,max=50"`
	Options   [2]string `json:"options"   validate:"dive,required,max=20"`
	Liquidity uint64    `json:"liquidity" validate:"required"`
	Funding   uint64    `json:"funding"   validate:"required"`
}

type createMarketResponse struct {
	accepted
	Market domain.Market `json:"market"`
}

// CreateMarket funds and creates a market, then enqueues its initial state.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	authority, err := actor(r, req.Authority)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}

	m, p, err := h.markets.CreateMarket(r.Context(), service.CreateMarketInput{
		RequestID: requestID(r, req.RequestID),
		Authority: authority,
		Question:  req.Question,
		Options:   req.Options,
		Liquidity: req.Liquidity,
		Funding:   req.Funding,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusAccepted, createMarketResponse{
		accepted: accepted{
			RequestID: p.RequestID,
			MarketID:  m.ID,
			Kind:      string(p.Kind),
			Status:    string(p.Status),
		},
		Market: m,
	})
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets, newest first.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

// GetMarket returns the public view of a market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListEvents returns a market's events in commit order.
// GET /api/markets/{id}/events?since=...&until=...
func (h *MarketHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.markets.Events(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type fundRequest struct {
	Authority string `json:"authority" validate:"omitempty,eth_addr"`
	Amount    uint64 `json:"amount"    validate:"required"`
}

// FundMarket tops up a market vault from the authority wallet.
// POST /api/markets/{id}/fund
func (h *MarketHandler) FundMarket(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "fund market", err)
		return
	}
	authority, err := actor(r, req.Authority)
	if err != nil {
		writeServiceError(w, r, h.logger, "fund market", err)
		return
	}
	vault, err := h.markets.FundMarket(r.Context(), authority, r.PathValue("id"), req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "fund market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_balance": vault})
}

type settleRequest struct {
	RequestID string `json:"request_id"`
	Authority string `json:"authority" validate:"omitempty,eth_addr"`
	Winner    *uint8 `json:"winner"    validate:"required,max=1"`
}

// SettleMarket fixes the winning outcome and enqueues the final reveal.
// POST /api/markets/{id}/settle
func (h *MarketHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	authority, err := actor(r, req.Authority)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	p, err := h.markets.SettleMarket(r.Context(), requestID(r, req.RequestID), authority, r.PathValue("id"), domain.Outcome(*req.Winner))
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	writeAccepted(w, p)
}

type revealRequest struct {
	RequestID string `json:"request_id"`
}

// RevealProbs enqueues a probability reveal. The body is optional.
// POST /api/markets/{id}/reveal
func (h *MarketHandler) RevealProbs(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeServiceError(w, r, h.logger, "reveal", err)
		return
	}
	p, err := h.markets.RevealProbs(r.Context(), requestID(r, req.RequestID), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			w.Header().Set("Retry-After", "60")
		}
		writeServiceError(w, r, h.logger, "reveal", err)
		return
	}
	writeAccepted(w, p)
}

type claimFundsRequest struct {
	Authority string `json:"authority" validate:"omitempty,eth_addr"`
}

// ClaimMarketFunds pays the vault surplus of a settled market to its
// authority.
// POST /api/markets/{id}/claim-funds
func (h *MarketHandler) ClaimMarketFunds(w http.ResponseWriter, r *http.Request) {
	var req claimFundsRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeServiceError(w, r, h.logger, "claim funds", err)
		return
	}
	authority, err := actor(r, req.Authority)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim funds", err)
		return
	}
	amount, err := h.markets.ClaimMarketFunds(r.Context(), authority, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "claim funds", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": amount})
}

// GetComputation reports a computation as pending or completed.
// GET /api/computations/{id}
func (h *MarketHandler) GetComputation(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.Computation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get computation", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
