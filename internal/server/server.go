// Package server exposes the market API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/metrics"
	"github.com/alanyoungcy/arxpredict/internal/server/handler"
	"github.com/alanyoungcy/arxpredict/internal/server/middleware"
	"github.com/alanyoungcy/arxpredict/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health, metrics and the cluster key.
	// Empty disables the check.
	APIKey string
	// RequireSignatures refuses unsigned mutating requests.
	RequireSignatures bool
	// SignatureMaxAge bounds the age of a signed request. Zero uses the
	// middleware default.
	SignatureMaxAge time.Duration
	RateLimit       int
	RateWindow      time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Trades  *handler.TradeHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain
// CORS, logging, API key, rate limit, signature. limiter, replay and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, replay domain.ReplayGuard, m *metrics.Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/mxe/pubkey", handlers.Health.PublicKey)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/events", handlers.Markets.ListEvents)
	mux.HandleFunc("POST /api/markets/{id}/fund", handlers.Markets.FundMarket)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Markets.SettleMarket)
	mux.HandleFunc("POST /api/markets/{id}/reveal", handlers.Markets.RevealProbs)
	mux.HandleFunc("POST /api/markets/{id}/claim-funds", handlers.Markets.ClaimMarketFunds)
	mux.HandleFunc("GET /api/computations/{id}", handlers.Markets.GetComputation)

	mux.HandleFunc("POST /api/markets/{id}/positions", handlers.Trades.CreatePosition)
	mux.HandleFunc("GET /api/markets/{id}/positions/{owner}", handlers.Trades.GetPosition)
	mux.HandleFunc("POST /api/markets/{id}/buy", handlers.Trades.BuyShares)
	mux.HandleFunc("POST /api/markets/{id}/sell", handlers.Trades.SellShares)
	mux.HandleFunc("POST /api/markets/{id}/claim", handlers.Trades.ClaimRewards)
	mux.HandleFunc("POST /api/markets/{id}/withdraw", handlers.Trades.Withdraw)
	mux.HandleFunc("GET /api/accounts/{address}", handlers.Trades.GetAccount)
	mux.HandleFunc("POST /api/accounts/{address}/deposit", handlers.Trades.Deposit)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	route := func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		return pattern
	}

	// Applied inside out: the last wrap runs first.
	var h http.Handler = mux
	h = middleware.Signature(middleware.SignatureConfig{
		Required: cfg.RequireSignatures,
		MaxAge:   cfg.SignatureMaxAge,
		Replay:   replay,
		Logger:   logger,
	})(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/api/mxe/pubkey", "/metrics")(h)
	h = middleware.Logging(logger, m, route)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
