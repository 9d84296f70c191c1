package handler

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check and cluster key endpoints.
type HealthHandler struct {
	checks    map[string]Check
	publicKey string
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. publicKey is the cluster key
// participants seal their votes to.
func NewHealthHandler(checks map[string]Check, publicKey [32]byte, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		publicKey: hex.EncodeToString(publicKey[:]),
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck runs every dependency check and answers 503 when any fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// PublicKey returns the cluster X25519 public key, hex encoded.
// GET /api/mxe/pubkey
func (h *HealthHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}
