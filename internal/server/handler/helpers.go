// Package handler implements the HTTP endpoints. Mutating calls enqueue a
// confidential computation and answer 202 with the request id; the outcome
// is read back from /api/computations/{id} or the event stream.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/alanyoungcy/arxpredict/internal/crypto"
	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrAmountConversion):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, crypto.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrStaleNonce):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPreconditionViolated):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAbortedComputation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs unexpected failures and answers with the mapped
// status. Client errors carry the error text.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into dst and validates it. An empty body
// yields an error matching io.EOF.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body: %w", domain.ErrInvalidInput, err)
		}
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// requestID returns the client-supplied id. Clients that retry with the same
// id get the original computation back. A signed request without one is
// keyed on its signed payload, so resending it lands on the same
// computation. Only unsigned requests get a fresh id.
func requestID(r *http.Request, id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if digest, ok := middleware.SignedDigest(r.Context()); ok {
		return "sig-" + digest[:32]
	}
	return uuid.NewString()
}

// actor resolves who is acting. A signed request acts as the recovered
// address and claimed, when present, must match it. Unsigned requests act as
// claimed.
func actor(r *http.Request, claimed string) (string, error) {
	if signer, ok := middleware.Signer(r.Context()); ok {
		if claimed != "" && !strings.EqualFold(claimed, signer) {
			return "", fmt.Errorf("%w: signed by %s, not %s", domain.ErrUnauthorized, signer, claimed)
		}
		return signer, nil
	}
	if claimed == "" {
		return "", fmt.Errorf("%w: no acting address", domain.ErrInvalidInput)
	}
	return claimed, nil
}

// parseListOpts reads limit, offset, since and until from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

// accepted is the body of a 202 response.
type accepted struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

func writeAccepted(w http.ResponseWriter, p domain.PendingComputation) {
	writeJSON(w, http.StatusAccepted, accepted{
		RequestID: p.RequestID,
		MarketID:  p.MarketID,
		Kind:      string(p.Kind),
		Status:    string(p.Status),
	})
}
