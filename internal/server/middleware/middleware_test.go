package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/crypto"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example/"})(ok())

	t.Run("allowed preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SignatureHeader)
	})

	t.Run("foreign preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("same origin request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthAcceptsEveryConfiguredKey(t *testing.T) {
	h := Auth("old-key, new-key", "/api/health")(ok())

	for _, tc := range []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"old key", "X-API-Key", "old-key", http.StatusOK},
		{"new key as bearer", "Authorization", "Bearer new-key", http.StatusOK},
		{"wrong key", "X-API-Key", "other", http.StatusUnauthorized},
		{"no key", "", "", http.StatusUnauthorized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type countingLimiter struct {
	counts map[string]int
	err    error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

func TestRateLimitSeparatesReadsAndWrites(t *testing.T) {
	lim := &countingLimiter{counts: map[string]int{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RateLimit(lim, 1, 30*time.Second, logger)(ok())

	send := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/markets", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send(http.MethodGet).Code)
	assert.Equal(t, http.StatusOK, send(http.MethodPost).Code)

	rec := send(http.MethodGet)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, lim.counts["api:read:10.0.0.1"])

	lim.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, send(http.MethodGet).Code)
}

type onceGuard map[string]bool

func (g onceGuard) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if g[key] {
		return false, nil
	}
	g[key] = true
	return true, nil
}

func signedRequest(t *testing.T, s *crypto.Signer, ts time.Time, method, uri, body string) *http.Request {
	t.Helper()
	sig, err := s.Sign(SigningPayload(ts.Unix(), method, uri, []byte(body)))
	require.NoError(t, err)
	req := httptest.NewRequest(method, uri, strings.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	return req
}

func TestSignatureRecoversSigner(t *testing.T) {
	s, err := crypto.NewSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	var seen, body, digest string
	h := Signature(SignatureConfig{
		Required: true,
		Now:      func() time.Time { return now },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Signer(r.Context())
		digest, _ = SignedDigest(r.Context())
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
	}))

	payload := `{"market_id":"m1"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, s, now, http.MethodPost, "/api/positions", payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.Address(), seen)
	assert.Equal(t, payload, body)
	first := digest

	// Without a replay guard a resend passes through with the same digest,
	// which the handlers turn into the same request id.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, s, now, http.MethodPost, "/api/positions", payload))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, digest)

	unsigned := httptest.NewRecorder()
	h.ServeHTTP(unsigned, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(payload)))
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	tampered := signedRequest(t, s, now, http.MethodPost, "/api/positions", payload)
	tampered.Body = io.NopCloser(strings.NewReader(`{"market_id":"m2"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, tampered)
	// A different body recovers a different address rather than failing.
	assert.NotEqual(t, s.Address(), seen)
}

func TestSignatureBindsRouteTimeAndUse(t *testing.T) {
	s, err := crypto.NewSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	var seen string
	h := Signature(SignatureConfig{
		Required: true,
		MaxAge:   time.Minute,
		Replay:   onceGuard{},
		Now:      func() time.Time { return now },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Signer(r.Context())
	}))

	serve := func(req *http.Request) int {
		seen = ""
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	body := `{"owner":"` + s.Address() + `"}`

	assert.Equal(t, http.StatusOK, serve(signedRequest(t, s, now, http.MethodPost, "/api/markets/m1/claim", body)))
	assert.Equal(t, s.Address(), seen)

	t.Run("resend is refused", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, serve(signedRequest(t, s, now, http.MethodPost, "/api/markets/m1/claim", body)))
	})

	t.Run("signature moved to another route", func(t *testing.T) {
		moved := signedRequest(t, s, now, http.MethodPost, "/api/markets/m1/claim", body)
		moved.URL.Path = "/api/markets/m2/claim"
		moved.RequestURI = moved.URL.Path
		assert.Equal(t, http.StatusOK, serve(moved))
		assert.NotEqual(t, s.Address(), seen)
	})

	t.Run("stale or future timestamp", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized,
			serve(signedRequest(t, s, now.Add(-2*time.Minute), http.MethodPost, "/api/markets/m1/sell", body)))
		assert.Equal(t, http.StatusUnauthorized,
			serve(signedRequest(t, s, now.Add(2*time.Minute), http.MethodPost, "/api/markets/m1/sell", body)))
	})

	t.Run("missing timestamp", func(t *testing.T) {
		req := signedRequest(t, s, now, http.MethodPost, "/api/markets/m1/buy", body)
		req.Header.Del(TimestampHeader)
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("reads are not consumed", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(signedRequest(t, s, now, http.MethodGet, "/api/markets/m1", "")))
		assert.Equal(t, http.StatusOK, serve(signedRequest(t, s, now, http.MethodGet, "/api/markets/m1", "")))
	})
}

type failingGuard struct{}

func (failingGuard) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestSignatureFailsClosedWithoutReplayGuard(t *testing.T) {
	s, err := crypto.NewSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	h := Signature(SignatureConfig{
		Replay: failingGuard{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})(ok())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, s, time.Now(), http.MethodPost, "/api/markets/m1/withdraw", `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
