package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/crypto"
	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const (
	// SignatureHeader carries an EIP-191 signature over SigningPayload.
	SignatureHeader = "X-Signature"
	// TimestampHeader carries the unix second the request was signed at.
	TimestampHeader = "X-Signature-Timestamp"

	// DefaultSignatureMaxAge bounds clock skew in either direction.
	DefaultSignatureMaxAge = 5 * time.Minute
)

const maxSignedBody = 1 << 20

// SigningPayload is the message a client signs: the timestamp, then the
// method and request URI, then the raw body.
//
//	<unix seconds>\n<METHOD> <path?query>\n<body>
func SigningPayload(ts int64, method, uri string, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(body) + len(uri) + 32)
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(uri)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// SignatureConfig tunes the Signature middleware.
type SignatureConfig struct {
	// Required refuses mutating requests without a signature.
	Required bool
	// MaxAge is how far the signed timestamp may drift from now. Zero means
	// DefaultSignatureMaxAge.
	MaxAge time.Duration
	// Replay, when set, refuses a second use of one signed mutating request.
	Replay domain.ReplayGuard
	Now    func() time.Time
	Logger *slog.Logger
}

type signerKey struct{}

type signedKey struct{}

// Signer returns the address recovered from the request signature.
func Signer(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(signerKey{}).(string)
	return addr, ok && addr != ""
}

// WithSigner returns ctx carrying addr as the request signer.
func WithSigner(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, signerKey{}, addr)
}

// SignedDigest returns the hex digest of the signer and signed payload. It
// is stable across resends of one signed request.
func SignedDigest(ctx context.Context) (string, bool) {
	d, ok := ctx.Value(signedKey{}).(string)
	return d, ok && d != ""
}

func mutating(method string) bool {
	return method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions
}

// Signature recovers the signer of every request carrying X-Signature and
// stores the address in the request context. The signature covers the
// timestamp, method, URI and body, so it cannot be moved to another route
// or resent once the timestamp is stale. Within the window the replay guard
// refuses a second use.
func Signature(cfg SignatureConfig) func(http.Handler) http.Handler {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSignatureMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(SignatureHeader)
			if sig == "" {
				if cfg.Required && mutating(r.Method) {
					writeUnauthorized(w, "missing request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(TimestampHeader)), 10, 64)
			if err != nil {
				writeUnauthorized(w, "missing or malformed "+TimestampHeader)
				return
			}
			if skew := cfg.Now().Sub(time.Unix(ts, 0)); skew > cfg.MaxAge || skew < -cfg.MaxAge {
				writeUnauthorized(w, "request signature expired")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			payload := SigningPayload(ts, r.Method, r.URL.RequestURI(), body)
			addr, err := crypto.RecoverAddress(payload, sig)
			if err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}

			// Keyed on what was signed rather than the signature bytes, which
			// are malleable.
			sum := sha256.Sum256(append([]byte(strings.ToLower(addr)+"\n"), payload...))
			digest := hex.EncodeToString(sum[:])

			if cfg.Replay != nil && mutating(r.Method) {
				fresh, err := cfg.Replay.Claim(r.Context(), "sig:"+digest, 2*cfg.MaxAge)
				if err != nil {
					cfg.Logger.WarnContext(r.Context(), "middleware: replay guard unavailable",
						slog.String("error", err.Error()),
					)
					writeJSONError(w, http.StatusServiceUnavailable, "replay guard unavailable")
					return
				}
				if !fresh {
					writeJSONError(w, http.StatusConflict, "request signature already used")
					return
				}
			}

			ctx := WithSigner(r.Context(), addr)
			ctx = context.WithValue(ctx, signedKey{}, digest)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
