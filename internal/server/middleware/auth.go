package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth checks a Bearer token or X-API-Key header against keys. keys is a
// comma-separated list so a new key can be rolled out before the old one is
// withdrawn. Paths in public skip the check. An empty list disables
// authentication.
func Auth(keys string, public ...string) func(http.Handler) http.Handler {
	var digests [][sha256.Size]byte
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(digests) == 0 || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerOrKey(r)
			if token == "" {
				writeUnauthorized(w, "missing api key")
				return
			}
			if !matchesAny(digests, token) {
				writeUnauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares fixed-size digests in constant time and checks every
// key so the response time does not reveal which one matched.
func matchesAny(digests [][sha256.Size]byte, token string) bool {
	got := sha256.Sum256([]byte(token))
	ok := 0
	for _, d := range digests {
		ok |= subtle.ConstantTimeCompare(got[:], d[:])
	}
	return ok == 1
}

// bearerOrKey reads "Authorization: Bearer <token>" or X-API-Key.
func bearerOrKey(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="arxpredict"`)
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
