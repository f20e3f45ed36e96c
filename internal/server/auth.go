package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

// authMiddleware requires the configured admin token on every request.
// The token is taken from the Authorization header or, for websocket
// clients that cannot set headers, from the token query parameter.
func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}

		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="netpulse"`)
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}

		if !tokenEqual(token, s.cfg.AdminToken) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the credential from a request.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return auth[len(prefix):]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// tokenEqual compares tokens in constant time. Both sides are hashed
// first so the comparison leaks neither content nor length.
func tokenEqual(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))
	return hmac.Equal(g[:], w[:])
}
