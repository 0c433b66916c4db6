package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// protect wraps the router with bearer-token auth and rate limiting.
// /health stays open for liveness probes.
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "request rate exceeded", nil)
			return
		}
		if s.cfg.APIKey != "" && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// Browsers cannot set Authorization on websocket upgrades, so the
		// event stream also accepts the key as a query parameter.
		token = r.URL.Query().Get("api_key")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}
