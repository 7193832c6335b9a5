package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/funnyzak/rewind/internal/config"
)

// ErrInvalidToken indicates a missing or unknown bearer token.
var ErrInvalidToken = errors.New("invalid or missing token")

// TokenAuth validates static bearer tokens for the admin API.
type TokenAuth struct {
	enable bool
	tokens [][]byte
}

// NewTokenAuth creates a TokenAuth from configuration. Empty tokens are ignored.
func NewTokenAuth(cfg config.WebAuthConfig) *TokenAuth {
	a := &TokenAuth{enable: cfg.Enable}
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Enabled indicates whether authentication is active.
func (a *TokenAuth) Enabled() bool {
	return a != nil && a.enable
}

// Validate checks token against every configured token in constant time.
func (a *TokenAuth) Validate(token string) error {
	if !a.Enabled() {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	candidate := []byte(token)
	matched := 0
	for _, known := range a.tokens {
		matched |= subtle.ConstantTimeCompare(candidate, known)
	}
	if matched != 1 {
		return ErrInvalidToken
	}
	return nil
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter for websocket clients.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Validate(extractToken(r)); err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
