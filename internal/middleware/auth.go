// Package middleware holds the HTTP middleware shared by the REST-facing
// endpoints: authentication, request ids, and security headers.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/cache"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// AuthContextKey stores the request's Authorization.
	AuthContextKey contextKey = "authz"
)

// Auth validates the Authorization header ("Bearer <28 chars>" or
// "Bot <48 chars>") through the session cache with database fallback.
// Every failure collapses to 401 Unauthorized on the wire.
func Auth(authenticator *cache.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token, err := auth.DecodeHeader(header)
			if err != nil {
				slog.Debug("auth header rejected", "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authz, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				slog.Debug("authentication failed", "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthContextKey, authz)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthorization retrieves the request's Authorization from the context.
func GetAuthorization(ctx context.Context) (auth.Authorization, bool) {
	authz, ok := ctx.Value(AuthContextKey).(auth.Authorization)
	return authz, ok
}
