package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/db"
)

// Authenticator resolves tokens through the session cache with a database
// fallback, the do-auth path shared by the gateway and the REST middleware.
type Authenticator struct {
	Cache  *SessionCache
	DB     *db.DB
	BotKey []byte
}

// Authenticate verifies a decoded token and returns its authorization.
// Token failures return auth.ErrUnauthorized or auth.ErrNoSession; database
// errors are returned wrapped. Callers log the structured cause, clients
// only ever see Unauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token auth.RawAuthToken) (auth.Authorization, error) {
	now := time.Now()

	authz, result := a.Cache.Get(token, now)
	switch result {
	case SessionInvalid:
		return auth.Authorization{}, auth.ErrUnauthorized
	case SessionHit:
		if !authz.Valid(now) {
			return auth.Authorization{}, auth.ErrNoSession
		}
		return authz, nil
	}

	// Miss: consult the database, then warm the cache.
	if token.IsBot() {
		bot := token.Bot()
		if !bot.Verify(a.BotKey) {
			return auth.Authorization{}, auth.ErrUnauthorized
		}
		issued, err := a.DB.GetAppIssued(ctx, bot.ID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return auth.Authorization{}, auth.ErrNoSession
			}
			return auth.Authorization{}, fmt.Errorf("bot auth: %w", err)
		}
		// The stored issue time is authoritative: a token minted before
		// the app's current epoch has been revoked.
		if int64(bot.Issued) < issued.Unix() {
			return auth.Authorization{}, auth.ErrNoSession
		}

		authz = auth.BotAuthorization(bot.ID, time.Unix(int64(bot.Issued), 0))
		a.Cache.Put(authz)
		return authz, nil
	}

	row, err := a.DB.GetSessionAuth(ctx, tokenBytes(token))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return auth.Authorization{}, auth.ErrNoSession
		}
		return auth.Authorization{}, fmt.Errorf("session auth: %w", err)
	}

	authz = auth.UserAuthorization(row.UserID, token.Bearer(), row.Expires, row.Flags)
	if !authz.Valid(now) {
		return auth.Authorization{}, auth.ErrNoSession
	}
	a.Cache.Put(authz)
	return authz, nil
}

func tokenBytes(token auth.RawAuthToken) []byte {
	bearer := token.Bearer()
	return bearer[:]
}
