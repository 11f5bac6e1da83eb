package auth

import (
	"errors"
	"time"

	"github.com/lantern-chat/lantern/internal/models"
)

var (
	// ErrUnauthorized is the single authentication failure exposed on the
	// wire; the structured cause stays in logs.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoSession means a well-formed token with no backing session row.
	ErrNoSession = errors.New("no session")
	// ErrInvalidCredentials covers bad password/TOTP/backup-code input.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTOTPRequired means the account has MFA set and no code was given.
	ErrTOTPRequired = errors.New("totp required")
	// ErrUnimplemented rejects requests the platform recognizes but does
	// not yet specify behavior for.
	ErrUnimplemented = errors.New("unimplemented")
)

// Authorization is the authenticated principal attached to a request or
// gateway connection: either a user session or a verified bot.
type Authorization struct {
	bot bool

	UserID  models.Snowflake
	Token   UserToken
	Expires time.Time
	Flags   models.UserFlags

	Issued time.Time
}

// UserAuthorization builds the user variant.
func UserAuthorization(userID models.Snowflake, token UserToken, expires time.Time, flags models.UserFlags) Authorization {
	return Authorization{UserID: userID, Token: token, Expires: expires, Flags: flags}
}

// BotAuthorization builds the bot variant. The token's HMAC must already
// have verified.
func BotAuthorization(botID models.Snowflake, issued time.Time) Authorization {
	return Authorization{bot: true, UserID: botID, Issued: issued}
}

// IsBot reports whether this is a bot principal.
func (a Authorization) IsBot() bool { return a.bot }

// Valid reports whether the authorization is usable at the given instant.
func (a Authorization) Valid(now time.Time) bool {
	if a.bot {
		return true
	}
	return a.Expires.After(now)
}
