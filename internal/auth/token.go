// Package auth implements Lantern's authorization tokens: random bearer
// tokens for users and HMAC-signed split tokens for bots, both framed as
// unpadded standard base64 behind a scheme prefix.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// BearerBytesLen is the decoded size of a user bearer token.
	BearerBytesLen = 21
	// BotBytesLen is the decoded size of a split bot token record.
	BotBytesLen = 36

	// BearerCharLen and BotCharLen are the exact base64 lengths. The
	// framing is strictly unpadded, so these never vary.
	BearerCharLen = 28
	BotCharLen    = 48
)

var b64 = base64.StdEncoding.WithPadding(base64.NoPadding)

var (
	// ErrInvalidAuthFormat covers a missing or wrong-case scheme prefix.
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	// ErrLength covers base64 text of the wrong exact length.
	ErrLength = errors.New("invalid token length")
	// ErrDecode covers non-base64 input of a correct length.
	ErrDecode = errors.New("invalid token encoding")
	// ErrInvalidToken covers structurally invalid decoded tokens.
	ErrInvalidToken = errors.New("invalid auth token")
)

// UserToken is the raw 21-byte bearer key as persisted in sessions.token.
type UserToken [BearerBytesLen]byte

// RawAuthToken is the decoded form of either token kind. Exactly one of
// Bearer/Bot is meaningful, discriminated by IsBot.
type RawAuthToken struct {
	isBot  bool
	bearer UserToken
	bot    SplitBotToken
}

// NewBearerToken fills a fresh bearer token from the CSPRNG.
func NewBearerToken() (UserToken, error) {
	var t UserToken
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("bearer token entropy: %w", err)
	}
	return t, nil
}

// BearerAuthToken wraps an existing user token.
func BearerAuthToken(t UserToken) RawAuthToken {
	return RawAuthToken{bearer: t}
}

// BotAuthToken wraps a split bot token.
func BotAuthToken(t SplitBotToken) RawAuthToken {
	return RawAuthToken{isBot: true, bot: t}
}

// IsBot reports the token kind.
func (t RawAuthToken) IsBot() bool { return t.isBot }

// Bearer returns the raw user token; only meaningful when !IsBot().
func (t RawAuthToken) Bearer() UserToken { return t.bearer }

// Bot returns the split bot token; only meaningful when IsBot().
func (t RawAuthToken) Bot() SplitBotToken { return t.bot }

// CacheKey returns the token's identity as a map key: the scheme-prefixed
// base64 text, which is unique across kinds.
func (t RawAuthToken) CacheKey() string { return t.String() }

// String renders the header form, scheme included.
func (t RawAuthToken) String() string {
	if t.isBot {
		return "Bot " + b64.EncodeToString(t.bot.Bytes())
	}
	return "Bearer " + b64.EncodeToString(t.bearer[:])
}

// Format renders only the base64 body, as handed to clients.
func (t RawAuthToken) Format() string {
	if t.isBot {
		return b64.EncodeToString(t.bot.Bytes())
	}
	return b64.EncodeToString(t.bearer[:])
}

// DecodeHeader parses an Authorization header value of the form
// "Bearer <28 chars>" or "Bot <48 chars>". The scheme is case-sensitive and
// surrounding whitespace is rejected.
func DecodeHeader(value string) (RawAuthToken, error) {
	var (
		body  string
		isBot bool
	)
	switch {
	case strings.HasPrefix(value, "Bearer "):
		body = value[len("Bearer "):]
	case strings.HasPrefix(value, "Bot "):
		body = value[len("Bot "):]
		isBot = true
	default:
		return RawAuthToken{}, ErrInvalidAuthFormat
	}
	return decodeBody(body, isBot)
}

// ParseBearer parses the bare base64 body of a bearer token.
func ParseBearer(body string) (RawAuthToken, error) {
	return decodeBody(body, false)
}

// ParseBot parses the bare base64 body of a bot token.
func ParseBot(body string) (RawAuthToken, error) {
	return decodeBody(body, true)
}

func decodeBody(body string, isBot bool) (RawAuthToken, error) {
	want := BearerCharLen
	if isBot {
		want = BotCharLen
	}
	// The framing is strictly unpadded; '=' anywhere means a padded
	// encoding and is rejected before length inspection can pass it.
	if len(body) != want || strings.ContainsAny(body, "= \t\r\n") {
		return RawAuthToken{}, ErrLength
	}

	raw, err := b64.DecodeString(body)
	if err != nil {
		return RawAuthToken{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if isBot {
		bot, err := SplitBotTokenFromBytes(raw)
		if err != nil {
			return RawAuthToken{}, err
		}
		return BotAuthToken(bot), nil
	}

	var t UserToken
	copy(t[:], raw)
	return BearerAuthToken(t), nil
}
