// Package cache holds the process-local hot-path caches: token →
// authorization (session cache) and (user, room) → permissions (permission
// cache). Both are strictly advisory; consumers needing a hard guarantee
// must bypass to the database.
package cache

import (
	"sync"
	"time"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/models"
)

type partialUserAuth struct {
	userID  models.Snowflake
	expires time.Time
	flags   models.UserFlags
}

type partialBotAuth struct {
	issued time.Time
}

// SessionResult is the outcome of a session cache lookup.
type SessionResult uint8

const (
	// SessionMiss means the caller must consult the database, then Put.
	SessionMiss SessionResult = iota
	// SessionHit carries a synthesized Authorization.
	SessionHit
	// SessionInvalid means the token is in the negative cache, or is a bot
	// token that fails verification, and the request is unauthorized
	// without any database work.
	SessionInvalid
)

// SessionCache maps raw tokens to authorizations. Bot entries are keyed by
// bot id and re-verified against the current key on every hit; the cached
// record is never trusted unilaterally.
type SessionCache struct {
	botKey []byte

	mu      sync.RWMutex
	users   map[auth.UserToken]partialUserAuth
	bots    map[models.Snowflake]partialBotAuth
	invalid map[string]time.Time // token cache key -> expiry of negative entry
}

// NewSessionCache creates an empty cache bound to the bot token key.
func NewSessionCache(botKey []byte) *SessionCache {
	return &SessionCache{
		botKey:  botKey,
		users:   make(map[auth.UserToken]partialUserAuth),
		bots:    make(map[models.Snowflake]partialBotAuth),
		invalid: make(map[string]time.Time),
	}
}

// Get resolves a token. A SessionHit authorization is synthesized from the
// cached partial plus the token itself; user hits past expiry degrade to a
// miss so the caller re-fetches and discovers the dead session.
func (c *SessionCache) Get(token auth.RawAuthToken, now time.Time) (auth.Authorization, SessionResult) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, bad := c.invalid[token.CacheKey()]; bad {
		return auth.Authorization{}, SessionInvalid
	}

	if token.IsBot() {
		bot := token.Bot()
		if !bot.Verify(c.botKey) {
			return auth.Authorization{}, SessionInvalid
		}
		if partial, ok := c.bots[bot.ID]; ok {
			return auth.BotAuthorization(bot.ID, partial.issued), SessionHit
		}
		return auth.Authorization{}, SessionMiss
	}

	partial, ok := c.users[token.Bearer()]
	if !ok || !partial.expires.After(now) {
		return auth.Authorization{}, SessionMiss
	}
	return auth.UserAuthorization(partial.userID, token.Bearer(), partial.expires, partial.flags), SessionHit
}

// Put records an authorization fetched from the database.
func (c *SessionCache) Put(a auth.Authorization) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.IsBot() {
		c.bots[a.UserID] = partialBotAuth{issued: a.Issued}
		return
	}
	c.users[a.Token] = partialUserAuth{
		userID:  a.UserID,
		expires: a.Expires,
		flags:   a.Flags,
	}
}

// Invalidate marks a token unauthorized until its natural expiry passes
// (logout, password change). The negative entry is authoritative over any
// positive entry.
func (c *SessionCache) Invalidate(token auth.RawAuthToken, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalid[token.CacheKey()] = until
	if token.IsBot() {
		delete(c.bots, token.Bot().ID)
	} else {
		delete(c.users, token.Bearer())
	}
}

// Sweep drops expired positive entries and negative entries whose
// corresponding expiry has passed.
func (c *SessionCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for token, partial := range c.users {
		if !partial.expires.After(now) {
			delete(c.users, token)
		}
	}
	for key, until := range c.invalid {
		if !until.After(now) {
			delete(c.invalid, key)
		}
	}
}

// Len reports positive entry counts, for metrics.
func (c *SessionCache) Len() (users, bots int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users), len(c.bots)
}
