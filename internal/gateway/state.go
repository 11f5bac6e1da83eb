package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/lantern-chat/lantern/internal/assets"
	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

// State bundles the shared dependencies every connection and task reads.
type State struct {
	Config *config.Config
	DB     *db.DB
	Auth   *cache.Authenticator
	Perms  *cache.PermissionCache
	Router *Router
	Assets *assets.Encrypter
	Gen    *models.SnowflakeGen

	typingMu   sync.Mutex
	lastTyping map[typingKey]time.Time
}

type typingKey struct {
	userID models.Snowflake
	roomID models.Snowflake
}

// throttleTyping reports whether a typing event for (user, room) should be
// suppressed: the previous one is still fresh within the configured window.
func (s *State) throttleTyping(userID, roomID models.Snowflake) bool {
	now := time.Now()

	s.typingMu.Lock()
	defer s.typingMu.Unlock()

	if s.lastTyping == nil {
		s.lastTyping = make(map[typingKey]time.Time)
	}

	key := typingKey{userID: userID, roomID: roomID}
	if last, ok := s.lastTyping[key]; ok && now.Sub(last) < s.Config.TypingThrottle {
		return true
	}
	s.lastTyping[key] = now

	// Opportunistic eviction keeps the table from growing unbounded.
	if len(s.lastTyping) > 4096 {
		for k, t := range s.lastTyping {
			if now.Sub(t) >= s.Config.TypingThrottle {
				delete(s.lastTyping, k)
			}
		}
	}
	return false
}

// Canned events shared by every connection, pre-encoded at the highest
// level once at process start.
var (
	helloEvent          *Event
	heartbeatAckEvent   *Event
	invalidSessionEvent *Event
)

func init() {
	mustCanned := func(msg wire.ServerMsg) *Event {
		ev, err := NewCompressedEvent(msg, 0, 9)
		if err != nil {
			panic(err)
		}
		return ev
	}

	helloEvent = mustCanned(wire.ServerMsg{
		Op:      wire.OpHello,
		Payload: &wire.HelloPayload{HeartbeatInterval: uint32(config.DefaultHelloInterval.Milliseconds())},
	})
	heartbeatAckEvent = mustCanned(wire.ServerMsg{Op: wire.OpHeartbeatAck})
	invalidSessionEvent = mustCanned(wire.ServerMsg{Op: wire.OpInvalidSession})
}

// parseIdentifyAuth accepts the token as clients send it inside Identify:
// either the bare base64 body (disambiguated by its exact length) or the
// full header form with scheme.
func (s *State) parseIdentifyAuth(value string) (auth.RawAuthToken, error) {
	if strings.HasPrefix(value, "Bearer ") || strings.HasPrefix(value, "Bot ") {
		return auth.DecodeHeader(value)
	}
	switch len(value) {
	case auth.BearerCharLen:
		return auth.ParseBearer(value)
	case auth.BotCharLen:
		return auth.ParseBot(value)
	}
	return auth.RawAuthToken{}, auth.ErrLength
}
