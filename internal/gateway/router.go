package gateway

import (
	"sync"

	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/metrics"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

// Router broadcasts encoded events to every eligible subscriber of a
// party. It is best-effort and non-blocking: a slow consumer is forced out
// rather than allowed to stall the fan-out.
type Router struct {
	perms *cache.PermissionCache

	mu        sync.RWMutex
	listeners map[models.Snowflake]map[*Conn]struct{}
}

// NewRouter creates a router over the shared permission cache.
func NewRouter(perms *cache.PermissionCache) *Router {
	return &Router{
		perms:     perms,
		listeners: make(map[models.Snowflake]map[*Conn]struct{}),
	}
}

// Subscribe registers a connection for a party's stream.
func (r *Router) Subscribe(partyID models.Snowflake, c *Conn) {
	r.mu.Lock()
	conns, ok := r.listeners[partyID]
	if !ok {
		conns = make(map[*Conn]struct{})
		r.listeners[partyID] = conns
	}
	conns[c] = struct{}{}
	r.mu.Unlock()
}

// Unsubscribe removes a connection from a party's stream.
func (r *Router) Unsubscribe(partyID models.Snowflake, c *Conn) {
	r.mu.Lock()
	if conns, ok := r.listeners[partyID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.listeners, partyID)
		}
	}
	r.mu.Unlock()
}

// snapshot copies the subscriber set so the fan-out runs without holding
// the table lock; the copy establishes a total order among subscribers for
// this event.
func (r *Router) snapshot(partyID models.Snowflake) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.listeners[partyID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// SubscriberCount reports live subscriptions for a party, for tests.
func (r *Router) SubscriberCount(partyID models.Snowflake) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[partyID])
}

// BroadcastEvent pushes the event handle (never its bytes) onto every
// eligible subscriber's outbound queue. Eligibility applies, in order: room
// visibility from the permission cache, user-level blocks, role-targeted
// mention gating, and the connection's declared intents. Encoding happens
// lazily on the consumer side.
func (r *Router) BroadcastEvent(event *Event, partyID models.Snowflake) {
	metrics.EventsBroadcast.Inc()

	for _, c := range r.snapshot(partyID) {
		if !r.eligible(event, partyID, c) {
			continue
		}
		if !c.tryEnqueue(event) {
			// Queue full: the connection is lagged. Force it into
			// CLOSING with the InvalidSession sentinel instead of
			// blocking the other subscribers; the client reconnects.
			metrics.LaggedConnections.Inc()
			c.kill(killLagged)
		}
	}
}

// BroadcastToUser delivers an event to every connection a user has open,
// bypassing party subscription (self events, DM events).
func (r *Router) BroadcastToUser(event *Event, userID models.Snowflake) {
	metrics.EventsBroadcast.Inc()

	r.mu.RLock()
	var targets []*Conn
	seen := make(map[*Conn]struct{})
	for _, conns := range r.listeners {
		for c := range conns {
			if c.UserID() == userID {
				if _, dup := seen[c]; !dup {
					seen[c] = struct{}{}
					targets = append(targets, c)
				}
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.tryEnqueue(event) {
			metrics.LaggedConnections.Inc()
			c.kill(killLagged)
		}
	}
}

// RefreshUserPerms dispatches the internal refresh-permissions event to
// every connection of the user.
func (r *Router) RefreshUserPerms(userID models.Snowflake) {
	r.BroadcastToUser(newInternalEvent(internalRefreshPerms, userID), userID)
}

// CloseUser force-closes every connection of the user (ban, deletion).
func (r *Router) CloseUser(userID models.Snowflake) {
	r.BroadcastToUser(newInternalEvent(internalCloseUser, userID), userID)
}

func (r *Router) eligible(event *Event, partyID models.Snowflake, c *Conn) bool {
	if event.IsInternal() {
		return true
	}

	msg := event.Msg()

	if roomID := event.RoomID(); roomID.IsValid() {
		need := models.RoomViewRoom
		if msg.HistoryBearing() {
			need |= models.RoomReadMessageHistory
		}
		pm, ok := r.perms.Get(c.UserID(), roomID)
		if !ok || !pm.Perms.Has(need) {
			metrics.EventsDropped.WithLabelValues("perms").Inc()
			return false
		}
	}

	if author := msg.Author(); author.IsValid() && c.BlockedBy(author) {
		metrics.EventsDropped.WithLabelValues("blocked").Inc()
		return false
	}

	if mentions := msg.RoleMentions(); len(mentions) > 0 {
		// The role cache is a hint: an unknown party delivers rather
		// than risking a false drop, known-but-disjoint drops.
		if known, member := c.roles.HasAny(partyID, mentions); known && !member {
			metrics.EventsDropped.WithLabelValues("roles").Inc()
			return false
		}
	}

	if intent := intentForOp(msg.Op); intent != 0 && !c.Intent().Has(intent) {
		metrics.EventsDropped.WithLabelValues("intent").Inc()
		return false
	}

	return true
}

// intentForOp maps event ops to the intent bit that selects them; zero
// means the op is always delivered.
func intentForOp(op wire.ServerOp) models.Intent {
	switch op {
	case wire.OpPartyCreate, wire.OpPartyUpdate, wire.OpPartyDelete,
		wire.OpRoleCreate, wire.OpRoleUpdate, wire.OpRoleDelete,
		wire.OpRoomCreate, wire.OpRoomUpdate, wire.OpRoomDelete:
		return models.IntentParties
	case wire.OpMemberAdd, wire.OpMemberUpdate, wire.OpMemberRemove:
		return models.IntentPartyMembers
	case wire.OpMemberBan, wire.OpMemberUnban:
		return models.IntentPartyBans
	case wire.OpMessageCreate, wire.OpMessageUpdate, wire.OpMessageDelete:
		return models.IntentMessages
	case wire.OpPresenceUpdate:
		return models.IntentPresence
	case wire.OpTypingStart:
		return models.IntentMessageTyping
	}
	return 0
}
