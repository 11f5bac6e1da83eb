package gateway

import (
	"context"
	"testing"

	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

const (
	partyA = models.Snowflake(1000)
	roomA  = models.Snowflake(2000)
	userU  = models.Snowflake(3000)
)

// testConn builds a connection with no socket behind it; the router only
// touches the outbound queue and the filter state.
func testConn(userID models.Snowflake, queue int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        models.Snowflake(1),
		outbound:  make(chan *Event, queue),
		ctx:       ctx,
		cancel:    cancel,
		userID:    userID,
		intent:    models.IntentAll,
		blockedBy: make(map[models.Snowflake]struct{}),
		listeners: make(map[models.Snowflake]struct{}),
		roles:     newRoleCache(),
	}
}

func messageEventFor(author models.Snowflake, roleMentions ...models.Snowflake) *Event {
	return NewEvent(wire.ServerMsg{Op: wire.OpMessageCreate, Payload: &models.Message{
		ID:           1,
		RoomID:       roomA,
		PartyID:      partyA,
		Author:       models.User{ID: author},
		RoleMentions: roleMentions,
	}}, roomA)
}

func drain(c *Conn) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-c.outbound:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func grant(perms *cache.PermissionCache, user, room models.Snowflake, bits uint64) {
	perms.BatchSet(user, map[models.Snowflake]models.PermMute{
		room: {Perms: models.UnpackPermissions(bits)},
	})
}

func TestRouterPermissionGate(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	router.Subscribe(partyA, conn)

	// VIEW_ROOM without READ_MESSAGE_HISTORY: history-bearing events are
	// dropped.
	perms.AddReference(userU)
	grant(perms, userU, roomA, models.RoomViewRoom)

	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); len(got) != 0 {
		t.Fatalf("expected drop without READ_MESSAGE_HISTORY, got %d events", len(got))
	}

	// Granting the bit via batch_set delivers subsequent events.
	grant(perms, userU, roomA, models.RoomViewRoom|models.RoomReadMessageHistory)

	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatalf("expected delivery, got %d events", len(got))
	}
}

func TestRouterPermissionCacheMissDrops(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	router.Subscribe(partyA, conn)

	// No cache entry at all: the room-scoped event must not leak.
	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); len(got) != 0 {
		t.Fatalf("expected drop on cache miss, got %d events", len(got))
	}

	// Events without a room id bypass the permission gate.
	router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: wire.OpPresenceUpdate,
		Payload: &wire.PresenceUpdatePayload{UserID: 5}}, 0), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatalf("expected roomless delivery, got %d events", len(got))
	}
}

func TestRouterBlockGate(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	conn.blockedBy[99] = struct{}{}
	router.Subscribe(partyA, conn)

	perms.AddReference(userU)
	grant(perms, userU, roomA, models.RoomViewRoom|models.RoomReadMessageHistory)

	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); len(got) != 0 {
		t.Fatal("expected drop for blocked author")
	}

	router.BroadcastEvent(messageEventFor(98), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatal("expected delivery for unblocked author")
	}
}

func TestRouterRoleMentionGate(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	router.Subscribe(partyA, conn)

	perms.AddReference(userU)
	grant(perms, userU, roomA, models.RoomViewRoom|models.RoomReadMessageHistory)

	// Unknown party in the role cache: the hint fails open.
	router.BroadcastEvent(messageEventFor(99, 777), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatal("unknown role cache must deliver")
	}

	// Known and disjoint: dropped.
	conn.roles.Set(partyA, []models.Snowflake{500})
	router.BroadcastEvent(messageEventFor(99, 777), partyA)
	if got := drain(conn); len(got) != 0 {
		t.Fatal("disjoint role mention must drop")
	}

	// Known and intersecting: delivered.
	conn.roles.Set(partyA, []models.Snowflake{500, 777})
	router.BroadcastEvent(messageEventFor(99, 777), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatal("matching role mention must deliver")
	}
}

func TestRouterIntentGate(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	conn.intent = models.IntentParties // no MESSAGES
	router.Subscribe(partyA, conn)

	perms.AddReference(userU)
	grant(perms, userU, roomA, models.RoomViewRoom|models.RoomReadMessageHistory)

	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); len(got) != 0 {
		t.Fatal("expected drop without MESSAGES intent")
	}
}

func TestRouterLaggedConnectionForcedOut(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 1)
	router.Subscribe(partyA, conn)

	perms.AddReference(userU)
	grant(perms, userU, roomA, models.RoomViewRoom|models.RoomReadMessageHistory)

	// First event fills the queue; the second overflows it and the
	// router must flip the connection's alive signal without blocking.
	router.BroadcastEvent(messageEventFor(99), partyA)
	router.BroadcastEvent(messageEventFor(99), partyA)

	select {
	case <-conn.ctx.Done():
	default:
		t.Fatal("lagged connection was not killed")
	}
	if conn.reason != killLagged {
		t.Fatalf("expected killLagged, got %d", conn.reason)
	}
}

func TestRouterUnsubscribe(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)

	router.Subscribe(partyA, conn)
	if router.SubscriberCount(partyA) != 1 {
		t.Fatal("subscribe did not register")
	}
	router.Unsubscribe(partyA, conn)
	if router.SubscriberCount(partyA) != 0 {
		t.Fatal("unsubscribe did not remove")
	}

	router.BroadcastEvent(messageEventFor(99), partyA)
	if got := drain(conn); got != nil {
		t.Fatal("unsubscribed connection received an event")
	}
}

func TestRouterBroadcastToUser(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)

	mine := testConn(userU, 8)
	other := testConn(userU+1, 8)
	router.Subscribe(partyA, mine)
	router.Subscribe(partyA, other)

	router.BroadcastToUser(NewEvent(wire.ServerMsg{Op: wire.OpUserUpdate,
		Payload: &wire.UserUpdatePayload{}}, 0), userU)

	if got := drain(mine); len(got) != 1 {
		t.Fatal("target user missed the event")
	}
	if got := drain(other); len(got) != 0 {
		t.Fatal("other user received a user-directed event")
	}
}

func TestRouterInternalEventsBypassFilters(t *testing.T) {
	perms := cache.NewPermissionCache()
	router := NewRouter(perms)
	conn := testConn(userU, 8)
	router.Subscribe(partyA, conn)

	// No permissions at all; internal events are administrative and
	// always enqueue.
	router.BroadcastEvent(newInternalEvent(internalCloseUser, userU), partyA)
	if got := drain(conn); len(got) != 1 {
		t.Fatal("internal event filtered")
	}
}
