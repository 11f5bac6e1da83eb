package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lantern-chat/lantern/internal/metrics"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

// Transport-level errors; any of them moves the connection to CLOSING.
var (
	ErrSocketClosed    = errors.New("socket closed")
	ErrMessageIncoming = errors.New("inbound message error")
	ErrMessageOutgoing = errors.New("outbound message error")
)

type killReason uint8

const (
	killNone killReason = iota
	killSocket
	killTimeout
	killInvalidSession
	killLagged
	killShutdown
)

type connState uint8

const (
	stateHello connState = iota
	stateActive
	stateClosing
)

// maxInboundFrame bounds decompressed inbound payloads.
const maxInboundFrame = 1 << 20

// Conn is one gateway socket: its negotiated encoding, its identity after
// Identify, its party subscriptions, and its bounded outbound queue.
type Conn struct {
	id       models.Snowflake
	state    *State
	ws       *websocket.Conn
	enc      wire.Encoding
	compress bool

	outbound chan *Event
	limiter  *rate.Limiter

	// wmu serializes socket writes: the outbound pump, heartbeat acks
	// from the read loop, and the closing sentinel may race otherwise.
	wmu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	killOnce sync.Once
	reason   killReason

	mu        sync.RWMutex
	phase     connState
	userID    models.Snowflake
	intent    models.Intent
	blockedBy map[models.Snowflake]struct{}
	listeners map[models.Snowflake]struct{} // subscribed party ids
	hasRef    bool                          // holds a permission cache reference

	roles *roleCache
}

func newConn(state *State, ws *websocket.Conn, enc wire.Encoding, compress bool) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        state.Gen.Next(),
		state:     state,
		ws:        ws,
		enc:       enc,
		compress:  compress,
		outbound:  make(chan *Event, state.Config.OutboundQueue),
		limiter:   rate.NewLimiter(rate.Limit(state.Config.InboundRateLimit), state.Config.InboundRateBurst),
		ctx:       ctx,
		cancel:    cancel,
		blockedBy: make(map[models.Snowflake]struct{}),
		listeners: make(map[models.Snowflake]struct{}),
		roles:     newRoleCache(),
	}
}

// ID returns the connection's snowflake, which doubles as the session id
// inside Ready.
func (c *Conn) ID() models.Snowflake { return c.id }

// UserID returns the identity set by Identify, zero before it.
func (c *Conn) UserID() models.Snowflake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Intent returns the declared intent bitmask.
func (c *Conn) Intent() models.Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intent
}

// BlockedBy reports whether the given author has blocked this connection's
// user.
func (c *Conn) BlockedBy(author models.Snowflake) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, blocked := c.blockedBy[author]
	return blocked
}

// tryEnqueue pushes an event handle without blocking; false means the
// queue is full and the caller applies the back-pressure policy.
func (c *Conn) tryEnqueue(event *Event) bool {
	select {
	case c.outbound <- event:
		return true
	default:
		return false
	}
}

// kill flips the alive signal once, recording why. Cleanup runs in run()'s
// epilogue, never here, so partial state is always released exactly once.
func (c *Conn) kill(reason killReason) {
	c.killOnce.Do(func() {
		c.reason = reason
		c.cancel()
	})
}

func (c *Conn) deadline() time.Time {
	return time.Now().Add(c.state.Config.HelloInterval + c.state.Config.HelloInterval/2)
}

// run drives the socket through Hello → Identify → Ready → streaming and
// tears everything down when the alive signal flips.
func (c *Conn) run() {
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	defer c.teardown()

	// Hello goes out immediately with the canonical pre-encoded payload.
	if err := c.writeEvent(helloEvent); err != nil {
		c.kill(killSocket)
		return
	}

	go c.readLoop()

	// Identify must arrive within the grace window.
	identifyDeadline := time.NewTimer(c.state.Config.IdentifyGrace)
	defer identifyDeadline.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.closing()
			return

		case <-identifyDeadline.C:
			if c.UserID() == 0 {
				c.sendInvalidSession()
				c.kill(killTimeout)
			}

		case event := <-c.outbound:
			if event.IsInternal() {
				c.handleInternal(event.internal)
				continue
			}
			if err := c.writeEvent(event); err != nil {
				slog.Debug("gateway write failed", "conn_id", c.id, "error", err)
				c.kill(killSocket)
			}
		}
	}
}

// writeEvent resolves the connection's representation of the event and
// writes one binary frame. Encoding is lazy and shared: the first consumer
// pays for it, everyone reuses the buffers.
func (c *Conn) writeEvent(event *Event) error {
	encoded, err := event.GetEncoded(c.state.Config.CompressionLevel)
	if err != nil {
		// A malformed event is dropped, not fatal to the connection.
		slog.Error("event encoding failed", "error", err)
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, encoded.Get(c.enc, c.compress)); err != nil {
		return errors.Join(ErrMessageOutgoing, err)
	}
	return nil
}

func (c *Conn) sendInvalidSession() {
	_ = c.writeEvent(invalidSessionEvent)
}

// readLoop consumes inbound frames in arrival order. Every frame resets
// the heartbeat deadline; a missed deadline surfaces as a read timeout and
// closes the socket.
func (c *Conn) readLoop() {
	for {
		c.ws.SetReadDeadline(c.deadline())
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.kill(killSocket)
			return
		}

		if !c.limiter.Allow() {
			slog.Warn("gateway inbound rate exceeded", "conn_id", c.id, "user_id", c.UserID())
			c.sendInvalidSession()
			c.kill(killInvalidSession)
			return
		}

		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		if c.compress {
			data, err = inflate(data, maxInboundFrame)
			if err != nil {
				slog.Debug("inbound decompress failed", "conn_id", c.id, "error", err)
				c.sendInvalidSession()
				c.kill(killInvalidSession)
				return
			}
		}

		msg, err := wire.DecodeClient(data, c.enc)
		if err != nil {
			slog.Debug("inbound decode failed", "conn_id", c.id, "error", err)
			c.sendInvalidSession()
			c.kill(killInvalidSession)
			return
		}

		if err := c.handleClientMsg(msg); err != nil {
			c.sendInvalidSession()
			c.kill(killInvalidSession)
			return
		}
	}
}

func (c *Conn) handleClientMsg(msg wire.ClientMsg) error {
	switch msg.Op {
	case wire.OpHeartbeat:
		return c.writeEvent(heartbeatAckEvent)

	case wire.OpIdentify:
		payload := msg.Payload.(*wire.IdentifyPayload)
		return c.identify(payload)

	case wire.OpResume:
		// Recognized but unspecified; force a fresh session.
		return errors.Join(ErrMessageIncoming, errors.New("resume unimplemented"))

	case wire.OpSetPresence:
		// Presence writes flow through the REST surface; the gateway op
		// is accepted and ignored for now.
		return nil
	}
	return nil
}

// identify authenticates the connection and promotes it to ACTIVE,
// building and sending Ready.
func (c *Conn) identify(payload *wire.IdentifyPayload) error {
	if c.UserID() != 0 {
		return errors.Join(ErrMessageIncoming, errors.New("duplicate identify"))
	}

	ctx, cancelTimeout := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancelTimeout()

	token, err := c.state.parseIdentifyAuth(payload.Auth)
	if err != nil {
		return err
	}

	authz, err := c.state.Auth.Authenticate(ctx, token)
	if err != nil {
		slog.Debug("gateway identify rejected", "conn_id", c.id, "error", err)
		return err
	}

	ready, err := c.buildReady(ctx, authz, payload.Intent)
	if err != nil {
		slog.Warn("ready build failed", "conn_id", c.id, "user_id", authz.UserID, "error", err)
		return err
	}

	return c.writeEvent(NewEvent(wire.ServerMsg{Op: wire.OpReady, Payload: ready}, 0))
}

func (c *Conn) handleInternal(ev *internalEvent) {
	switch ev.kind {
	case internalRefreshPerms:
		ctx, cancelTimeout := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancelTimeout()
		perms, err := c.state.DB.AllRoomPermissions(ctx, ev.userID)
		if err != nil {
			slog.Error("permission refresh failed", "user_id", ev.userID, "error", err)
			return
		}
		c.state.Perms.BatchSet(ev.userID, perms)

	case internalCloseUser:
		c.sendInvalidSession()
		c.kill(killInvalidSession)
	}
}

// closing is the CLOSING state: cancel party listeners, release the
// permission cache reference exactly once, and drain the outbound queue.
func (c *Conn) closing() {
	c.mu.Lock()
	c.phase = stateClosing
	parties := make([]models.Snowflake, 0, len(c.listeners))
	for partyID := range c.listeners {
		parties = append(parties, partyID)
	}
	c.listeners = make(map[models.Snowflake]struct{})
	userID := c.userID
	releaseRef := c.hasRef
	c.hasRef = false
	c.mu.Unlock()

	for _, partyID := range parties {
		c.state.Router.Unsubscribe(partyID, c)
	}
	if releaseRef {
		c.state.Perms.RemoveReference(userID)
	}

	// Drain outbound so producers that raced the unsubscribe drop their
	// handles promptly.
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}

func (c *Conn) teardown() {
	c.kill(killSocket)

	if c.reason == killLagged || c.reason == killShutdown {
		c.sendInvalidSession()
	}

	c.closing()
	c.ws.Close()

	slog.Debug("gateway connection closed", "conn_id", c.id, "reason", c.reason)
}
