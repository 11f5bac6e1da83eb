package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/assets"
	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

var testStateCounter atomic.Int64

func testConfig() *config.Config {
	return &config.Config{
		Port:               0,
		DBType:             "sqlite",
		BotTokenKey:        []byte("0123456789abcdef"),
		MfaKey:             make([]byte, 32),
		AssetKey:           []byte("fedcba9876543210"),
		HelloInterval:      config.DefaultHelloInterval,
		IdentifyGrace:      time.Second,
		OutboundQueue:      16,
		CompressionLevel:   config.DefaultCompressionLevel,
		SessionDuration:    config.DefaultSessionDuration,
		CacheSweepInterval: config.DefaultCacheSweep,
		EventPollInterval:  10 * time.Millisecond,
		TypingThrottle:     config.DefaultTypingThrottle,
		InboundRateLimit:   100,
		InboundRateBurst:   100,
	}
}

// newTestState stands up the full dependency graph over a fresh in-memory
// database, plus a seeded user with a live session.
func newTestState(t *testing.T) (*State, auth.UserToken) {
	t.Helper()

	dsn := fmt.Sprintf("file:gwtest%d?mode=memory&cache=shared", testStateCounter.Add(1))
	database, err := db.OpenDB("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := testConfig()
	encrypter, err := assets.NewEncrypter(cfg.AssetKey)
	if err != nil {
		t.Fatalf("encrypter: %v", err)
	}
	gen, err := models.NewSnowflakeGen(1)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}

	sessions := cache.NewSessionCache(cfg.BotTokenKey)
	perms := cache.NewPermissionCache()

	state := &State{
		Config: cfg,
		DB:     database,
		Auth:   &cache.Authenticator{Cache: sessions, DB: database, BotKey: cfg.BotTokenKey},
		Perms:  perms,
		Router: NewRouter(perms),
		Assets: encrypter,
		Gen:    gen,
	}

	token := seedGatewayUser(t, state)
	return state, token
}

// seedGatewayUser inserts user 42 in party 10 with one room and a session.
func seedGatewayUser(t *testing.T, state *State) auth.UserToken {
	t.Helper()
	ctx := context.Background()

	exec := func(query string, args ...any) {
		t.Helper()
		if err := state.DB.ExecRaw(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	exec(`INSERT INTO users (id, username, discriminator, flags, email, passhash) VALUES (42, 'alice', 1, 0, 'alice@example.com', 'x')`)
	exec(`INSERT INTO parties (id, owner_id, name) VALUES (10, 42, 'party')`)
	exec(`INSERT INTO party_members (party_id, user_id, position, joined_at) VALUES (10, 42, 0, ?)`, time.Now())
	exec(`INSERT INTO roles (id, party_id, name, permissions, position) VALUES (10, 10, '@everyone', ?, 0)`,
		int64(models.RoomViewRoom|models.RoomReadMessageHistory))
	exec(`INSERT INTO rooms (id, party_id, name) VALUES (20, 10, 'general')`)

	token, err := auth.NewBearerToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if err := state.DB.InsertSession(ctx, token[:], 42, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("session: %v", err)
	}
	return token
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialGateway(t *testing.T, state *State, query string) *testClient {
	t.Helper()

	srv := httptest.NewServer(NewHandler(state))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) expect(op wire.ServerOp) json.RawMessage {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}

	var env struct {
		Op      uint8           `json:"o"`
		Payload json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("envelope: %v", err)
	}
	if wire.ServerOp(env.Op) != op {
		c.t.Fatalf("expected op %d, got %d (%s)", op, env.Op, data)
	}
	return env.Payload
}

func (c *testClient) send(v string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte(v)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func TestGatewayHelloIdentifyReady(t *testing.T) {
	state, token := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")

	payload := client.expect(wire.OpHello)
	var hello wire.HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.HeartbeatInterval != 45000 {
		t.Errorf("heartbeat interval: got %d", hello.HeartbeatInterval)
	}

	client.send(fmt.Sprintf(`{"o":1,"p":{"auth":%q,"intent":%d}}`,
		auth.BearerAuthToken(token).Format(), models.IntentAll))

	payload = client.expect(wire.OpReady)
	var ready wire.ReadyPayload
	if err := json.Unmarshal(payload, &ready); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if ready.User.ID != 42 || ready.User.Email != "alice@example.com" {
		t.Errorf("self user mangled: %+v", ready.User)
	}
	if len(ready.Parties) != 1 || ready.Parties[0].ID != 10 {
		t.Errorf("parties mangled: %+v", ready.Parties)
	}
	if !ready.Session.IsValid() {
		t.Error("session id missing")
	}

	// The connection now holds a permission cache reference and answers
	// room lookups.
	waitFor(t, func() bool {
		pm, ok := state.Perms.Get(42, 20)
		return ok && pm.Perms.Has(models.RoomViewRoom)
	})
	waitFor(t, func() bool { return state.Router.SubscriberCount(10) == 1 })
}

func TestGatewayHeartbeatAck(t *testing.T) {
	state, _ := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")
	client.expect(wire.OpHello)

	client.send(`{"o":0}`)
	client.expect(wire.OpHeartbeatAck)
}

func TestGatewayInvalidTokenClosesWithInvalidSession(t *testing.T) {
	state, _ := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")
	client.expect(wire.OpHello)

	client.send(`{"o":1,"p":{"auth":"AQIDBAUGBwgJCgsMDQ4PEBESExQV","intent":0}}`)
	client.expect(wire.OpInvalidSession)
}

func TestGatewayIdentifyTimeout(t *testing.T) {
	state, _ := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")
	client.expect(wire.OpHello)

	// No Identify within the (shortened) grace window.
	client.expect(wire.OpInvalidSession)
}

func TestGatewayEventDelivery(t *testing.T) {
	state, token := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")
	client.expect(wire.OpHello)
	client.send(fmt.Sprintf(`{"o":1,"p":{"auth":%q,"intent":%d}}`,
		auth.BearerAuthToken(token).Format(), models.IntentAll))
	client.expect(wire.OpReady)
	waitFor(t, func() bool { return state.Router.SubscriberCount(10) == 1 })

	ctx := context.Background()
	if err := state.DB.ExecRaw(ctx,
		`INSERT INTO messages (id, room_id, user_id, content) VALUES (500, 20, 42, 'hi')`); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	entry := db.EventLogEntry{Code: db.EventMessageCreate, SubjectID: 500, PartyID: 10, RoomID: 20}
	if err := processEvent(ctx, state, entry); err != nil {
		t.Fatalf("process: %v", err)
	}

	payload := client.expect(wire.OpMessageCreate)
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.ID != 500 || msg.Content != "hi" || msg.Author.ID != 42 {
		t.Errorf("message mangled: %+v", msg)
	}
}

func TestGatewayResumeRejected(t *testing.T) {
	state, _ := newTestState(t)
	client := dialGateway(t, state, "?encoding=json")
	client.expect(wire.OpHello)

	client.send(`{"o":2}`)
	client.expect(wire.OpInvalidSession)
}

func TestGatewayCBOREncoding(t *testing.T) {
	state, _ := newTestState(t)
	client := dialGateway(t, state, "?encoding=cbor")

	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// The Hello frame must be the canned CBOR bytes exactly.
	encoded, _ := helloEvent.GetEncoded(DefaultCompressionLevel)
	if string(data) != string(encoded.Get(wire.EncodingCBOR, false)) {
		t.Fatal("hello bytes must match the canned cbor encoding")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
