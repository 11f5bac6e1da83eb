package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/assets"
	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/cache"
	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/gateway"
	"github.com/lantern-chat/lantern/internal/locks"
	"github.com/lantern-chat/lantern/internal/mfa"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/server"
	"github.com/lantern-chat/lantern/internal/wire"
)

var suiteCounter atomic.Int64

type harness struct {
	state    *gateway.State
	server   *httptest.Server
	listener *gateway.Listener
	cancel   context.CancelFunc
}

func newHarness() *harness {
	dsn := fmt.Sprintf("file:itest%d?mode=memory&cache=shared", suiteCounter.Add(1))
	database, err := db.OpenDB("sqlite", dsn)
	Expect(err).NotTo(HaveOccurred())

	cfg := &config.Config{
		DBType:             "sqlite",
		DB:                 dsn,
		BotTokenKey:        []byte("0123456789abcdef"),
		MfaKey:             bytes.Repeat([]byte{0x11}, 32),
		AssetKey:           []byte("fedcba9876543210"),
		HelloInterval:      config.DefaultHelloInterval,
		IdentifyGrace:      config.DefaultIdentifyGrace,
		OutboundQueue:      config.DefaultOutboundQueue,
		CompressionLevel:   config.DefaultCompressionLevel,
		SessionDuration:    config.DefaultSessionDuration,
		CacheSweepInterval: config.DefaultCacheSweep,
		EventPollInterval:  10 * time.Millisecond,
		TypingThrottle:     config.DefaultTypingThrottle,
		InboundRateLimit:   config.DefaultInboundRate,
		InboundRateBurst:   config.DefaultInboundBurst,
	}

	encrypter, err := assets.NewEncrypter(cfg.AssetKey)
	Expect(err).NotTo(HaveOccurred())
	gen, err := models.NewSnowflakeGen(2)
	Expect(err).NotTo(HaveOccurred())

	sessions := cache.NewSessionCache(cfg.BotTokenKey)
	perms := cache.NewPermissionCache()
	state := &gateway.State{
		Config: cfg,
		DB:     database,
		Auth:   &cache.Authenticator{Cache: sessions, DB: database, BotKey: cfg.BotTokenKey},
		Perms:  perms,
		Router: gateway.NewRouter(perms),
		Assets: encrypter,
		Gen:    gen,
	}

	engine := mfa.NewEngine(cfg.MfaKey, locks.NewKeyed(), database)
	srv := server.New(state, engine)

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := gateway.NewListener(ctx, state)
	Expect(err).NotTo(HaveOccurred())
	go listener.Run(ctx)

	return &harness{
		state:    state,
		server:   httptest.NewServer(srv.Handler()),
		listener: listener,
		cancel:   cancel,
	}
}

func (h *harness) close() {
	h.cancel()
	h.server.Close()
	h.state.DB.Close()
}

func (h *harness) exec(query string, args ...any) {
	Expect(h.state.DB.ExecRaw(context.Background(), query, args...)).To(Succeed())
}

// seedAccount registers a user with a hashed password, a party, and a room.
func (h *harness) seedAccount(id int64, email, password string) {
	passhash, err := auth.HashPassword(password)
	Expect(err).NotTo(HaveOccurred())

	h.exec(`INSERT INTO users (id, username, discriminator, flags, email, passhash) VALUES (?, 'alice', 1, 0, ?, ?)`,
		id, email, passhash)
	h.exec(`INSERT INTO parties (id, owner_id, name) VALUES (?, ?, 'party')`, id*10, id)
	h.exec(`INSERT INTO party_members (party_id, user_id, position, joined_at) VALUES (?, ?, 0, ?)`,
		id*10, id, time.Now())
	h.exec(`INSERT INTO roles (id, party_id, name, permissions, position) VALUES (?, ?, '@everyone', ?, 0)`,
		id*10, id*10, int64(models.RoomViewRoom|models.RoomReadMessageHistory))
	h.exec(`INSERT INTO rooms (id, party_id, name) VALUES (?, ?, 'general')`, id*10+1, id*10)
}

type loginResult struct {
	Auth    string           `json:"auth"`
	UserID  models.Snowflake `json:"user_id"`
	Expires time.Time        `json:"expires"`
}

func (h *harness) login(email, password, totp string) (*http.Response, *loginResult) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password, "totp": totp})
	resp, err := http.Post(h.server.URL+"/api/v1/user/@me/login", "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var result loginResult
	Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
	return resp, &result
}

type wsClient struct {
	conn *websocket.Conn
}

func (h *harness) dial() *wsClient {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/gateway?encoding=json"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	return &wsClient{conn: conn}
}

func (c *wsClient) expect(op wire.ServerOp) json.RawMessage {
	GinkgoHelper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	Expect(err).NotTo(HaveOccurred())

	var env struct {
		Op      uint8           `json:"o"`
		Payload json.RawMessage `json:"p"`
	}
	Expect(json.Unmarshal(data, &env)).To(Succeed())
	Expect(wire.ServerOp(env.Op)).To(Equal(op), "frame: %s", data)
	return env.Payload
}

func (c *wsClient) send(frame string) {
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	Expect(c.conn.WriteMessage(websocket.BinaryMessage, []byte(frame))).To(Succeed())
}

var _ = Describe("Gateway", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
		h.seedAccount(42, "alice@example.com", "hunter2")
	})

	AfterEach(func() { h.close() })

	It("logs in, identifies, and receives Ready", func() {
		resp, result := h.login("alice@example.com", "hunter2", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(result.UserID).To(Equal(models.Snowflake(42)))
		Expect(result.Auth).To(HaveLen(auth.BearerCharLen))

		ws := h.dial()
		defer ws.conn.Close()

		var hello wire.HelloPayload
		Expect(json.Unmarshal(ws.expect(wire.OpHello), &hello)).To(Succeed())
		Expect(hello.HeartbeatInterval).To(Equal(uint32(45000)))

		ws.send(fmt.Sprintf(`{"o":1,"p":{"auth":%q,"intent":%d}}`, result.Auth, models.IntentAll))

		var ready wire.ReadyPayload
		Expect(json.Unmarshal(ws.expect(wire.OpReady), &ready)).To(Succeed())
		Expect(ready.User.ID).To(Equal(models.Snowflake(42)))
		Expect(ready.Parties).To(HaveLen(1))
	})

	It("rejects a wrong password", func() {
		resp, _ := h.login("alice@example.com", "wrong", "")
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("answers heartbeats and delivers event-log messages end to end", func() {
		_, result := h.login("alice@example.com", "hunter2", "")

		ws := h.dial()
		defer ws.conn.Close()
		ws.expect(wire.OpHello)
		ws.send(fmt.Sprintf(`{"o":1,"p":{"auth":%q,"intent":%d}}`, result.Auth, models.IntentAll))
		ws.expect(wire.OpReady)

		ws.send(`{"o":0}`)
		ws.expect(wire.OpHeartbeatAck)

		// A write-path append reaches the socket through the listener.
		h.exec(`INSERT INTO messages (id, room_id, user_id, content) VALUES (500, 421, 42, 'hello world')`)
		Expect(h.state.DB.AppendEvent(context.Background(),
			db.EventMessageCreate, 500, 420, 421)).To(Succeed())

		var msg models.Message
		Expect(json.Unmarshal(ws.expect(wire.OpMessageCreate), &msg)).To(Succeed())
		Expect(msg.Content).To(Equal("hello world"))
		Expect(msg.Author.ID).To(Equal(models.Snowflake(42)))
	})

	It("requires TOTP when the account has MFA set", func() {
		record, err := mfa.Generate()
		Expect(err).NotTo(HaveOccurred())
		encrypted, err := record.Encrypt(h.state.Config.MfaKey, 42, "hunter2")
		Expect(err).NotTo(HaveOccurred())
		Expect(h.state.DB.UpdateUserMFA(context.Background(), 42, encrypted)).To(Succeed())

		resp, _ := h.login("alice@example.com", "hunter2", "")
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

		code, err := mfa.NewTOTP6(record.Key[:]).GenerateAt(uint64(time.Now().Unix()))
		Expect(err).NotTo(HaveOccurred())
		resp, result := h.login("alice@example.com", "hunter2", code)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(result.Auth).NotTo(BeEmpty())

		// The same code is refused a second time.
		resp, _ = h.login("alice@example.com", "hunter2", code)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("invalidates the session on logout", func() {
		_, result := h.login("alice@example.com", "hunter2", "")

		req, _ := http.NewRequest(http.MethodDelete, h.server.URL+"/api/v1/user/@me/login", nil)
		req.Header.Set("Authorization", "Bearer "+result.Auth)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		// The token is now in the negative cache: identifying with it
		// yields InvalidSession.
		ws := h.dial()
		defer ws.conn.Close()
		ws.expect(wire.OpHello)
		ws.send(fmt.Sprintf(`{"o":1,"p":{"auth":%q,"intent":0}}`, result.Auth))
		ws.expect(wire.OpInvalidSession)
	})
})
