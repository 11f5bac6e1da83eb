package gateway

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/lantern-chat/lantern/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway authenticates via Identify, not cookies, so
		// cross-origin upgrades carry no ambient authority.
		return true
	},
}

// Handler is the single gateway endpoint. Query parameters negotiate the
// wire format: encoding ∈ {json, cbor}, compress ∈ {true, false}.
type Handler struct {
	state *State
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(state *State) *Handler {
	return &Handler{state: state}
}

// ServeHTTP upgrades the connection and starts its state machine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc, err := wire.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, "Invalid encoding", http.StatusBadRequest)
		return
	}

	compress := false
	if v := r.URL.Query().Get("compress"); v != "" {
		compress, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid compress flag", http.StatusBadRequest)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("gateway upgrade failed", "error", err)
		return
	}

	conn := newConn(h.state, ws, enc, compress)
	slog.Debug("gateway connection open", "conn_id", conn.ID(), "encoding", enc.String(), "compress", compress)
	go conn.run()
}
