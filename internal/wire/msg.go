// Package wire defines the gateway message envelope: a tagged record
// `{"o": op, "p": payload}` in JSON or CBOR. The op is always decoded
// before the payload, and payloads inconsistent with their op are rejected.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/lantern-chat/lantern/internal/models"
)

// Encoding selects the wire representation negotiated at connect time.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// ParseEncoding maps the `encoding` query parameter.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	}
	return 0, fmt.Errorf("unknown encoding %q", s)
}

// ServerOp discriminates server-to-client messages.
type ServerOp uint8

const (
	OpHello ServerOp = iota
	OpHeartbeatAck
	OpReady
	OpInvalidSession

	OpPartyCreate
	OpPartyUpdate
	OpPartyDelete
	OpRoleCreate
	OpRoleUpdate
	OpRoleDelete
	OpMemberAdd
	OpMemberUpdate
	OpMemberRemove
	OpMemberBan
	OpMemberUnban
	OpRoomCreate
	OpRoomUpdate
	OpRoomDelete
	OpMessageCreate
	OpMessageUpdate
	OpMessageDelete
	OpPresenceUpdate
	OpTypingStart
	OpUserUpdate
	OpProfileUpdate
	OpRelationAdd
	OpRelationRemove
)

// ClientOp discriminates client-to-server messages.
type ClientOp uint8

const (
	OpHeartbeat ClientOp = iota
	OpIdentify
	OpResume
	OpSetPresence
)

// ErrInvalidEnvelope covers frames whose op is unknown or whose payload is
// missing where one is required.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

type envelope struct {
	Op      uint8           `json:"o" cbor:"o"`
	Payload json.RawMessage `json:"p,omitempty" cbor:"-"`
}

type cborEnvelope struct {
	Op      uint8           `cbor:"o"`
	Payload cbor.RawMessage `cbor:"p,omitempty"`
}

// HelloPayload carries the heartbeat interval in milliseconds.
type HelloPayload struct {
	HeartbeatInterval uint32 `json:"heartbeat_interval" cbor:"heartbeat_interval"`
}

// ReadyPayload is everything a client needs to render after Identify.
type ReadyPayload struct {
	User    models.User      `json:"user" cbor:"user"`
	DMs     []models.Room    `json:"dms" cbor:"dms"`
	Parties []models.Party   `json:"parties" cbor:"parties"`
	Session models.Snowflake `json:"session" cbor:"session"`
}

// IdentifyPayload authenticates a connection and declares its intents.
type IdentifyPayload struct {
	Auth   string        `json:"auth" cbor:"auth"`
	Intent models.Intent `json:"intent" cbor:"intent"`
}

// TypingStartPayload announces typing in a room.
type TypingStartPayload struct {
	Room   models.Snowflake    `json:"room" cbor:"room"`
	Party  models.Snowflake    `json:"party,omitempty" cbor:"party,omitempty"`
	User   models.Snowflake    `json:"user" cbor:"user"`
	Member *models.PartyMember `json:"member,omitempty" cbor:"member,omitempty"`
}

// PartyMemberPayload is shared by the member lifecycle events.
type PartyMemberPayload struct {
	PartyID models.Snowflake   `json:"party_id" cbor:"party_id"`
	Member  models.PartyMember `json:"member" cbor:"member"`
}

// PartyPayload wraps party lifecycle events.
type PartyPayload struct {
	Party models.Party `json:"party" cbor:"party"`
}

// PartyIDPayload is emitted when only the id survives (deletes).
type PartyIDPayload struct {
	ID models.Snowflake `json:"id" cbor:"id"`
}

// RolePayload wraps role lifecycle events.
type RolePayload struct {
	Role models.Role `json:"role" cbor:"role"`
}

// RoleDeletePayload names a deleted role.
type RoleDeletePayload struct {
	ID      models.Snowflake `json:"id" cbor:"id"`
	PartyID models.Snowflake `json:"party_id" cbor:"party_id"`
}

// RoomPayload wraps room lifecycle events.
type RoomPayload struct {
	Room models.Room `json:"room" cbor:"room"`
}

// RoomDeletePayload names a deleted room.
type RoomDeletePayload struct {
	ID      models.Snowflake `json:"id" cbor:"id"`
	PartyID models.Snowflake `json:"party_id,omitempty" cbor:"party_id,omitempty"`
}

// MessageDeletePayload names a deleted message.
type MessageDeletePayload struct {
	ID      models.Snowflake `json:"id" cbor:"id"`
	RoomID  models.Snowflake `json:"room_id" cbor:"room_id"`
	PartyID models.Snowflake `json:"party_id,omitempty" cbor:"party_id,omitempty"`
}

// PresenceUpdatePayload announces a presence change.
type PresenceUpdatePayload struct {
	UserID   models.Snowflake `json:"user_id" cbor:"user_id"`
	PartyID  models.Snowflake `json:"party_id,omitempty" cbor:"party_id,omitempty"`
	Presence models.Presence  `json:"presence" cbor:"presence"`
}

// ProfileUpdatePayload announces a profile change, party-scoped when
// PartyID is set.
type ProfileUpdatePayload struct {
	PartyID models.Snowflake `json:"party_id,omitempty" cbor:"party_id,omitempty"`
	User    models.User      `json:"user" cbor:"user"`
}

// UserUpdatePayload announces a change to the self user.
type UserUpdatePayload struct {
	User models.User `json:"user" cbor:"user"`
}

// SetPresencePayload is the client presence command.
type SetPresencePayload struct {
	Flags uint32 `json:"flags" cbor:"flags"`
}

// ServerMsg is one server-to-client message: an op plus its payload.
// Payload is nil for ops with a well-defined empty payload
// (HeartbeatAck, InvalidSession).
type ServerMsg struct {
	Op      ServerOp
	Payload any
}

// Author optionally names the user that caused the event, consulted by the
// router's block gate. Zero means "system" and is never blocked.
func (m ServerMsg) Author() models.Snowflake {
	switch p := m.Payload.(type) {
	case *models.Message:
		return p.Author.ID
	case *TypingStartPayload:
		return p.User
	case *PresenceUpdatePayload:
		return p.UserID
	case *ProfileUpdatePayload:
		return p.User.ID
	}
	return 0
}

// RoleMentions returns the role targets of a role-targeted mention event,
// or nil for everything else.
func (m ServerMsg) RoleMentions() []models.Snowflake {
	if msg, ok := m.Payload.(*models.Message); ok {
		return msg.RoleMentions
	}
	return nil
}

// HistoryBearing reports whether the event exposes message history and so
// requires READ_MESSAGE_HISTORY rather than just VIEW_ROOM.
func (m ServerMsg) HistoryBearing() bool {
	switch m.Op {
	case OpMessageCreate, OpMessageUpdate, OpMessageDelete:
		return true
	}
	return false
}

// ClientMsg is one client-to-server message.
type ClientMsg struct {
	Op      ClientOp
	Payload any
}

var cborEnc cbor.EncMode

func init() {
	// Core-deterministic encoding keeps CBOR output byte-stable across
	// calls, which the encoder's idempotence contract requires.
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// EncodeJSON renders the envelope as JSON.
func (m ServerMsg) EncodeJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op      uint8 `json:"o"`
		Payload any   `json:"p,omitempty"`
	}{uint8(m.Op), m.Payload})
}

// EncodeCBOR renders the envelope as CBOR.
func (m ServerMsg) EncodeCBOR() ([]byte, error) {
	return cborEnc.Marshal(struct {
		Op      uint8 `cbor:"o"`
		Payload any   `cbor:"p,omitempty"`
	}{uint8(m.Op), m.Payload})
}

// DecodeClient parses one inbound frame in the negotiated encoding. The op
// is matched before the payload is consumed; a missing payload is permitted
// only for ops with a default (Heartbeat) and for Resume, whose payload is
// not read.
func DecodeClient(data []byte, enc Encoding) (ClientMsg, error) {
	var (
		op      uint8
		payload []byte
	)

	switch enc {
	case EncodingCBOR:
		var env cborEnvelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			return ClientMsg{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		op, payload = env.Op, env.Payload
	default:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return ClientMsg{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		op, payload = env.Op, env.Payload
	}

	unmarshal := func(v any) error {
		if len(payload) == 0 {
			return fmt.Errorf("%w: missing payload for op %d", ErrInvalidEnvelope, op)
		}
		var err error
		if enc == EncodingCBOR {
			err = cbor.Unmarshal(payload, v)
		} else {
			err = json.Unmarshal(payload, v)
		}
		if err != nil {
			return fmt.Errorf("%w: payload for op %d: %v", ErrInvalidEnvelope, op, err)
		}
		return nil
	}

	switch ClientOp(op) {
	case OpHeartbeat:
		return ClientMsg{Op: OpHeartbeat}, nil
	case OpIdentify:
		var p IdentifyPayload
		if err := unmarshal(&p); err != nil {
			return ClientMsg{}, err
		}
		return ClientMsg{Op: OpIdentify, Payload: &p}, nil
	case OpResume:
		// Recognized but unimplemented; the connection layer answers
		// with InvalidSession.
		return ClientMsg{Op: OpResume}, nil
	case OpSetPresence:
		var p SetPresencePayload
		if err := unmarshal(&p); err != nil {
			return ClientMsg{}, err
		}
		return ClientMsg{Op: OpSetPresence, Payload: &p}, nil
	}
	return ClientMsg{}, fmt.Errorf("%w: unknown op %d", ErrInvalidEnvelope, op)
}
