package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lantern-chat/lantern/internal/models"
)

func TestEncodeJSONEnvelope(t *testing.T) {
	msg := ServerMsg{Op: OpHello, Payload: &HelloPayload{HeartbeatInterval: 45000}}

	data, err := msg.EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env["o"]) != "0" {
		t.Errorf("expected op 0, got %s", env["o"])
	}
	var payload HelloPayload
	if err := json.Unmarshal(env["p"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.HeartbeatInterval != 45000 {
		t.Errorf("expected 45000, got %d", payload.HeartbeatInterval)
	}
}

func TestEncodeJSONOmitsEmptyPayload(t *testing.T) {
	data, err := ServerMsg{Op: OpHeartbeatAck}.EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"o":1}` {
		t.Errorf("expected minimal envelope, got %s", data)
	}
}

func TestDecodeClientHeartbeatDefaults(t *testing.T) {
	// Heartbeat has a well-defined default: a missing payload is fine.
	msg, err := DecodeClient([]byte(`{"o":0}`), EncodingJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Op != OpHeartbeat {
		t.Errorf("expected heartbeat, got %d", msg.Op)
	}
}

func TestDecodeClientIdentify(t *testing.T) {
	raw := []byte(`{"o":1,"p":{"auth":"AQIDBAUGBwgJCgsMDQ4PEBESExQV","intent":511}}`)
	msg, err := DecodeClient(raw, EncodingJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, ok := msg.Payload.(*IdentifyPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", msg.Payload)
	}
	if payload.Auth != "AQIDBAUGBwgJCgsMDQ4PEBESExQV" {
		t.Errorf("auth mangled: %q", payload.Auth)
	}
	if payload.Intent != models.Intent(511) {
		t.Errorf("intent mangled: %d", payload.Intent)
	}
}

func TestDecodeClientIdentifyMissingPayload(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"o":1}`), EncodingJSON); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestDecodeClientUnknownOp(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"o":99}`), EncodingJSON); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestDecodeClientGarbage(t *testing.T) {
	for _, input := range []string{"", "nonsense", `[1,2]`, `{"o":"x"}`} {
		if _, err := DecodeClient([]byte(input), EncodingJSON); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("%q: expected ErrInvalidEnvelope, got %v", input, err)
		}
	}
}

func TestDecodeClientCBORRoundTrip(t *testing.T) {
	// Encode an Identify via the server encoder's CBOR mode, then decode
	// it as a client frame.
	data, err := ServerMsg{Op: ServerOp(OpIdentify), Payload: &IdentifyPayload{
		Auth:   "AQIDBAUGBwgJCgsMDQ4PEBESExQV",
		Intent: models.IntentAll,
	}}.EncodeCBOR()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	msg, err := DecodeClient(data, EncodingCBOR)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, ok := msg.Payload.(*IdentifyPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", msg.Payload)
	}
	if payload.Intent != models.IntentAll {
		t.Errorf("intent mangled: %d", payload.Intent)
	}
}

func TestEncodeCBORDeterministic(t *testing.T) {
	msg := ServerMsg{Op: OpReady, Payload: &ReadyPayload{Session: 42}}
	a, err := msg.EncodeCBOR()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := msg.EncodeCBOR()
	if string(a) != string(b) {
		t.Error("CBOR encoding must be byte-stable across calls")
	}
}

func TestServerMsgAuthorAndMentions(t *testing.T) {
	msg := ServerMsg{Op: OpMessageCreate, Payload: &models.Message{
		Author:       models.User{ID: 7},
		RoleMentions: []models.Snowflake{11, 12},
	}}

	if msg.Author() != 7 {
		t.Errorf("author: got %d", msg.Author())
	}
	if len(msg.RoleMentions()) != 2 {
		t.Errorf("mentions: got %v", msg.RoleMentions())
	}
	if !msg.HistoryBearing() {
		t.Error("message create must be history-bearing")
	}

	typing := ServerMsg{Op: OpTypingStart, Payload: &TypingStartPayload{User: 9}}
	if typing.Author() != 9 {
		t.Errorf("typing author: got %d", typing.Author())
	}
	if typing.HistoryBearing() {
		t.Error("typing is not history-bearing")
	}
}
