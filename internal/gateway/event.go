package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

var (
	// ErrJSONEncoding and ErrCBOREncoding classify encode failures; both
	// are fatal at the point of construction and the event is dropped.
	ErrJSONEncoding = errors.New("json encoding error")
	ErrCBOREncoding = errors.New("cbor encoding error")
)

// CompressedBuf pairs one serialization with its deflated form.
type CompressedBuf struct {
	Uncompressed []byte
	Compressed   []byte
}

// Get selects by the connection's compress flag.
func (c *CompressedBuf) Get(compressed bool) []byte {
	if compressed {
		return c.Compressed
	}
	return c.Uncompressed
}

// EncodedEvent is one ServerMsg rendered into all four wire
// representations. Immutable once built.
type EncodedEvent struct {
	JSON CompressedBuf
	CBOR CompressedBuf
}

// NewEncodedEvent serializes msg to JSON and CBOR independently, then
// deflates each at the given level.
func NewEncodedEvent(msg wire.ServerMsg, level int) (*EncodedEvent, error) {
	jsonRaw, err := msg.EncodeJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONEncoding, err)
	}
	cborRaw, err := msg.EncodeCBOR()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCBOREncoding, err)
	}

	jsonDeflated, err := deflate(jsonRaw, level)
	if err != nil {
		return nil, err
	}
	cborDeflated, err := deflate(cborRaw, level)
	if err != nil {
		return nil, err
	}

	return &EncodedEvent{
		JSON: CompressedBuf{Uncompressed: jsonRaw, Compressed: jsonDeflated},
		CBOR: CompressedBuf{Uncompressed: cborRaw, Compressed: cborDeflated},
	}, nil
}

// Get returns the pre-computed slice for one (encoding, compressed) pair;
// it never re-encodes.
func (e *EncodedEvent) Get(enc wire.Encoding, compressed bool) []byte {
	if enc == wire.EncodingCBOR {
		return e.CBOR.Get(compressed)
	}
	return e.JSON.Get(compressed)
}

// internalKind discriminates dispatch/administrative events that never
// reach a socket.
type internalKind uint8

const (
	internalRefreshPerms internalKind = iota + 1
	internalCloseUser
)

type internalEvent struct {
	kind   internalKind
	userID models.Snowflake
}

// Event is the shared handle broadcast to many connections. External
// events carry a ServerMsg and encode lazily, exactly once; subscribers
// must never mutate what they receive.
type Event struct {
	msg    wire.ServerMsg
	roomID models.Snowflake // optional; gates on room visibility

	once    sync.Once
	encoded *EncodedEvent
	encErr  error

	internal *internalEvent
}

// NewEvent constructs an external event without encoding it yet.
func NewEvent(msg wire.ServerMsg, roomID models.Snowflake) *Event {
	return &Event{msg: msg, roomID: roomID}
}

// NewCompressedEvent constructs an event and encodes it immediately, for
// the canned payloads shared by every connection.
func NewCompressedEvent(msg wire.ServerMsg, roomID models.Snowflake, level int) (*Event, error) {
	ev := NewEvent(msg, roomID)
	if _, err := ev.GetEncoded(level); err != nil {
		return nil, err
	}
	return ev, nil
}

func newInternalEvent(kind internalKind, userID models.Snowflake) *Event {
	return &Event{internal: &internalEvent{kind: kind, userID: userID}}
}

// IsInternal reports whether the event is administrative.
func (e *Event) IsInternal() bool { return e.internal != nil }

// Msg returns the event's ServerMsg; only meaningful for external events.
func (e *Event) Msg() wire.ServerMsg { return e.msg }

// RoomID returns the optional room the event is scoped to.
func (e *Event) RoomID() models.Snowflake { return e.roomID }

// GetEncoded returns the encoded event, encoding now at the given level if
// this is the first demand. Thread-safe; every reader observes the same
// buffers, and the level is ignored once encoding has happened.
func (e *Event) GetEncoded(level int) (*EncodedEvent, error) {
	e.once.Do(func() {
		e.encoded, e.encErr = NewEncodedEvent(e.msg, level)
	})
	return e.encoded, e.encErr
}
