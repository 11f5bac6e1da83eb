package auth

import (
	"errors"
	"testing"

	"github.com/lantern-chat/lantern/internal/models"
)

// Seed bytes 0x01..0x15: 21 bytes whose unpadded base64 is exactly 28
// characters.
func seedBearer() UserToken {
	var t UserToken
	for i := range t {
		t[i] = byte(i + 1)
	}
	return t
}

func TestBearerRoundTrip(t *testing.T) {
	token := BearerAuthToken(seedBearer())

	const want = "AQIDBAUGBwgJCgsMDQ4PEBESExQV"
	if got := token.Format(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if len(token.Format()) != BearerCharLen {
		t.Fatalf("expected %d chars, got %d", BearerCharLen, len(token.Format()))
	}

	parsed, err := DecodeHeader("Bearer " + want)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if parsed.IsBot() {
		t.Fatal("expected bearer token")
	}
	if parsed.Bearer() != seedBearer() {
		t.Fatal("round trip did not preserve bytes")
	}
}

func TestNewBearerTokenLength(t *testing.T) {
	token, err := NewBearerToken()
	if err != nil {
		t.Fatalf("new bearer: %v", err)
	}
	encoded := BearerAuthToken(token).Format()
	if len(encoded) != BearerCharLen {
		t.Errorf("expected %d chars, got %d", BearerCharLen, len(encoded))
	}
	for _, c := range encoded {
		if c == '=' {
			t.Error("bearer encoding must be unpadded")
		}
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidAuthFormat},
		{"missing scheme", "AQIDBAUGBwgJCgsMDQ4PEBESExQV", ErrInvalidAuthFormat},
		{"lowercase scheme", "bearer AQIDBAUGBwgJCgsMDQ4PEBESExQV", ErrInvalidAuthFormat},
		{"empty body", "Bearer ", ErrLength},
		{"short body", "Bearer AQID", ErrLength},
		{"bot length body on bearer", "Bearer AQAAAAAAAAAAAAAAAAAAAAtPWBpgRmbqXl6UAGpbo2hqKq1l", ErrLength},
		{"trailing whitespace", "Bearer AQIDBAUGBwgJCgsMDQ4PEBESExQ\t", ErrLength},
		{"padded", "Bearer AQIDBAUGBwgJCgsMDQ4PEBESExQ=", ErrLength},
		{"non-base64", "Bearer AQIDBAUGBwgJCgsMDQ4PEBESE!QV", ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBotSignVerify(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = 0xAA
	}

	token := SplitBotToken{ID: 1, Issued: 0}
	token.HMAC = token.mac(key)

	const want = "AQAAAAAAAAAAAAAAAAAAAAtPWBpgRmbqXl6UAGpbo2hqKq1l"
	if got := BotAuthToken(token).Format(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if !token.Verify(key) {
		t.Fatal("expected fresh token to verify")
	}

	// Flip the last byte and expect falsification.
	tampered := token
	tampered.HMAC[len(tampered.HMAC)-1] ^= 0xFF
	if tampered.Verify(key) {
		t.Fatal("tampered token must not verify")
	}

	// Restore and expect success again.
	tampered.HMAC[len(tampered.HMAC)-1] ^= 0xFF
	if !tampered.Verify(key) {
		t.Fatal("restored token must verify")
	}
}

func TestBotTokenEveryByteMatters(t *testing.T) {
	key := []byte("0123456789abcdef")
	token := SignBotToken(key, models.Snowflake(77))

	raw := token.Bytes()
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		parsed, err := SplitBotTokenFromBytes(mutated)
		if err != nil {
			continue // zeroed id rejected at parse
		}
		if parsed.Verify(key) {
			t.Fatalf("altering byte %d did not falsify the token", i)
		}
	}
}

func TestSplitBotTokenRejectsZeroID(t *testing.T) {
	raw := make([]byte, BotBytesLen)
	if _, err := SplitBotTokenFromBytes(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestBotHeaderRoundTrip(t *testing.T) {
	key := []byte("fedcba9876543210")
	token := SignBotToken(key, models.Snowflake(42))

	header := BotAuthToken(token).String()
	parsed, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !parsed.IsBot() {
		t.Fatal("expected bot token")
	}
	if parsed.Bot() != token {
		t.Fatal("round trip did not preserve the record")
	}
	if !parsed.Bot().Verify(key) {
		t.Fatal("round-tripped token must verify")
	}
}
