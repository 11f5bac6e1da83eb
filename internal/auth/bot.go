package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"time"

	"github.com/lantern-chat/lantern/internal/models"
)

const hmacLen = sha1.Size // 20

// SplitBotToken is the decomposed 36-byte bot token record: bot id and
// issue time in little-endian, followed by an HMAC-SHA1 digest of those
// first 16 bytes under the process-wide bot token key.
type SplitBotToken struct {
	ID     models.Snowflake
	Issued uint64
	HMAC   [hmacLen]byte
}

// Bytes serializes the record into its fixed binary layout.
func (t SplitBotToken) Bytes() []byte {
	buf := make([]byte, BotBytesLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.ID))
	binary.LittleEndian.PutUint64(buf[8:16], t.Issued)
	copy(buf[16:], t.HMAC[:])
	return buf
}

// SplitBotTokenFromBytes parses a 36-byte record, rejecting a zero id.
func SplitBotTokenFromBytes(raw []byte) (SplitBotToken, error) {
	if len(raw) != BotBytesLen {
		return SplitBotToken{}, ErrInvalidToken
	}
	id := binary.LittleEndian.Uint64(raw[0:8])
	if id == 0 {
		return SplitBotToken{}, ErrInvalidToken
	}
	t := SplitBotToken{
		ID:     models.Snowflake(id),
		Issued: binary.LittleEndian.Uint64(raw[8:16]),
	}
	copy(t.HMAC[:], raw[16:])
	return t, nil
}

func (t SplitBotToken) mac(key []byte) [hmacLen]byte {
	var digest [hmacLen]byte
	mac := hmac.New(sha1.New, key)
	mac.Write(t.Bytes()[:16])
	copy(digest[:], mac.Sum(nil))
	return digest
}

// SignBotToken builds a fresh token for the bot id, stamped with the
// current time and signed with key.
func SignBotToken(key []byte, id models.Snowflake) SplitBotToken {
	t := SplitBotToken{
		ID:     id,
		Issued: uint64(time.Now().Unix()),
	}
	t.HMAC = t.mac(key)
	return t
}

// Verify re-hashes the id/issued prefix and compares against the stored
// digest in constant time.
func (t SplitBotToken) Verify(key []byte) bool {
	digest := t.mac(key)
	return hmac.Equal(digest[:], t.HMAC[:])
}
