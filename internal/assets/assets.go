// Package assets produces the opaque asset references embedded in user and
// party payloads. Raw asset snowflakes are never exposed; clients receive a
// keyed encryption of the id bound to its owning principal, stable for a
// given key so repeated encodes of the same asset compare equal.
package assets

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lantern-chat/lantern/internal/models"
)

var b64url = base64.URLEncoding.WithPadding(base64.NoPadding)

// ErrBadAssetRef covers references that fail to decode, verify, or that
// were minted for a different owner.
var ErrBadAssetRef = errors.New("invalid asset reference")

// Encrypter encrypts and recovers asset ids under a fixed 16-byte key.
type Encrypter struct {
	block cipher.Block
}

// NewEncrypter builds an Encrypter from the configured asset key.
func NewEncrypter(key []byte) (*Encrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("asset key: %w", err)
	}
	return &Encrypter{block: block}, nil
}

// EncryptSnowflake renders the asset id as an opaque 22-character
// reference salted by its owning principal: the user for profile avatars,
// the party for party avatars and emotes. One AES block holds the 8-byte
// id followed by the 8-byte owner, so the same asset referenced by two
// owners yields unlinkable strings and a reference cannot be replayed
// across owners.
func (e *Encrypter) EncryptSnowflake(id, owner models.Snowflake) string {
	var plain, out [aes.BlockSize]byte
	binary.LittleEndian.PutUint64(plain[0:8], uint64(id))
	binary.LittleEndian.PutUint64(plain[8:16], uint64(owner))
	e.block.Encrypt(out[:], plain[:])
	return b64url.EncodeToString(out[:])
}

// DecryptSnowflake recovers the asset id from a reference, failing on any
// tampering or an owner mismatch.
func (e *Encrypter) DecryptSnowflake(ref string, owner models.Snowflake) (models.Snowflake, error) {
	raw, err := b64url.DecodeString(ref)
	if err != nil || len(raw) != aes.BlockSize {
		return 0, ErrBadAssetRef
	}
	var plain [aes.BlockSize]byte
	e.block.Decrypt(plain[:], raw)
	id := binary.LittleEndian.Uint64(plain[0:8])
	salt := binary.LittleEndian.Uint64(plain[8:16])
	if id == 0 || salt != uint64(owner) {
		return 0, ErrBadAssetRef
	}
	return models.Snowflake(id), nil
}
