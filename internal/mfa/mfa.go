// Package mfa implements two-factor authentication: RFC-6238 TOTP with
// SHA-256, encrypted backup codes, and the anti-replay discipline around
// both. The MFA record is stored encrypted with AES-256-GCM-SIV under a key
// derived from the user's password and the process-wide master key.
package mfa

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	siv "github.com/secure-io/siv-go"
	"golang.org/x/crypto/sha3"

	"github.com/lantern-chat/lantern/internal/models"
)

const (
	// NumBackups is the number of backup-code slots per record.
	NumBackups = 8
	// KeyLength is the TOTP key size in bytes (256-bit).
	KeyLength = 32

	// RecordLength is the plaintext record size: eight u64 backup codes
	// followed by the TOTP key.
	RecordLength = NumBackups*8 + KeyLength
	// EncryptedLength is RecordLength plus the 16-byte GCM-SIV tag.
	EncryptedLength = RecordLength + 16

	nonceLen = 12
)

// associatedData binds ciphertexts to this application.
var associatedData = []byte("Lantern")

var (
	// ErrDecrypt is returned on tag mismatch; it must never reach a
	// client verbatim.
	ErrDecrypt = errors.New("mfa decrypt error")
	// ErrEncrypt is returned when sealing fails.
	ErrEncrypt = errors.New("mfa encrypt error")
)

// Record is the decrypted MFA state: backup codes first, then the TOTP key,
// matching the 96-byte stored layout.
type Record struct {
	Backups [NumBackups]uint64
	Key     [KeyLength]byte
}

// Generate fills a fresh record from the CSPRNG.
func Generate() (Record, error) {
	var r Record
	var buf [RecordLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return r, fmt.Errorf("mfa entropy: %w", err)
	}
	r.decode(buf[:])
	return r, nil
}

func (r *Record) decode(buf []byte) {
	for i := range r.Backups {
		r.Backups[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	copy(r.Key[:], buf[NumBackups*8:])
}

func (r Record) encode() [RecordLength]byte {
	var buf [RecordLength]byte
	for i, b := range r.Backups {
		binary.LittleEndian.PutUint64(buf[i*8:], b)
	}
	copy(buf[NumBackups*8:], r.Key[:])
	return buf
}

// Nonce derives the deterministic 12-byte nonce for a user's record.
// GCM-SIV tolerates deterministic nonces, which keeps re-encryption of the
// same record stable without storing per-row nonces.
func Nonce(userID models.Snowflake) [nonceLen]byte {
	var n [nonceLen]byte
	binary.LittleEndian.PutUint64(n[0:8], uint64(userID))
	copy(n[8:], n[0:4])
	return n
}

// deriveKey hashes the password with SHA3-256 and XORs it with the master
// key, yielding the record encryption key.
func deriveKey(masterKey []byte, password string) [KeyLength]byte {
	key := sha3.Sum256([]byte(password))
	for i := range key {
		key[i] ^= masterKey[i]
	}
	return key
}

// Encrypt seals the record for the user. Output is exactly EncryptedLength
// bytes: ciphertext followed by the tag.
func (r Record) Encrypt(masterKey []byte, userID models.Snowflake, password string) ([]byte, error) {
	key := deriveKey(masterKey, password)
	aead, err := siv.NewGCM(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	nonce := Nonce(userID)
	plain := r.encode()
	out := aead.Seal(nil, nonce[:], plain[:], associatedData)
	if len(out) != EncryptedLength {
		return nil, fmt.Errorf("%w: sealed %d bytes", ErrEncrypt, len(out))
	}
	return out, nil
}

// Decrypt opens a sealed record. Any tag mismatch, from a wrong password or
// a damaged ciphertext, yields ErrDecrypt.
func Decrypt(masterKey []byte, userID models.Snowflake, password string, data []byte) (Record, error) {
	var r Record
	if len(data) != EncryptedLength {
		return r, ErrDecrypt
	}

	key := deriveKey(masterKey, password)
	aead, err := siv.NewGCM(key[:])
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	nonce := Nonce(userID)
	plain, err := aead.Open(nil, nonce[:], data, associatedData)
	if err != nil {
		return r, ErrDecrypt
	}
	r.decode(plain)
	return r, nil
}
