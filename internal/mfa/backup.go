package mfa

import (
	"encoding/binary"
	"strings"
)

// Backup codes render as 13 characters of Crockford base32 over the
// little-endian bytes of a u64 slot.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const backupCodeLen = 13

var crockfordIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(crockford); i++ {
		idx[crockford[i]] = int8(i)
	}
	return idx
}()

// IsBackupCodeChar reports whether c belongs to the Crockford alphabet.
func IsBackupCodeChar(c byte) bool { return crockfordIndex[c] >= 0 }

// FormatBackupCode renders one backup slot for display to the user.
func FormatBackupCode(code uint64) string {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], code)

	var sb strings.Builder
	sb.Grow(backupCodeLen)

	// 5 bits per character, MSB-first over the byte stream.
	var acc, bits uint
	for _, b := range raw {
		acc = acc<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(crockford[acc>>bits&31])
		}
	}
	// 64 bits leaves 4 trailing bits; pad to a full character.
	sb.WriteByte(crockford[acc<<(5-bits)&31])
	return sb.String()
}

// ParseBackupCode decodes a 13-character code back to its u64 slot value.
// Returns false for any character outside the alphabet.
func ParseBackupCode(token string) (uint64, bool) {
	if len(token) != backupCodeLen {
		return 0, false
	}

	var acc uint
	var bits uint
	var raw [8]byte
	n := 0
	for i := 0; i < backupCodeLen; i++ {
		v := crockfordIndex[token[i]]
		if v < 0 {
			return 0, false
		}
		acc = acc<<5 | uint(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			raw[n] = byte(acc >> bits)
			n++
		}
	}
	return binary.LittleEndian.Uint64(raw[:]), true
}
