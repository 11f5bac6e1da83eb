package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/lantern-chat/lantern/internal/config"
)

var b64raw = base64.RawStdEncoding

// HashPassword derives an argon2id PHC string from the password using the
// platform's fixed cost parameters.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt,
		config.Argon2Time, config.Argon2Memory, config.Argon2Lanes, config.Argon2HashLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, config.Argon2Memory, config.Argon2Time, config.Argon2Lanes,
		b64raw.EncodeToString(salt), b64raw.EncodeToString(hash)), nil
}

// VerifyPassword checks the password against a stored PHC string.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported password hash format")
	}

	var memory, timeCost uint32
	var lanes uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &lanes); err != nil {
		return false, fmt.Errorf("password hash params: %w", err)
	}

	salt, err := b64raw.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("password hash salt: %w", err)
	}
	want, err := b64raw.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("password hash digest: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, timeCost, memory, lanes, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
