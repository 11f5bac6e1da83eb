package mfa

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lantern-chat/lantern/internal/config"
)

// TOTP checks and generates RFC-6238 codes over a 256-bit key with
// HMAC-SHA-256. User logins use six digits; admin flows use eight.
type TOTP struct {
	key    []byte
	digits otp.Digits
	step   uint64
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewTOTP6 builds the six-digit user-login instance.
func NewTOTP6(key []byte) TOTP { return newTOTP(key, otp.DigitsSix) }

// NewTOTP8 builds the eight-digit admin instance.
func NewTOTP8(key []byte) TOTP { return newTOTP(key, otp.DigitsEight) }

func newTOTP(key []byte, digits otp.Digits) TOTP {
	if len(key) < KeyLength {
		panic("totp key must be at least 256-bit")
	}
	return TOTP{key: key, digits: digits, step: uint64(config.TOTPStep / time.Second)}
}

func (t TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(t.step),
		Digits:    t.digits,
		Algorithm: otp.AlgorithmSHA256,
	}
}

// generate renders the code for one exact step.
func (t TOTP) generate(step uint64) (string, error) {
	return totp.GenerateCodeCustom(b32.EncodeToString(t.key), time.Unix(int64(step*t.step), 0).UTC(), t.opts())
}

// GenerateAt renders the code for a wall-clock time, for enrollment and
// tests.
func (t TOTP) GenerateAt(unix uint64) (string, error) {
	return t.generate(unix / t.step)
}

// Check accepts token iff it matches step N, N-1 or N+1 for the current
// time AND the matched step is newer than *last. On success *last advances
// to the max of itself and the matched step, so a code can never be
// accepted twice within the skew window.
func (t TOTP) Check(token string, unix uint64, last *uint64) bool {
	step := unix / t.step
	if *last >= step {
		return false
	}

	for _, candidate := range [3]uint64{step, step - 1, step + 1} {
		if candidate <= *last {
			continue
		}
		code, err := t.generate(candidate)
		if err != nil {
			return false
		}
		if code == token {
			if candidate > *last {
				*last = candidate
			}
			return true
		}
	}
	return false
}

// URL renders the otpauth enrollment URI.
func (t TOTP) URL(label, issuer string) string {
	return fmt.Sprintf("otpauth://totp/%s?secret=%s&issuer=%s&digits=%d&algorithm=SHA256",
		url.PathEscape(label), b32.EncodeToString(t.key), url.QueryEscape(issuer), t.digits.Length())
}
