package mfa

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/locks"
	"github.com/lantern-chat/lantern/internal/models"
)

// Store persists re-encrypted MFA records when a backup code is consumed.
type Store interface {
	UpdateUserMFA(ctx context.Context, userID models.Snowflake, encrypted []byte) error
}

// Provided is the caller's view of a user's MFA record: either the sealed
// blob from the users row or an already-decrypted record.
type Provided struct {
	Encrypted []byte
	Plain     *Record
}

type attemptKind uint8

const (
	attemptTOTP attemptKind = iota
	attemptBackup
)

type attempt struct {
	kind   attemptKind
	totp   string
	backup uint64
}

// parseAttempt classifies a submitted token: 6 ASCII digits are a TOTP
// candidate, 13 Crockford-base32 characters are a backup-code candidate.
func parseAttempt(token string) (attempt, error) {
	switch len(token) {
	case 6:
		for i := 0; i < len(token); i++ {
			if token[i] < '0' || token[i] > '9' {
				return attempt{}, auth.ErrInvalidCredentials
			}
		}
		return attempt{kind: attemptTOTP, totp: token}, nil
	case backupCodeLen:
		code, ok := ParseBackupCode(token)
		if !ok {
			return attempt{}, auth.ErrInvalidCredentials
		}
		return attempt{kind: attemptBackup, backup: code}, nil
	}
	return attempt{}, auth.ErrInvalidCredentials
}

// ValidateTokenShape pre-screens a submitted 2FA token before any expensive
// work; shape failures surface as TOTPRequired so login forms re-prompt.
func ValidateTokenShape(token string) error {
	switch len(token) {
	case 6:
		for i := 0; i < len(token); i++ {
			if token[i] < '0' || token[i] > '9' {
				return auth.ErrTOTPRequired
			}
		}
	case backupCodeLen:
		for i := 0; i < len(token); i++ {
			if !IsBackupCodeChar(token[i]) {
				return auth.ErrTOTPRequired
			}
		}
	default:
		return auth.ErrTOTPRequired
	}
	return nil
}

// Engine drives 2FA verification. The last-used TOTP step per user lives in
// process memory; the per-user lock makes lookups of it safe and, when the
// configured locker is distributed, extends the anti-replay guarantee
// across processes.
type Engine struct {
	masterKey []byte
	locker    locks.UserLocker
	store     Store

	// memSem bounds concurrent record crypto, the memory-cost class of
	// work alongside password hashing.
	memSem *semaphore.Weighted

	mu       sync.Mutex
	lastUsed map[models.Snowflake]uint64
}

// NewEngine builds an Engine over the 32-byte master key.
func NewEngine(masterKey []byte, locker locks.UserLocker, store Store) *Engine {
	return &Engine{
		masterKey: masterKey,
		locker:    locker,
		store:     store,
		memSem:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		lastUsed:  make(map[models.Snowflake]uint64),
	}
}

func (e *Engine) lastStep(userID models.Snowflake) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed[userID]
}

func (e *Engine) storeStep(userID models.Snowflake, step uint64) {
	e.mu.Lock()
	if step > e.lastUsed[userID] {
		e.lastUsed[userID] = step
	}
	e.mu.Unlock()
}

// Process2FA verifies a submitted token against the user's MFA record,
// holding the per-user lock for the whole operation so a single TOTP can
// never be redeemed twice. Consumed backup codes are replaced with fresh
// random values and the record is re-encrypted and written back.
func (e *Engine) Process2FA(ctx context.Context, userID models.Snowflake, provided Provided, password, token string) error {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("2fa lock: %w", err)
	}
	defer unlock()

	att, err := parseAttempt(token)
	if err != nil {
		return err
	}

	var record Record
	if provided.Plain != nil {
		record = *provided.Plain
	} else {
		if err := e.memSem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("2fa crypto permit: %w", err)
		}
		record, err = Decrypt(e.masterKey, userID, password, provided.Encrypted)
		e.memSem.Release(1)
		if err != nil {
			// Tag mismatches never leak to the client verbatim.
			slog.Error("mfa decrypt failed", "user_id", userID)
			return err
		}
	}

	switch att.kind {
	case attemptTOTP:
		now := uint64(time.Now().Unix())
		last := e.lastStep(userID)
		if !NewTOTP6(record.Key[:]).Check(att.totp, now, &last) {
			return auth.ErrInvalidCredentials
		}
		e.storeStep(userID, last)

	case attemptBackup:
		idx := -1
		for i, backup := range record.Backups {
			if backup == att.backup {
				idx = i
				break
			}
		}
		if idx < 0 {
			return auth.ErrInvalidCredentials
		}

		slog.Debug("mfa backup code used, rotating slot", "user_id", userID)

		var fresh [8]byte
		if _, err := rand.Read(fresh[:]); err != nil {
			return fmt.Errorf("backup rotation entropy: %w", err)
		}
		record.Backups[idx] = binary.LittleEndian.Uint64(fresh[:])

		if err := e.memSem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("2fa crypto permit: %w", err)
		}
		encrypted, err := record.Encrypt(e.masterKey, userID, password)
		e.memSem.Release(1)
		if err != nil {
			slog.Error("mfa re-encrypt failed", "user_id", userID)
			return err
		}
		if err := e.store.UpdateUserMFA(ctx, userID, encrypted); err != nil {
			return fmt.Errorf("persist rotated backup: %w", err)
		}
	}

	return nil
}
