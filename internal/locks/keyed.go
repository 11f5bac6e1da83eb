// Package locks provides per-key mutual exclusion: a process-local keyed
// mutex table, and a Redis-backed variant for deployments running more than
// one process, where process-local exclusion is not enough to prevent
// concurrent reuse of a single TOTP.
package locks

import (
	"context"
	"sync"

	"github.com/lantern-chat/lantern/internal/models"
)

// UserLocker serializes critical sections per user id.
type UserLocker interface {
	// Lock blocks until the user's lock is held or ctx is done. The
	// returned function releases the lock and must be called exactly once.
	Lock(ctx context.Context, userID models.Snowflake) (func(), error)
}

type keyedEntry struct {
	mu      sync.Mutex
	waiters int
}

// Keyed is the in-process UserLocker. Entries are evicted once no waiters
// remain, so the table stays proportional to concurrent contention.
type Keyed struct {
	mu      sync.Mutex
	entries map[models.Snowflake]*keyedEntry
}

// NewKeyed creates an empty keyed mutex table.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[models.Snowflake]*keyedEntry)}
}

// Lock implements UserLocker.
func (k *Keyed) Lock(ctx context.Context, userID models.Snowflake) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[userID]
	if !ok {
		e = &keyedEntry{}
		k.entries[userID] = e
	}
	e.waiters++
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The lock will still be taken by the goroutine above; hand it
		// straight back and drop our waiter slot.
		go func() {
			<-acquired
			e.mu.Unlock()
			k.release(userID, e)
		}()
		return nil, ctx.Err()
	}

	return func() {
		e.mu.Unlock()
		k.release(userID, e)
	}, nil
}

func (k *Keyed) release(userID models.Snowflake, e *keyedEntry) {
	k.mu.Lock()
	e.waiters--
	if e.waiters == 0 {
		delete(k.entries, userID)
	}
	k.mu.Unlock()
}

// Len returns the number of live entries, for tests and diagnostics.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
