package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lantern-chat/lantern/internal/models"
)

const (
	distLockTTL   = 15 * time.Second
	distLockRetry = 50 * time.Millisecond
)

// unlockScript releases the lock only if it is still ours.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Distributed is the Redis-backed UserLocker for multi-process
// deployments. Locks carry a TTL so a crashed holder cannot wedge a user
// forever.
type Distributed struct {
	client *redis.Client
}

// NewDistributed wraps an existing Redis client.
func NewDistributed(client *redis.Client) *Distributed {
	return &Distributed{client: client}
}

// Lock implements UserLocker with SET NX PX polling.
func (d *Distributed) Lock(ctx context.Context, userID models.Snowflake) (func(), error) {
	key := fmt.Sprintf("lantern:lock:user:%s", userID)
	token := uuid.NewString()

	ticker := time.NewTicker(distLockRetry)
	defer ticker.Stop()

	for {
		ok, err := d.client.SetNX(ctx, key, token, distLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("distributed lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, d.client, []string{key}, token).Err()
	}, nil
}
