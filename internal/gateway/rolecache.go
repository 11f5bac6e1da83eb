package gateway

import (
	"sync"

	"github.com/lantern-chat/lantern/internal/models"
)

// roleCache is a small per-connection cache of the user's role membership,
// filled at Ready; member events do not update it. It exists to
// test role-targeted mentions without a database round trip; consumers
// treat it as a hint and must tolerate unknown parties.
type roleCache struct {
	mu      sync.RWMutex
	parties map[models.Snowflake]map[models.Snowflake]struct{}
}

func newRoleCache() *roleCache {
	return &roleCache{parties: make(map[models.Snowflake]map[models.Snowflake]struct{})}
}

// Set replaces the cached role set for one party.
func (rc *roleCache) Set(partyID models.Snowflake, roleIDs []models.Snowflake) {
	set := make(map[models.Snowflake]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		set[id] = struct{}{}
	}
	rc.mu.Lock()
	rc.parties[partyID] = set
	rc.mu.Unlock()
}

// Forget drops one party (left/kicked).
func (rc *roleCache) Forget(partyID models.Snowflake) {
	rc.mu.Lock()
	delete(rc.parties, partyID)
	rc.mu.Unlock()
}

// HasAny reports (known, member): whether the party is cached at all, and
// if so whether any of the role ids intersects the cached set.
func (rc *roleCache) HasAny(partyID models.Snowflake, roleIDs []models.Snowflake) (known, member bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	set, ok := rc.parties[partyID]
	if !ok {
		return false, false
	}
	for _, id := range roleIDs {
		if _, hit := set[id]; hit {
			return true, true
		}
	}
	return true, false
}
