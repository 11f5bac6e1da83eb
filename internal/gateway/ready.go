package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

// buildReady assembles the Ready payload and promotes the connection to
// ACTIVE: self profile, joined parties with roles and emotes, DM rooms.
// The permission cache reference is taken up front and released on any
// failure before the error propagates, so a half-built connection never
// leaks a reference.
func (c *Conn) buildReady(ctx context.Context, authz auth.Authorization, intent models.Intent) (*wire.ReadyPayload, error) {
	state := c.state
	userID := authz.UserID

	warm := state.Perms.AddReference(userID)
	released := false
	release := func() {
		if !released {
			released = true
			state.Perms.RemoveReference(userID)
		}
	}
	if !warm {
		perms, err := state.DB.AllRoomPermissions(ctx, userID)
		if err != nil {
			release()
			return nil, fmt.Errorf("refresh room perms: %w", err)
		}
		state.Perms.BatchSet(userID, perms)
	}

	user, err := state.DB.GetSelf(ctx, userID, state.Assets)
	if err != nil {
		release()
		return nil, fmt.Errorf("self user: %w", err)
	}

	parties, err := state.DB.GetUserParties(ctx, userID, state.Assets)
	if err != nil {
		release()
		return nil, fmt.Errorf("parties: %w", err)
	}

	dms, err := state.DB.GetDMRooms(ctx, userID)
	if err != nil {
		release()
		return nil, fmt.Errorf("dm rooms: %w", err)
	}

	blockedBy, err := state.DB.GetBlockedBy(ctx, userID)
	if err != nil {
		release()
		return nil, fmt.Errorf("blocked by: %w", err)
	}

	// Warm the per-connection role cache opportunistically; failures here
	// degrade mention gating to its fall-open hint behavior.
	for _, party := range parties {
		roleIDs, err := state.DB.GetMemberRoleIDs(ctx, party.ID, userID)
		if err != nil {
			slog.Debug("role cache warm failed", "party_id", party.ID, "error", err)
			continue
		}
		c.roles.Set(party.ID, roleIDs)
	}

	c.mu.Lock()
	c.userID = userID
	c.intent = intent
	c.blockedBy = blockedBy
	c.hasRef = true
	c.phase = stateActive
	for _, party := range parties {
		c.listeners[party.ID] = struct{}{}
	}
	c.mu.Unlock()

	for _, party := range parties {
		state.Router.Subscribe(party.ID, c)
	}

	return &wire.ReadyPayload{
		User:    user,
		DMs:     dms,
		Parties: parties,
		Session: c.id,
	}, nil
}
