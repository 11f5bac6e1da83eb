package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/lantern-chat/lantern/internal/models"
)

// dmPermissions is the fixed capability set inside a direct-message room.
const dmPermissions = models.RoomViewRoom | models.RoomReadMessageHistory |
	models.RoomSendMessages | models.RoomUseExternalEmotes |
	models.RoomAddReactions | models.RoomEmbedLinks | models.RoomAttachFiles

// PartyPermissions aggregates the user's role permissions within a party.
// The party owner and any role carrying ADMINISTRATOR resolve to all
// permissions.
func (d *DB) PartyPermissions(ctx context.Context, userID, partyID models.Snowflake) (models.Permissions, error) {
	var party Party
	err := d.bun.NewSelect().Model(&party).
		Column("owner_id").
		Where("id = ?", partyID.Int64()).
		Scan(ctx)
	if err != nil {
		return models.Permissions{}, normalizeErr(err)
	}
	if models.SnowflakeFromInt64(party.OwnerID) == userID {
		return models.PermissionsAll, nil
	}

	// The default role shares the party's id; membership is implicit.
	var perms []int64
	err = d.bun.NewSelect().Model((*Role)(nil)).
		Column("permissions").
		Where("party_id = ?", partyID.Int64()).
		Where("id = ? OR id IN (SELECT role_id FROM role_members WHERE user_id = ?)",
			partyID.Int64(), userID.Int64()).
		Scan(ctx, &perms)
	if err != nil {
		return models.Permissions{}, err
	}

	var low uint64
	for _, p := range perms {
		low |= uint64(p)
	}

	base := models.UnpackPermissions(low)
	if base.IsAdmin() {
		return models.PermissionsAll, nil
	}
	return base, nil
}

// RoomPermissions resolves the effective permissions within every room of
// one party: role-aggregated base, then role overwrites, then the user
// overwrite, then mute flags from room membership.
func (d *DB) RoomPermissions(ctx context.Context, userID, partyID models.Snowflake) (map[models.Snowflake]models.PermMute, error) {
	base, err := d.PartyPermissions(ctx, userID, partyID)
	if err != nil {
		return nil, fmt.Errorf("party permissions: %w", err)
	}

	var rooms []Room
	err = d.bun.NewSelect().Model(&rooms).
		Column("id").
		Where("party_id = ?", partyID.Int64()).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[models.Snowflake]models.PermMute, len(rooms))

	// Admins skip overwrite evaluation entirely.
	if base.IsAdmin() || base == models.PermissionsAll {
		for _, room := range rooms {
			out[models.SnowflakeFromInt64(room.ID)] = models.PermMute{Perms: models.PermissionsAll}
		}
		return out, nil
	}

	roleIDs, err := d.GetMemberRoleIDs(ctx, partyID, userID)
	if err != nil {
		return nil, err
	}
	roleSet := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roleSet[id.Int64()] = struct{}{}
	}

	roomIDs := make([]int64, len(rooms))
	for i, room := range rooms {
		roomIDs[i] = room.ID
	}

	var overwrites []Overwrite
	if len(roomIDs) > 0 {
		err = d.bun.NewSelect().Model(&overwrites).
			Where("room_id IN (?)", bun.In(roomIDs)).
			Scan(ctx)
		if err != nil {
			return nil, err
		}
	}

	type delta struct{ allow, deny uint64 }
	roleDeltas := make(map[int64]delta, len(rooms))
	userDeltas := make(map[int64]delta, len(rooms))
	for _, ow := range overwrites {
		switch {
		case ow.IsRole:
			if _, ok := roleSet[ow.PrincipalID]; ok {
				dl := roleDeltas[ow.RoomID]
				dl.allow |= uint64(ow.Allow)
				dl.deny |= uint64(ow.Deny)
				roleDeltas[ow.RoomID] = dl
			}
		case ow.PrincipalID == userID.Int64():
			dl := userDeltas[ow.RoomID]
			dl.allow |= uint64(ow.Allow)
			dl.deny |= uint64(ow.Deny)
			userDeltas[ow.RoomID] = dl
		}
	}

	muteFlags, err := d.roomMuteFlags(ctx, userID, roomIDs)
	if err != nil {
		return nil, err
	}

	for _, room := range rooms {
		perms := base
		if dl, ok := roleDeltas[room.ID]; ok {
			perms = perms.ApplyOverwrite(models.UnpackPermissions(dl.allow), models.UnpackPermissions(dl.deny))
		}
		if dl, ok := userDeltas[room.ID]; ok {
			perms = perms.ApplyOverwrite(models.UnpackPermissions(dl.allow), models.UnpackPermissions(dl.deny))
		}
		out[models.SnowflakeFromInt64(room.ID)] = models.PermMute{
			Perms: perms,
			Flags: muteFlags[room.ID],
		}
	}
	return out, nil
}

func (d *DB) roomMuteFlags(ctx context.Context, userID models.Snowflake, roomIDs []int64) (map[int64]models.RoomMemberFlags, error) {
	out := make(map[int64]models.RoomMemberFlags)
	if len(roomIDs) == 0 {
		return out, nil
	}
	var members []RoomMember
	err := d.bun.NewSelect().Model(&members).
		Where("user_id = ?", userID.Int64()).
		Where("room_id IN (?)", bun.In(roomIDs)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		out[m.RoomID] = models.RoomMemberFlags(m.Flags)
	}
	return out, nil
}

// AllRoomPermissions resolves permissions across every party the user
// belongs to plus their direct-message rooms: the bulk-refresh payload for
// the permission cache after Identify.
func (d *DB) AllRoomPermissions(ctx context.Context, userID models.Snowflake) (map[models.Snowflake]models.PermMute, error) {
	partyIDs, err := d.GetUserPartyIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(map[models.Snowflake]models.PermMute)
	for _, partyID := range partyIDs {
		perms, err := d.RoomPermissions(ctx, userID, partyID)
		if err != nil {
			return nil, fmt.Errorf("party %s: %w", partyID, err)
		}
		for roomID, pm := range perms {
			out[roomID] = pm
		}
	}

	dms, err := d.GetDMRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, room := range dms {
		out[room.ID] = models.PermMute{Perms: models.UnpackPermissions(dmPermissions)}
	}
	return out, nil
}
