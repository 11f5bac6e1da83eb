package db

import (
	"context"
	"fmt"

	"github.com/lantern-chat/lantern/internal/models"
)

// GetMessageEvent assembles the full message payload for a message event,
// author and mentions included.
func (d *DB) GetMessageEvent(ctx context.Context, id models.Snowflake, enc AssetEncrypter) (*models.Message, error) {
	var row MessageRow
	err := d.bun.NewSelect().Model(&row).
		Where("id = ?", id.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}

	var room Room
	err = d.bun.NewSelect().Model(&room).
		Column("party_id").
		Where("id = ?", row.RoomID).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}

	author, err := d.GetUser(ctx, models.SnowflakeFromInt64(row.UserID))
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:      id,
		RoomID:  models.SnowflakeFromInt64(row.RoomID),
		PartyID: models.SnowflakeFromInt64(room.PartyID),
		Author: models.User{
			ID:            models.SnowflakeFromInt64(row.UserID),
			Username:      author.Username,
			Discriminator: author.Discriminator,
			Flags:         models.UserFlags(author.Flags).Publicize(),
		},
		Content:  row.Content,
		Flags:    uint32(row.Flags),
		EditedAt: row.EditedAt,
	}

	var mentions []Mention
	err = d.bun.NewSelect().Model(&mentions).
		Where("message_id = ?", id.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mentions {
		target := models.SnowflakeFromInt64(m.TargetID)
		if m.IsRole {
			msg.RoleMentions = append(msg.RoleMentions, target)
		} else {
			msg.UserMentions = append(msg.UserMentions, target)
		}
	}

	if msg.PartyID.IsValid() {
		member, err := d.GetMemberEvent(ctx, msg.PartyID, msg.Author.ID, enc)
		if err == nil {
			member.User = nil // author already carried at top level
			msg.Member = member
		} else if err != ErrNotFound {
			return nil, err
		}
	}
	return msg, nil
}

// GetMemberEvent assembles the PartyMember payload for member events,
// user, nickname, roles and presence included.
func (d *DB) GetMemberEvent(ctx context.Context, partyID, userID models.Snowflake, enc AssetEncrypter) (*models.PartyMember, error) {
	var member PartyMember
	err := d.bun.NewSelect().Model(&member).
		Where("party_id = ? AND user_id = ?", partyID.Int64(), userID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}

	user, err := d.getEventUser(ctx, userID, partyID, enc)
	if err != nil {
		return nil, err
	}

	roleIDs, err := d.GetMemberRoleIDs(ctx, partyID, userID)
	if err != nil {
		return nil, err
	}

	out := &models.PartyMember{
		User:     user,
		Roles:    roleIDs,
		JoinedAt: &member.JoinedAt,
	}

	var presence Presence
	err = d.bun.NewSelect().Model(&presence).
		Where("user_id = ?", userID.Int64()).
		Scan(ctx)
	if err == nil {
		out.Presence = &models.Presence{
			Flags:     uint32(presence.Flags),
			UpdatedAt: &presence.UpdatedAt,
		}
	} else if err := normalizeErr(err); err != ErrNotFound {
		return nil, err
	}

	return out, nil
}

// GetUserEvent builds the public user payload for user-scoped events. The
// actual PartyMember row is deleted on member-left, so callers fall back to
// this when GetMemberEvent misses.
func (d *DB) GetUserEvent(ctx context.Context, userID models.Snowflake, enc AssetEncrypter) (*models.User, error) {
	return d.getEventUser(ctx, userID, 0, enc)
}

func (d *DB) getEventUser(ctx context.Context, userID, partyID models.Snowflake, enc AssetEncrypter) (*models.User, error) {
	user, err := d.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &models.User{
		ID:            userID,
		Username:      user.Username,
		Discriminator: user.Discriminator,
		Flags:         models.UserFlags(user.Flags).Publicize(),
	}

	// Party profile overrides the base profile field-by-field.
	var profiles []Profile
	err = d.bun.NewSelect().Model(&profiles).
		Where("user_id = ?", userID.Int64()).
		Where("party_id = 0 OR party_id = ?", partyID.Int64()).
		Order("party_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(profiles) > 0 {
		merged := models.Profile{}
		for _, p := range profiles {
			merged.Bits |= uint32(p.Bits)
			if p.Nick != "" {
				merged.Nick = p.Nick
			}
			if p.AvatarID != 0 {
				merged.Avatar = encryptOpt(enc, p.AvatarID, userID)
			}
			if p.Status != "" {
				merged.Status = p.Status
			}
			if p.Bio != "" {
				merged.Bio = p.Bio
			}
		}
		out.Profile = &merged
	}
	return out, nil
}

// MemberProfileRow is one row of the profile-update stream.
type MemberProfileRow struct {
	PartyID       models.Snowflake
	Username      string
	Discriminator int16
	Flags         models.UserFlags
	Bits          uint32
	Nick          string
	AvatarID      models.Snowflake
	Status        string
}

// StreamMemberProfiles walks every party membership of the user, invoking
// fn per row without collecting the result set first; per-row work (avatar
// encryption) dominates memory cost on large accounts.
func (d *DB) StreamMemberProfiles(ctx context.Context, userID models.Snowflake, fn func(MemberProfileRow) error) error {
	rows, err := d.bun.QueryContext(ctx, `
		SELECT
			pm.party_id,
			u.username,
			u.discriminator,
			u.flags,
			COALESCE(pp.bits, bp.bits, 0),
			COALESCE(NULLIF(pp.nick, ''), bp.nick, ''),
			COALESCE(pp.avatar_id, bp.avatar_id, 0),
			COALESCE(NULLIF(pp.status, ''), bp.status, '')
		FROM party_members AS pm
		INNER JOIN users AS u ON u.id = pm.user_id
		LEFT JOIN profiles AS bp ON bp.user_id = u.id AND bp.party_id = 0
		LEFT JOIN profiles AS pp ON pp.user_id = u.id AND pp.party_id = pm.party_id
		WHERE pm.user_id = ?`, userID.Int64())
	if err != nil {
		return fmt.Errorf("profile stream: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row      MemberProfileRow
			partyID  int64
			avatarID int64
			flags    int32
		)
		if err := rows.Scan(&partyID, &row.Username, &row.Discriminator, &flags,
			&row.Bits, &row.Nick, &avatarID, &row.Status); err != nil {
			return err
		}
		row.PartyID = models.SnowflakeFromInt64(partyID)
		row.AvatarID = models.SnowflakeFromInt64(avatarID)
		row.Flags = models.UserFlags(flags)
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetPresenceEvent fetches a user's stored presence.
func (d *DB) GetPresenceEvent(ctx context.Context, userID models.Snowflake) (*models.Presence, error) {
	var presence Presence
	err := d.bun.NewSelect().Model(&presence).
		Where("user_id = ?", userID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &models.Presence{
		Flags:     uint32(presence.Flags),
		UpdatedAt: &presence.UpdatedAt,
	}, nil
}

// GetRoomEvent fetches a room payload for room lifecycle events.
func (d *DB) GetRoomEvent(ctx context.Context, roomID models.Snowflake) (*models.Room, error) {
	var room Room
	err := d.bun.NewSelect().Model(&room).
		Where("id = ?", roomID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &models.Room{
		ID:      models.SnowflakeFromInt64(room.ID),
		PartyID: models.SnowflakeFromInt64(room.PartyID),
		Name:    room.Name,
		Topic:   room.Topic,
		Flags:   uint32(room.Flags),
	}, nil
}

// GetRoleEvent fetches a role payload for role lifecycle events.
func (d *DB) GetRoleEvent(ctx context.Context, roleID models.Snowflake) (*models.Role, error) {
	var role Role
	err := d.bun.NewSelect().Model(&role).
		Where("id = ?", roleID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &models.Role{
		ID:          models.SnowflakeFromInt64(role.ID),
		PartyID:     models.SnowflakeFromInt64(role.PartyID),
		Name:        role.Name,
		Permissions: models.UnpackPermissions(uint64(role.Permissions)),
		Color:       uint32(role.Color),
		Position:    role.Position,
	}, nil
}

// GetPartyEvent fetches a full party payload (roles and emotes included),
// used for party events and the PartyCreate sent to a fresh member.
func (d *DB) GetPartyEvent(ctx context.Context, partyID models.Snowflake, enc AssetEncrypter) (*models.Party, error) {
	var party Party
	err := d.bun.NewSelect().Model(&party).
		Where("id = ?", partyID.Int64()).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}

	out := &models.Party{
		ID:          partyID,
		OwnerID:     models.SnowflakeFromInt64(party.OwnerID),
		Name:        party.Name,
		Description: party.Description,
		Avatar:      encryptOpt(enc, party.AvatarID, partyID),
		DefaultRoom: models.SnowflakeFromInt64(party.DefaultRoom),
		Roles:       []models.Role{},
		Emotes:      []models.Emote{},
	}

	var roles []Role
	err = d.bun.NewSelect().Model(&roles).
		Where("party_id = ?", partyID.Int64()).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		out.Roles = append(out.Roles, models.Role{
			ID:          models.SnowflakeFromInt64(role.ID),
			PartyID:     partyID,
			Name:        role.Name,
			Permissions: models.UnpackPermissions(uint64(role.Permissions)),
			Color:       uint32(role.Color),
			Position:    role.Position,
		})
	}

	var emotes []EmoteRow
	err = d.bun.NewSelect().Model(&emotes).
		Where("party_id = ?", partyID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, emote := range emotes {
		out.Emotes = append(out.Emotes, models.Emote{
			ID:      models.SnowflakeFromInt64(emote.ID),
			PartyID: partyID,
			Name:    emote.Name,
			Asset:   encryptOpt(enc, emote.AssetID, partyID),
		})
	}
	return out, nil
}
