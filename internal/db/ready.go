package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/lantern-chat/lantern/internal/models"
)

// AssetEncrypter converts a raw asset snowflake into the opaque string
// clients receive, salted by the owning principal. Satisfied by
// assets.Encrypter.
type AssetEncrypter interface {
	EncryptSnowflake(id, owner models.Snowflake) string
}

func encryptOpt(enc AssetEncrypter, id int64, owner models.Snowflake) string {
	if id == 0 {
		return ""
	}
	return enc.EncryptSnowflake(models.SnowflakeFromInt64(id), owner)
}

// GetSelf builds the full self-user payload for Ready, email included.
func (d *DB) GetSelf(ctx context.Context, userID models.Snowflake, enc AssetEncrypter) (models.User, error) {
	user, err := d.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}

	out := models.User{
		ID:            userID,
		Username:      user.Username,
		Discriminator: user.Discriminator,
		Flags:         models.UserFlags(user.Flags),
		Email:         user.Email,
	}

	var profile Profile
	err = d.bun.NewSelect().Model(&profile).
		Where("user_id = ? AND party_id = 0", userID.Int64()).
		Scan(ctx)
	if err == nil {
		out.Profile = &models.Profile{
			Bits:   uint32(profile.Bits),
			Nick:   profile.Nick,
			Avatar: encryptOpt(enc, profile.AvatarID, userID),
			Status: profile.Status,
			Bio:    profile.Bio,
		}
	} else if err := normalizeErr(err); err != ErrNotFound {
		return models.User{}, err
	}

	return out, nil
}

// GetUserParties assembles every joined party with its roles and custom
// emotes, the bulk of the Ready payload.
func (d *DB) GetUserParties(ctx context.Context, userID models.Snowflake, enc AssetEncrypter) ([]models.Party, error) {
	var memberships []PartyMember
	err := d.bun.NewSelect().Model(&memberships).
		Where("user_id = ?", userID.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("membership rows: %w", err)
	}
	if len(memberships) == 0 {
		return []models.Party{}, nil
	}

	positions := make(map[int64]int16, len(memberships))
	ids := make([]int64, 0, len(memberships))
	for _, m := range memberships {
		positions[m.PartyID] = m.Position
		ids = append(ids, m.PartyID)
	}

	var rows []Party
	err = d.bun.NewSelect().Model(&rows).
		Where("id IN (?)", bun.In(ids)).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("party rows: %w", err)
	}

	parties := make(map[int64]*models.Party, len(rows))
	order := make([]int64, 0, len(rows))
	for _, row := range rows {
		parties[row.ID] = &models.Party{
			ID:          models.SnowflakeFromInt64(row.ID),
			OwnerID:     models.SnowflakeFromInt64(row.OwnerID),
			Name:        row.Name,
			Description: row.Description,
			Avatar:      encryptOpt(enc, row.AvatarID, models.SnowflakeFromInt64(row.ID)),
			DefaultRoom: models.SnowflakeFromInt64(row.DefaultRoom),
			Position:    positions[row.ID],
			Roles:       []models.Role{},
			Emotes:      []models.Emote{},
		}
		order = append(order, row.ID)
	}

	var roles []Role
	err = d.bun.NewSelect().Model(&roles).
		Where("party_id IN (?)", bun.In(ids)).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("role rows: %w", err)
	}
	for _, role := range roles {
		if party, ok := parties[role.PartyID]; ok {
			party.Roles = append(party.Roles, models.Role{
				ID:          models.SnowflakeFromInt64(role.ID),
				PartyID:     models.SnowflakeFromInt64(role.PartyID),
				Name:        role.Name,
				Permissions: models.UnpackPermissions(uint64(role.Permissions)),
				Color:       uint32(role.Color),
				Position:    role.Position,
			})
		}
	}

	var emotes []EmoteRow
	err = d.bun.NewSelect().Model(&emotes).
		Where("party_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("emote rows: %w", err)
	}
	for _, emote := range emotes {
		if party, ok := parties[emote.PartyID]; ok {
			party.Emotes = append(party.Emotes, models.Emote{
				ID:      models.SnowflakeFromInt64(emote.ID),
				PartyID: models.SnowflakeFromInt64(emote.PartyID),
				Name:    emote.Name,
				Asset:   encryptOpt(enc, emote.AssetID, models.SnowflakeFromInt64(emote.PartyID)),
			})
		}
	}

	out := make([]models.Party, 0, len(order))
	for _, id := range order {
		out = append(out, *parties[id])
	}
	return out, nil
}

// GetDMRooms lists the user's direct-message rooms.
func (d *DB) GetDMRooms(ctx context.Context, userID models.Snowflake) ([]models.Room, error) {
	var rooms []Room
	err := d.bun.NewSelect().Model(&rooms).
		Join("INNER JOIN room_members AS rm ON rm.room_id = room.id").
		Where("rm.user_id = ?", userID.Int64()).
		Where("room.party_id IS NULL").
		Where("room.deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Room, len(rooms))
	for i, room := range rooms {
		out[i] = models.Room{
			ID:    models.SnowflakeFromInt64(room.ID),
			Name:  room.Name,
			Topic: room.Topic,
			Flags: uint32(room.Flags),
		}
	}
	return out, nil
}
