package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/models"
	"github.com/lantern-chat/lantern/internal/wire"
)

// processEvent translates one event-log entry into zero or one ServerMsg
// and dispatches it through the router. Processors read database state and
// perform no side effects beyond dispatch.
func processEvent(ctx context.Context, state *State, entry db.EventLogEntry) error {
	subject := models.SnowflakeFromInt64(entry.SubjectID)
	partyID := models.SnowflakeFromInt64(entry.PartyID)
	roomID := models.SnowflakeFromInt64(entry.RoomID)

	switch entry.Code {
	case db.EventMessageCreate, db.EventMessageUpdate, db.EventMessageDelete:
		return messageEvent(ctx, state, entry.Code, subject, partyID, roomID)

	case db.EventTypingStarted:
		return typingStart(ctx, state, subject, partyID, roomID)

	case db.EventMemberJoined, db.EventMemberLeft, db.EventMemberUpdated,
		db.EventMemberBan, db.EventMemberUnban:
		return memberEvent(ctx, state, entry.Code, subject, partyID)

	case db.EventProfileUpdated:
		return profileUpdated(ctx, state, subject, partyID)

	case db.EventPresenceUpdated:
		return presenceUpdated(ctx, state, subject, partyID)

	case db.EventUserUpdated:
		return userUpdated(ctx, state, subject)

	case db.EventRoleCreated, db.EventRoleUpdated, db.EventRoleDeleted:
		return roleEvent(ctx, state, entry.Code, subject, partyID)

	case db.EventRoomCreated, db.EventRoomUpdated, db.EventRoomDeleted:
		return roomEvent(ctx, state, entry.Code, subject, partyID)

	case db.EventPartyCreated, db.EventPartyUpdated, db.EventPartyDeleted:
		return partyEvent(ctx, state, entry.Code, subject)

	case db.EventPermsUpdated:
		// Permissions changed for a user somewhere; invalidate and let
		// connections rebuild lazily.
		state.Perms.ClearUser(subject)
		state.Router.RefreshUserPerms(subject)
		return nil

	case db.EventSessionExpired:
		state.Router.CloseUser(subject)
		return nil
	}

	slog.Warn("unknown event code", "code", entry.Code, "counter", entry.Counter)
	return nil
}

func messageEvent(ctx context.Context, state *State, code db.EventCode, id, partyID, roomID models.Snowflake) error {
	var msg wire.ServerMsg

	if code == db.EventMessageDelete {
		// The row is gone; the log entry carries everything that's left.
		msg = wire.ServerMsg{Op: wire.OpMessageDelete, Payload: &wire.MessageDeletePayload{
			ID:      id,
			RoomID:  roomID,
			PartyID: partyID,
		}}
	} else {
		message, err := state.DB.GetMessageEvent(ctx, id, state.Assets)
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if message.PartyID != partyID {
			slog.Warn("message party differs from event-log party",
				"message_id", id, "log_party", partyID, "row_party", message.PartyID)
		}
		partyID = message.PartyID
		roomID = message.RoomID

		op := wire.OpMessageCreate
		if code == db.EventMessageUpdate {
			op = wire.OpMessageUpdate
		}
		msg = wire.ServerMsg{Op: op, Payload: message}
	}

	if !partyID.IsValid() {
		// Non-party (DM) fan-out has no specified visibility set yet.
		return auth.ErrUnimplemented
	}

	state.Router.BroadcastEvent(NewEvent(msg, roomID), partyID)
	return nil
}

func typingStart(ctx context.Context, state *State, userID, partyID, roomID models.Snowflake) error {
	if !partyID.IsValid() {
		// Typing in non-party rooms is a recognized gap; reject rather
		// than invent visibility rules.
		return auth.ErrUnimplemented
	}

	if state.throttleTyping(userID, roomID) {
		return nil
	}

	payload := &wire.TypingStartPayload{
		Room:  roomID,
		Party: partyID,
		User:  userID,
	}

	member, err := state.DB.GetMemberEvent(ctx, partyID, userID, state.Assets)
	switch {
	case err == nil:
		payload.Member = member
	case errors.Is(err, db.ErrNotFound):
		slog.Warn("typing event from user not in the room", "user_id", userID, "room_id", roomID)
	default:
		return fmt.Errorf("typing member: %w", err)
	}

	state.Router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: wire.OpTypingStart, Payload: payload}, roomID), partyID)
	return nil
}

func memberEvent(ctx context.Context, state *State, code db.EventCode, userID, partyID models.Snowflake) error {
	if !partyID.IsValid() {
		return fmt.Errorf("member event %d without a party id: %s", code, userID)
	}

	var member *models.PartyMember
	if code == db.EventMemberLeft || code == db.EventMemberBan {
		// The PartyMember row is deleted on leave, so fetch the user
		// directly.
		user, err := state.DB.GetUserEvent(ctx, userID, state.Assets)
		if err != nil {
			return fmt.Errorf("left member user: %w", err)
		}
		member = &models.PartyMember{User: user}
	} else {
		var err error
		member, err = state.DB.GetMemberEvent(ctx, partyID, userID, state.Assets)
		if err != nil {
			return fmt.Errorf("member row: %w", err)
		}
	}

	payload := &wire.PartyMemberPayload{PartyID: partyID, Member: *member}

	var op wire.ServerOp
	switch code {
	case db.EventMemberJoined:
		op = wire.OpMemberAdd
	case db.EventMemberUpdated:
		op = wire.OpMemberUpdate
	case db.EventMemberUnban:
		op = wire.OpMemberUnban
	case db.EventMemberLeft:
		op = wire.OpMemberRemove
	case db.EventMemberBan:
		// Bans broadcast both the ban and the removal.
		state.Router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: wire.OpMemberBan, Payload: payload}, 0), partyID)
		op = wire.OpMemberRemove
	}

	state.Router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: op, Payload: payload}, 0), partyID)

	// A fresh member additionally receives the full party payload so
	// their client can render it without a round trip.
	if code == db.EventMemberJoined {
		party, err := state.DB.GetPartyEvent(ctx, partyID, state.Assets)
		if err != nil {
			return fmt.Errorf("joined party payload: %w", err)
		}
		state.Router.BroadcastToUser(
			NewEvent(wire.ServerMsg{Op: wire.OpPartyCreate, Payload: &wire.PartyPayload{Party: *party}}, 0),
			userID)
	}
	return nil
}

// profileUpdated streams the user's party memberships and emits a
// per-party ProfileUpdate with the party-overridden fields. Because all
// rows belong to one user, consecutive rows usually share an avatar; the
// encrypted string is reused whenever the underlying id is unchanged.
func profileUpdated(ctx context.Context, state *State, userID, onlyParty models.Snowflake) error {
	var (
		lastAvatarID  models.Snowflake
		lastEncrypted string
	)

	return state.DB.StreamMemberProfiles(ctx, userID, func(row db.MemberProfileRow) error {
		if onlyParty.IsValid() && row.PartyID != onlyParty {
			return nil
		}

		var avatar string
		if row.AvatarID.IsValid() {
			if row.AvatarID == lastAvatarID {
				avatar = lastEncrypted
			} else {
				avatar = state.Assets.EncryptSnowflake(row.AvatarID, userID)
				lastAvatarID, lastEncrypted = row.AvatarID, avatar
			}
		}

		payload := &wire.ProfileUpdatePayload{
			PartyID: row.PartyID,
			User: models.User{
				ID:            userID,
				Username:      row.Username,
				Discriminator: row.Discriminator,
				Flags:         row.Flags.Publicize(),
				Profile: &models.Profile{
					Bits:   row.Bits,
					Nick:   row.Nick,
					Avatar: avatar,
					Status: row.Status,
				},
			},
		}

		state.Router.BroadcastEvent(
			NewEvent(wire.ServerMsg{Op: wire.OpProfileUpdate, Payload: payload}, 0),
			row.PartyID)
		return nil
	})
}

func presenceUpdated(ctx context.Context, state *State, userID, partyID models.Snowflake) error {
	presence, err := state.DB.GetPresenceEvent(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("presence: %w", err)
	}

	payload := &wire.PresenceUpdatePayload{UserID: userID, Presence: *presence}

	if partyID.IsValid() {
		payload.PartyID = partyID
		state.Router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: wire.OpPresenceUpdate, Payload: payload}, 0), partyID)
		return nil
	}

	// No party scope: fan out to every party the user belongs to.
	partyIDs, err := state.DB.GetUserPartyIDs(ctx, userID)
	if err != nil {
		return err
	}
	for _, pid := range partyIDs {
		scoped := *payload
		scoped.PartyID = pid
		state.Router.BroadcastEvent(NewEvent(wire.ServerMsg{Op: wire.OpPresenceUpdate, Payload: &scoped}, 0), pid)
	}
	return nil
}

func userUpdated(ctx context.Context, state *State, userID models.Snowflake) error {
	user, err := state.DB.GetUserEvent(ctx, userID, state.Assets)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}
	state.Router.BroadcastToUser(
		NewEvent(wire.ServerMsg{Op: wire.OpUserUpdate, Payload: &wire.UserUpdatePayload{User: *user}}, 0),
		userID)
	return nil
}

func roleEvent(ctx context.Context, state *State, code db.EventCode, roleID, partyID models.Snowflake) error {
	if code == db.EventRoleDeleted {
		state.Router.BroadcastEvent(
			NewEvent(wire.ServerMsg{Op: wire.OpRoleDelete, Payload: &wire.RoleDeletePayload{ID: roleID, PartyID: partyID}}, 0),
			partyID)
		return nil
	}

	role, err := state.DB.GetRoleEvent(ctx, roleID)
	if err != nil {
		return fmt.Errorf("role: %w", err)
	}

	op := wire.OpRoleCreate
	if code == db.EventRoleUpdated {
		op = wire.OpRoleUpdate
	}
	state.Router.BroadcastEvent(
		NewEvent(wire.ServerMsg{Op: op, Payload: &wire.RolePayload{Role: *role}}, 0),
		role.PartyID)
	return nil
}

func roomEvent(ctx context.Context, state *State, code db.EventCode, roomID, partyID models.Snowflake) error {
	if code == db.EventRoomDeleted {
		if !partyID.IsValid() {
			return auth.ErrUnimplemented
		}
		state.Router.BroadcastEvent(
			NewEvent(wire.ServerMsg{Op: wire.OpRoomDelete, Payload: &wire.RoomDeletePayload{ID: roomID, PartyID: partyID}}, 0),
			partyID)
		return nil
	}

	room, err := state.DB.GetRoomEvent(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}
	if !room.PartyID.IsValid() {
		return auth.ErrUnimplemented
	}

	op := wire.OpRoomCreate
	if code == db.EventRoomUpdated {
		op = wire.OpRoomUpdate
	}
	state.Router.BroadcastEvent(
		NewEvent(wire.ServerMsg{Op: op, Payload: &wire.RoomPayload{Room: *room}}, 0),
		room.PartyID)
	return nil
}

func partyEvent(ctx context.Context, state *State, code db.EventCode, partyID models.Snowflake) error {
	if code == db.EventPartyDeleted {
		state.Router.BroadcastEvent(
			NewEvent(wire.ServerMsg{Op: wire.OpPartyDelete, Payload: &wire.PartyIDPayload{ID: partyID}}, 0),
			partyID)
		return nil
	}

	party, err := state.DB.GetPartyEvent(ctx, partyID, state.Assets)
	if err != nil {
		return fmt.Errorf("party: %w", err)
	}

	op := wire.OpPartyCreate
	if code == db.EventPartyUpdated {
		op = wire.OpPartyUpdate
	}
	state.Router.BroadcastEvent(
		NewEvent(wire.ServerMsg{Op: op, Payload: &wire.PartyPayload{Party: *party}}, 0),
		partyID)
	return nil
}
