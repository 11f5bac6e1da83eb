package db

import (
	"time"

	"github.com/uptrace/bun"
)

// Session is one issued bearer token. The token column stores the raw
// 21-byte key, never its base64 framing.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	Token   []byte    `bun:"token,pk"`
	UserID  int64     `bun:"user_id,notnull"`
	Expires time.Time `bun:"expires,notnull"`
}

// User is an account row. MFA holds the 112-byte encrypted record or NULL.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID            int64  `bun:"id,pk"`
	Username      string `bun:"username,notnull"`
	Discriminator int16  `bun:"discriminator,notnull"`
	Flags         int32  `bun:"flags,notnull"`
	Email         string `bun:"email,notnull"`
	Passhash      string `bun:"passhash,notnull"`
	MFA           []byte `bun:"mfa"`
}

// App is a registered bot application; bot tokens are recomputed on demand
// from this row plus the signing key.
type App struct {
	bun.BaseModel `bun:"table:apps"`

	BotID    int64     `bun:"bot_id,pk"`
	IssuedAt time.Time `bun:"issued_at,notnull"`
}

// EventCode discriminates event_log rows.
type EventCode int16

const (
	EventMessageCreate EventCode = iota + 1
	EventMessageUpdate
	EventMessageDelete
	EventTypingStarted
	EventMemberJoined
	EventMemberLeft
	EventMemberUpdated
	EventMemberBan
	EventMemberUnban
	EventRoleCreated
	EventRoleUpdated
	EventRoleDeleted
	EventRoomCreated
	EventRoomUpdated
	EventRoomDeleted
	EventPartyCreated
	EventPartyUpdated
	EventPartyDeleted
	EventPresenceUpdated
	EventProfileUpdated
	EventUserUpdated
	EventPermsUpdated
	EventSessionExpired
)

// EventLogEntry is one append-only row the write path leaves behind; the
// gateway's listener task fetches batches past its cursor.
type EventLogEntry struct {
	bun.BaseModel `bun:"table:event_log"`

	Counter   int64     `bun:"counter,pk,autoincrement"`
	Code      EventCode `bun:"code,notnull"`
	SubjectID int64     `bun:"subject_id,notnull"`
	PartyID   int64     `bun:"party_id,nullzero"`
	RoomID    int64     `bun:"room_id,nullzero"`
}

// Party is a tenant grouping rooms, roles and members.
type Party struct {
	bun.BaseModel `bun:"table:parties"`

	ID          int64      `bun:"id,pk"`
	OwnerID     int64      `bun:"owner_id,notnull"`
	Name        string     `bun:"name,notnull"`
	Description string     `bun:"description"`
	AvatarID    int64      `bun:"avatar_id,nullzero"`
	DefaultRoom int64      `bun:"default_room,nullzero"`
	DeletedAt   *time.Time `bun:"deleted_at"`
}

// PartyMember joins a user into a party.
type PartyMember struct {
	bun.BaseModel `bun:"table:party_members"`

	PartyID  int64     `bun:"party_id,pk"`
	UserID   int64     `bun:"user_id,pk"`
	Position int16     `bun:"position,notnull"`
	JoinedAt time.Time `bun:"joined_at,notnull"`
}

// Room is a channel; PartyID is zero for direct-message rooms.
type Room struct {
	bun.BaseModel `bun:"table:rooms"`

	ID        int64      `bun:"id,pk"`
	PartyID   int64      `bun:"party_id,nullzero"`
	Name      string     `bun:"name,notnull"`
	Topic     string     `bun:"topic"`
	Flags     int32      `bun:"flags,notnull"`
	DeletedAt *time.Time `bun:"deleted_at"`
}

// RoomMember holds per-(room,user) state for DM membership and mute flags.
type RoomMember struct {
	bun.BaseModel `bun:"table:room_members"`

	RoomID int64 `bun:"room_id,pk"`
	UserID int64 `bun:"user_id,pk"`
	Flags  int16 `bun:"flags,notnull"`
}

// Role aggregates permissions. The party's default role shares the party's
// id; every member belongs to it implicitly.
type Role struct {
	bun.BaseModel `bun:"table:roles"`

	ID          int64  `bun:"id,pk"`
	PartyID     int64  `bun:"party_id,notnull"`
	Name        string `bun:"name,notnull"`
	Permissions int64  `bun:"permissions,notnull"`
	Color       int64  `bun:"color,nullzero"`
	Position    int16  `bun:"position,notnull"`
}

// RoleMember joins users to non-default roles.
type RoleMember struct {
	bun.BaseModel `bun:"table:role_members"`

	RoleID int64 `bun:"role_id,pk"`
	UserID int64 `bun:"user_id,pk"`
}

// Overwrite is a per-(room, principal) allow/deny delta. PrincipalID names
// a role when IsRole, otherwise a user.
type Overwrite struct {
	bun.BaseModel `bun:"table:overwrites"`

	RoomID      int64 `bun:"room_id,pk"`
	PrincipalID int64 `bun:"principal_id,pk"`
	IsRole      bool  `bun:"is_role,notnull"`
	Allow       int64 `bun:"allow,notnull"`
	Deny        int64 `bun:"deny,notnull"`
}

// Block records that UserID has blocked TargetID.
type Block struct {
	bun.BaseModel `bun:"table:blocks"`

	UserID   int64 `bun:"user_id,pk"`
	TargetID int64 `bun:"target_id,pk"`
}

// Profile is presentation data, optionally party-scoped.
type Profile struct {
	bun.BaseModel `bun:"table:profiles"`

	UserID   int64  `bun:"user_id,pk"`
	PartyID  int64  `bun:"party_id,pk"` // zero row is the base profile
	Bits     int32  `bun:"bits,notnull"`
	Nick     string `bun:"nick"`
	AvatarID int64  `bun:"avatar_id,nullzero"`
	Status   string `bun:"status"`
	Bio      string `bun:"bio"`
}

// Presence is a user's last announced status.
type Presence struct {
	bun.BaseModel `bun:"table:presences"`

	UserID    int64     `bun:"user_id,pk"`
	Flags     int32     `bun:"flags,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// MessageRow is one stored message.
type MessageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID       int64      `bun:"id,pk"`
	RoomID   int64      `bun:"room_id,notnull"`
	UserID   int64      `bun:"user_id,notnull"`
	Content  string     `bun:"content"`
	Flags    int32      `bun:"flags,notnull"`
	EditedAt *time.Time `bun:"edited_at"`
}

// Mention targets a user or role from a message.
type Mention struct {
	bun.BaseModel `bun:"table:mentions"`

	MessageID int64 `bun:"message_id,pk"`
	TargetID  int64 `bun:"target_id,pk"`
	IsRole    bool  `bun:"is_role,notnull"`
}

// EmoteRow is a custom party emote.
type EmoteRow struct {
	bun.BaseModel `bun:"table:emotes"`

	ID      int64  `bun:"id,pk"`
	PartyID int64  `bun:"party_id,notnull"`
	Name    string `bun:"name,notnull"`
	AssetID int64  `bun:"asset_id,nullzero"`
}
