package models

import "time"

// User is the public user payload carried by gateway events. Email and
// preferences are only present on the self user inside Ready.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator int16     `json:"discriminator"`
	Flags         UserFlags `json:"flags"`
	Email         string    `json:"email,omitempty"`
	Profile       *Profile  `json:"profile,omitempty"`
	Presence      *Presence `json:"presence,omitempty"`
}

// Profile is the per-user (optionally party-overridden) presentation data.
// Avatar carries an encrypted asset id, never the raw snowflake.
type Profile struct {
	Bits   uint32 `json:"bits"`
	Nick   string `json:"nick,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// Presence is a user's live status.
type Presence struct {
	Flags     uint32     `json:"flags"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Room is a channel within a party, or a direct-message room when PartyID
// is zero.
type Room struct {
	ID      Snowflake `json:"id"`
	PartyID Snowflake `json:"party_id,omitempty"`
	Name    string    `json:"name"`
	Topic   string    `json:"topic,omitempty"`
	Flags   uint32    `json:"flags"`
}

// Role aggregates permissions for its members within one party.
type Role struct {
	ID          Snowflake   `json:"id"`
	PartyID     Snowflake   `json:"party_id"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
	Color       uint32      `json:"color,omitempty"`
	Position    int16       `json:"position"`
}

// Emote is a custom party emote.
type Emote struct {
	ID      Snowflake `json:"id"`
	PartyID Snowflake `json:"party_id"`
	Name    string    `json:"name"`
	Asset   string    `json:"asset,omitempty"`
}

// Party is a tenant grouping rooms, roles and members.
type Party struct {
	ID          Snowflake `json:"id"`
	OwnerID     Snowflake `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	DefaultRoom Snowflake `json:"default_room,omitempty"`
	Position    int16     `json:"position"`
	Roles       []Role    `json:"roles"`
	Emotes      []Emote   `json:"emotes"`
}

// PartyMember joins a user to a party with its roles and nickname.
type PartyMember struct {
	User     *User       `json:"user,omitempty"`
	Nick     string      `json:"nick,omitempty"`
	Roles    []Snowflake `json:"roles,omitempty"`
	Presence *Presence   `json:"presence,omitempty"`
	JoinedAt *time.Time  `json:"joined_at,omitempty"`
}

// Message is the payload of message events. Mentions carry both user and
// role targets; role mentions drive the router's role gate.
type Message struct {
	ID           Snowflake   `json:"id"`
	RoomID       Snowflake   `json:"room_id"`
	PartyID      Snowflake   `json:"party_id,omitempty"`
	Author       User        `json:"author"`
	Member       *PartyMember `json:"member,omitempty"`
	Content      string      `json:"content,omitempty"`
	Flags        uint32      `json:"flags"`
	EditedAt     *time.Time  `json:"edited_at,omitempty"`
	UserMentions []Snowflake `json:"user_mentions,omitempty"`
	RoleMentions []Snowflake `json:"role_mentions,omitempty"`
}
