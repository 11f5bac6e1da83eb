package models

// Party-wide permissions, low 16 bits of the packed low half.
const (
	PartyCreateInvite uint64 = 1 << 0
	PartyKickMembers  uint64 = 1 << 1
	PartyBanMembers   uint64 = 1 << 2
	PartyAdmin        uint64 = 1 << 3
	PartyViewAuditLog uint64 = 1 << 4
	PartyViewStats    uint64 = 1 << 5
	PartyManageParty  uint64 = 1 << 6
	PartyManageRooms  uint64 = 1 << 7
	PartyManageNicks  uint64 = 1 << 8
	PartyManageRoles  uint64 = 1 << 9
	PartyManageHooks  uint64 = 1 << 10
	PartyManageEmojis uint64 = 1 << 11
	PartyMoveMembers  uint64 = 1 << 12
	PartyChangeNick   uint64 = 1 << 13
)

// Per-room permissions, shifted into bits 16..31 of the packed low half.
const (
	RoomViewRoom           uint64 = 1 << (16 + 0)
	RoomReadMessageHistory uint64 = 1 << (16 + 1)
	RoomSendMessages       uint64 = 1 << (16 + 2)
	RoomManageMessages     uint64 = 1 << (16 + 3)
	RoomMuteMembers        uint64 = 1 << (16 + 4)
	RoomDeafenMembers      uint64 = 1 << (16 + 5)
	RoomMentionEveryone    uint64 = 1 << (16 + 6)
	RoomUseExternalEmotes  uint64 = 1 << (16 + 7)
	RoomAddReactions       uint64 = 1 << (16 + 8)
	RoomEmbedLinks         uint64 = 1 << (16 + 9)
	RoomAttachFiles        uint64 = 1 << (16 + 10)
	RoomUseSlashCommands   uint64 = 1 << (16 + 11)
	RoomSendTTSMessages    uint64 = 1 << (16 + 12)
)

// Stream permissions, shifted into bits 32..47 of the packed low half.
const (
	StreamBroadcast       uint64 = 1 << (32 + 0)
	StreamConnect         uint64 = 1 << (32 + 1)
	StreamSpeak           uint64 = 1 << (32 + 2)
	StreamPrioritySpeaker uint64 = 1 << (32 + 3)
)

// Permissions is a 128-bit capability set stored as two u64 halves. The low
// half packs the party/room/stream sub-sets; the high half is reserved for
// future expansion but participates in all set operations.
type Permissions struct {
	Low  uint64 `json:"l,string"`
	High uint64 `json:"h,string"`
}

// PermissionsAll has every bit set; granted to party owners and admins.
var PermissionsAll = Permissions{Low: ^uint64(0), High: ^uint64(0)}

// UnpackPermissions builds a Permissions value from a packed low half.
func UnpackPermissions(low uint64) Permissions {
	return Permissions{Low: low}
}

// Has reports whether every bit of the mask's low half is present.
func (p Permissions) Has(mask uint64) bool {
	return p.Low&mask == mask
}

// IsAdmin reports whether the ADMINISTRATOR bit is present.
func (p Permissions) IsAdmin() bool { return p.Has(PartyAdmin) }

// Union returns the bitwise OR of two sets.
func (p Permissions) Union(o Permissions) Permissions {
	return Permissions{Low: p.Low | o.Low, High: p.High | o.High}
}

// ApplyOverwrite applies a deny-then-allow delta, the per-room overwrite
// discipline: role overwrites first, then user overwrites on the result.
func (p Permissions) ApplyOverwrite(allow, deny Permissions) Permissions {
	return Permissions{
		Low:  (p.Low &^ deny.Low) | allow.Low,
		High: (p.High &^ deny.High) | allow.High,
	}
}

// RoomMemberFlags carries per-(user,room) mute state as a 16-bit set.
type RoomMemberFlags uint16

const (
	RoomMemberMuted    RoomMemberFlags = 1 << 0
	RoomMemberDeafened RoomMemberFlags = 1 << 1
)

// PermMute is the effective capability of a user in a room after role
// aggregation and overwrites, plus the mute flags.
type PermMute struct {
	Perms Permissions     `json:"perms"`
	Flags RoomMemberFlags `json:"flags"`
}
