// Package peers implements the entity synchronization engine: authoritative
// local copies of users, basic groups, channels and secret chats, kept
// consistent with the server through incremental updates, periodic refresh
// and optimistic local mutation.
package peers

import (
	"encoding/json"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/peer"
)

// accessHashUnknown marks an access hash we have not learned yet.
const accessHashUnknown = -1

// User is the cached record of a user.
type User struct {
	entity.Meta

	ID            peer.UserID       `json:"id"`
	AccessHash    int64             `json:"access_hash"`
	MinAccessHash bool              `json:"min_access_hash"`
	FirstName     string            `json:"first_name"`
	LastName      string            `json:"last_name"`
	Username      string            `json:"username"`
	Phone         string            `json:"phone"`
	Photo         domain.Photo      `json:"photo"`
	Status        domain.UserStatus `json:"status"`

	IsContact       bool   `json:"is_contact"`
	IsMutualContact bool   `json:"is_mutual_contact"`
	IsBot           bool   `json:"is_bot"`
	IsVerified      bool   `json:"is_verified"`
	IsSupport       bool   `json:"is_support"`
	IsScam          bool   `json:"is_scam"`
	IsDeleted       bool   `json:"is_deleted"`
	RestrictedBy    string `json:"restricted_by,omitempty"`

	BotInfoVersion int `json:"bot_info_version,omitempty"`
	CacheVersion   int `json:"cache_version"`
}

// HaveAccess reports whether the user can be addressed remotely at all.
func (u *User) HaveAccess() bool { return u.AccessHash != accessHashUnknown }

// HaveWriteAccess reports whether mutations may be sent for this user. A
// "min" hash is usable only for reads.
func (u *User) HaveWriteAccess() bool { return u.HaveAccess() && !u.MinAccessHash }

// DisplayName is the user's human-readable name.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	case u.Username != "":
		return u.Username
	default:
		return ""
	}
}

// Chat is the cached record of a basic group.
type Chat struct {
	entity.Meta

	ID                 peer.ChatID             `json:"id"`
	Title              string                  `json:"title"`
	Photo              domain.Photo            `json:"photo"`
	Status             domain.MemberStatus     `json:"status"`
	DefaultPermissions domain.RestrictedRights `json:"default_permissions"`
	ParticipantCount   int                     `json:"participant_count"`
	Version            int                     `json:"version"`
	IsActive           bool                    `json:"is_active"`
	MigratedTo         peer.ChannelID          `json:"migrated_to,omitempty"`
	Date               int64                   `json:"date"`
	CacheVersion       int                     `json:"cache_version"`
}

// Channel is the cached record of a supergroup or broadcast channel.
type Channel struct {
	entity.Meta

	ID                 peer.ChannelID          `json:"id"`
	AccessHash         int64                   `json:"access_hash"`
	MinAccessHash      bool                    `json:"min_access_hash"`
	Title              string                  `json:"title"`
	Username           string                  `json:"username"`
	Photo              domain.Photo            `json:"photo"`
	Status             domain.MemberStatus     `json:"status"`
	DefaultPermissions domain.RestrictedRights `json:"default_permissions"`
	ParticipantCount   int                     `json:"participant_count"`

	IsBroadcast  bool   `json:"is_broadcast"`
	IsMegagroup  bool   `json:"is_megagroup"`
	IsVerified   bool   `json:"is_verified"`
	IsScam       bool   `json:"is_scam"`
	RestrictedBy string `json:"restricted_by,omitempty"`
	Date         int64  `json:"date"`
	CacheVersion int    `json:"cache_version"`
}

// HaveAccess reports whether the channel can be addressed remotely.
func (c *Channel) HaveAccess() bool { return c.AccessHash != accessHashUnknown }

// HaveWriteAccess reports whether mutations may be sent for this channel.
func (c *Channel) HaveWriteAccess() bool { return c.HaveAccess() && !c.MinAccessHash }

// IsPublic reports whether the channel is addressable by username.
func (c *Channel) IsPublic() bool { return c.Username != "" }

// SecretChat is the cached record of a secret chat.
type SecretChat struct {
	entity.Meta

	ID             peer.SecretChatID `json:"id"`
	UserID         peer.UserID       `json:"user_id"`
	State          string            `json:"state"`
	IsOutbound     bool              `json:"is_outbound"`
	TTL            int               `json:"ttl"`
	Layer          int               `json:"layer"`
	KeyFingerprint int64             `json:"key_fingerprint"`
	CacheVersion   int               `json:"cache_version"`
}

// Secret chat states.
const (
	SecretChatWaiting = "waiting"
	SecretChatReady   = "ready"
	SecretChatClosed  = "closed"
)

// Participant is one row of a cached member list.
type Participant struct {
	UserID    peer.UserID         `json:"user_id"`
	InviterID peer.UserID         `json:"inviter_id,omitempty"`
	Date      int64               `json:"date"`
	Status    domain.MemberStatus `json:"status"`
}

// BotCommand is one command a bot advertises.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// BotInfo is the versioned nested extension of a bot's full record. Updates
// apply only when their version is strictly greater than the cached one.
type BotInfo struct {
	// BotID is set only in channel full records, which carry one entry per
	// bot member.
	BotID       peer.UserID  `json:"bot_id,omitempty"`
	Version     int          `json:"version"`
	Description string       `json:"description"`
	Commands    []BotCommand `json:"commands"`
}

// Equal compares two bot info records field by field.
func (b *BotInfo) Equal(o *BotInfo) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.BotID != o.BotID || b.Version != o.Version ||
		b.Description != o.Description || len(b.Commands) != len(o.Commands) {
		return false
	}
	for i := range b.Commands {
		if b.Commands[i] != o.Commands[i] {
			return false
		}
	}
	return true
}

// UserFull is the TTL-expiring extended record of a user. Full records are
// memory-only; durability comes from refetching.
type UserFull struct {
	ID              peer.UserID `json:"id"`
	About           string      `json:"about"`
	IsBlocked       bool        `json:"is_blocked"`
	CanBeCalled     bool        `json:"can_be_called"`
	HasVideoCalls   bool        `json:"has_video_calls"`
	CommonChatCount int         `json:"common_chat_count"`
	PinnedMessageID int         `json:"pinned_message_id,omitempty"`
	BotInfo         *BotInfo    `json:"bot_info,omitempty"`
}

// AcceptBotInfo applies info unless its version is not strictly newer.
// Equal or older versions are re-deliveries and are ignored.
func (f *UserFull) AcceptBotInfo(info *BotInfo) bool {
	if info == nil {
		return false
	}
	if f.BotInfo != nil && info.Version <= f.BotInfo.Version {
		return false
	}
	f.BotInfo = info
	return true
}

// ChatFull is the extended record of a basic group.
type ChatFull struct {
	ID           peer.ChatID   `json:"id"`
	About        string        `json:"about"`
	AdminIDs     []peer.UserID `json:"admin_ids"`
	Participants []Participant `json:"participants"`
	InviteLink   string        `json:"invite_link,omitempty"`
	Version      int           `json:"version"`
}

// ChannelFull is the extended record of a channel.
type ChannelFull struct {
	ID              peer.ChannelID `json:"id"`
	About           string         `json:"about"`
	MemberCount     int            `json:"member_count"`
	AdminCount      int            `json:"admin_count"`
	BannedCount     int            `json:"banned_count"`
	CanViewMembers  bool           `json:"can_view_members"`
	InviteLink      string         `json:"invite_link,omitempty"`
	PinnedMessageID int            `json:"pinned_message_id,omitempty"`
	BotInfo         []BotInfo      `json:"bot_info,omitempty"`
}

func encodeJSON[R any](r *R) ([]byte, error) { return json.Marshal(r) }

func decodeJSON[R any](data []byte) (*R, error) {
	r := new(R)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
