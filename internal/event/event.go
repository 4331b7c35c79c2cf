// Package event defines the public update stream emitted by the engine.
//
// Every envelope is a full replacement projection of the entity it names; the
// dispatcher guarantees at most one envelope per logical change.
package event

import (
	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/peer"
)

// User is the public projection of a cached user.
type User struct {
	ID           peer.UserID       `json:"id"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Username     string            `json:"username"`
	Phone        string            `json:"phone"`
	Photo        domain.Photo      `json:"photo"`
	Status       domain.UserStatus `json:"status"`
	IsContact    bool              `json:"is_contact"`
	IsMutual     bool              `json:"is_mutual_contact"`
	IsBot        bool              `json:"is_bot"`
	IsVerified   bool              `json:"is_verified"`
	IsScam       bool              `json:"is_scam"`
	RestrictedBy string            `json:"restricted_by,omitempty"`
	HaveAccess   bool              `json:"have_access"`
}

// Chat is the public projection of a cached basic group.
type Chat struct {
	ID               peer.ChatID             `json:"id"`
	Title            string                  `json:"title"`
	Photo            domain.Photo            `json:"photo"`
	Permissions      domain.RestrictedRights `json:"permissions"`
	Status           domain.MemberStatus     `json:"status"`
	ParticipantCount int                     `json:"participant_count"`
	IsActive         bool                    `json:"is_active"`
	MigratedTo       peer.ChannelID          `json:"migrated_to,omitempty"`
}

// Channel is the public projection of a cached supergroup or broadcast.
type Channel struct {
	ID               peer.ChannelID          `json:"id"`
	Title            string                  `json:"title"`
	Username         string                  `json:"username"`
	Photo            domain.Photo            `json:"photo"`
	Permissions      domain.RestrictedRights `json:"permissions"`
	Status           domain.MemberStatus     `json:"status"`
	ParticipantCount int                     `json:"participant_count"`
	IsBroadcast      bool                    `json:"is_broadcast"`
	IsMegagroup      bool                    `json:"is_megagroup"`
	IsVerified       bool                    `json:"is_verified"`
	IsScam           bool                    `json:"is_scam"`
}

// SecretChat is the public projection of a cached secret chat.
type SecretChat struct {
	ID         peer.SecretChatID `json:"id"`
	UserID     peer.UserID       `json:"user_id"`
	State      string            `json:"state"`
	IsOutbound bool              `json:"is_outbound"`
	TTL        int               `json:"ttl"`
	Layer      int               `json:"layer"`
}

// UserFull is the public projection of a user's extended record.
type UserFull struct {
	ID                 peer.UserID `json:"id"`
	About              string      `json:"about"`
	IsBlocked          bool        `json:"is_blocked"`
	CanBeCalled        bool        `json:"can_be_called"`
	CommonChatCount    int         `json:"common_chat_count"`
	BotDescription     string      `json:"bot_description,omitempty"`
	BotCommandsVersion int         `json:"bot_commands_version,omitempty"`
}

// ChatFull is the public projection of a basic group's extended record.
type ChatFull struct {
	ID          peer.ChatID   `json:"id"`
	About       string        `json:"about"`
	AdminIDs    []peer.UserID `json:"admin_ids"`
	MemberCount int           `json:"member_count"`
	InviteLink  string        `json:"invite_link,omitempty"`
}

// ChannelFull is the public projection of a channel's extended record.
type ChannelFull struct {
	ID             peer.ChannelID `json:"id"`
	About          string         `json:"about"`
	MemberCount    int            `json:"member_count"`
	AdminCount     int            `json:"admin_count"`
	BannedCount    int            `json:"banned_count"`
	CanViewMembers bool           `json:"can_view_members"`
	InviteLink     string         `json:"invite_link,omitempty"`
}

// Sink receives the public update stream. Implementations must not block;
// the engine calls them from its run loop.
type Sink interface {
	UserUpdated(u User)
	ChatUpdated(c Chat)
	ChannelUpdated(c Channel)
	SecretChatUpdated(s SecretChat)
	UserFullUpdated(f UserFull)
	ChatFullUpdated(f ChatFull)
	ChannelFullUpdated(f ChannelFull)
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) UserUpdated(User)               {}
func (Discard) ChatUpdated(Chat)               {}
func (Discard) ChannelUpdated(Channel)         {}
func (Discard) SecretChatUpdated(SecretChat)   {}
func (Discard) UserFullUpdated(UserFull)       {}
func (Discard) ChatFullUpdated(ChatFull)       {}
func (Discard) ChannelFullUpdated(ChannelFull) {}
