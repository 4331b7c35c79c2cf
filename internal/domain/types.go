// Package domain holds the value types shared between the entity records,
// the public update events, and the wire-facing conversion code.
package domain

import (
	"time"

	"github.com/gotd/td/tg"
)

// Photo references the two cached sizes of a chat or profile photo. File ids
// are opaque handles owned by the file layer; a zero ID means no photo.
type Photo struct {
	ID          int64 `json:"id"`
	SmallFileID int64 `json:"small_file_id"`
	BigFileID   int64 `json:"big_file_id"`
}

// IsEmpty reports whether no photo is set.
func (p Photo) IsEmpty() bool { return p.ID == 0 }

// AdminRights is the set of administrator powers over a group or channel.
type AdminRights struct {
	CanChangeInfo     bool `json:"can_change_info"`
	CanPostMessages   bool `json:"can_post_messages"`
	CanEditMessages   bool `json:"can_edit_messages"`
	CanDeleteMessages bool `json:"can_delete_messages"`
	CanBanUsers       bool `json:"can_ban_users"`
	CanInviteUsers    bool `json:"can_invite_users"`
	CanPinMessages    bool `json:"can_pin_messages"`
	CanPromoteMembers bool `json:"can_promote_members"`
	CanManageCalls    bool `json:"can_manage_calls"`
	IsAnonymous       bool `json:"is_anonymous"`
}

// RestrictedRights is the set of actions a restricted member may still take.
// A false field means the action is forbidden.
type RestrictedRights struct {
	CanSendMessages  bool `json:"can_send_messages"`
	CanSendMedia     bool `json:"can_send_media"`
	CanSendStickers  bool `json:"can_send_stickers"`
	CanSendPolls     bool `json:"can_send_polls"`
	CanEmbedLinks    bool `json:"can_embed_links"`
	CanAddUsers      bool `json:"can_add_users"`
	CanPinMessages   bool `json:"can_pin_messages"`
	CanChangeInfo    bool `json:"can_change_info"`
	CanInviteToGroup bool `json:"can_invite_to_group"`
}

// AllRestrictedRights is the default permission set of an unrestricted member.
func AllRestrictedRights() RestrictedRights {
	return RestrictedRights{
		CanSendMessages: true, CanSendMedia: true, CanSendStickers: true,
		CanSendPolls: true, CanEmbedLinks: true, CanAddUsers: true,
		CanPinMessages: true, CanChangeInfo: true, CanInviteToGroup: true,
	}
}

// MemberKind discriminates MemberStatus.
type MemberKind uint8

const (
	MemberLeft MemberKind = iota
	MemberCreator
	MemberAdministrator
	MemberMember
	MemberRestricted
	MemberBanned
)

func (k MemberKind) String() string {
	switch k {
	case MemberCreator:
		return "creator"
	case MemberAdministrator:
		return "administrator"
	case MemberMember:
		return "member"
	case MemberRestricted:
		return "restricted"
	case MemberBanned:
		return "banned"
	default:
		return "left"
	}
}

// MemberStatus is a member's standing in a group or channel. Rights and
// UntilDate are meaningful only for the kinds that carry them.
type MemberStatus struct {
	Kind       MemberKind       `json:"kind"`
	Rank       string           `json:"rank,omitempty"`
	Admin      AdminRights      `json:"admin,omitempty"`
	Restricted RestrictedRights `json:"restricted,omitempty"`
	IsMember   bool             `json:"is_member,omitempty"`
	UntilDate  int64            `json:"until_date,omitempty"`
}

// LeftStatus is the status of a non-participant.
func LeftStatus() MemberStatus { return MemberStatus{Kind: MemberLeft} }

// MemberStatusMember is a plain member.
func MemberStatusMember() MemberStatus {
	return MemberStatus{Kind: MemberMember, IsMember: true, Restricted: AllRestrictedRights()}
}

// CreatorStatus is the group creator.
func CreatorStatus() MemberStatus {
	return MemberStatus{Kind: MemberCreator, IsMember: true, Restricted: AllRestrictedRights()}
}

// IsParticipant reports whether the status counts toward the member list.
func (s MemberStatus) IsParticipant() bool {
	switch s.Kind {
	case MemberCreator, MemberAdministrator, MemberMember:
		return true
	case MemberRestricted:
		return s.IsMember
	default:
		return false
	}
}

// CanManage reports whether the status allows administrative changes.
func (s MemberStatus) CanManage() bool {
	return s.Kind == MemberCreator || s.Kind == MemberAdministrator
}

// CanInvite reports whether the status allows adding members.
func (s MemberStatus) CanInvite() bool {
	switch s.Kind {
	case MemberCreator:
		return true
	case MemberAdministrator:
		return s.Admin.CanInviteUsers
	case MemberMember:
		return true
	case MemberRestricted:
		return s.IsMember && s.Restricted.CanAddUsers
	default:
		return false
	}
}

// CanRestrict reports whether the status allows banning or restricting.
func (s MemberStatus) CanRestrict() bool {
	return s.Kind == MemberCreator ||
		(s.Kind == MemberAdministrator && s.Admin.CanBanUsers)
}

// UserStatusKind discriminates a user's online state.
type UserStatusKind uint8

const (
	UserStatusUnknown UserStatusKind = iota
	UserStatusOnline
	UserStatusOffline
	UserStatusRecently
	UserStatusLastWeek
	UserStatusLastMonth
)

// UserStatus is a user's last-seen state. ExpiresAt and WasOnline are unix
// times, meaningful for Online and Offline respectively.
type UserStatus struct {
	Kind      UserStatusKind `json:"kind"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
	WasOnline int64          `json:"was_online,omitempty"`
}

// IsOnline reports whether the user counts as online at now.
func (s UserStatus) IsOnline(now time.Time) bool {
	return s.Kind == UserStatusOnline && s.ExpiresAt > now.Unix()
}

// AdminRightsFromTG converts wire admin rights.
func AdminRightsFromTG(r tg.ChatAdminRights) AdminRights {
	return AdminRights{
		CanChangeInfo:     r.ChangeInfo,
		CanPostMessages:   r.PostMessages,
		CanEditMessages:   r.EditMessages,
		CanDeleteMessages: r.DeleteMessages,
		CanBanUsers:       r.BanUsers,
		CanInviteUsers:    r.InviteUsers,
		CanPinMessages:    r.PinMessages,
		CanPromoteMembers: r.AddAdmins,
		CanManageCalls:    r.ManageCall,
		IsAnonymous:       r.Anonymous,
	}
}

// ToTG converts admin rights back to the wire form.
func (r AdminRights) ToTG() tg.ChatAdminRights {
	return tg.ChatAdminRights{
		ChangeInfo:     r.CanChangeInfo,
		PostMessages:   r.CanPostMessages,
		EditMessages:   r.CanEditMessages,
		DeleteMessages: r.CanDeleteMessages,
		BanUsers:       r.CanBanUsers,
		InviteUsers:    r.CanInviteUsers,
		PinMessages:    r.CanPinMessages,
		AddAdmins:      r.CanPromoteMembers,
		ManageCall:     r.CanManageCalls,
		Anonymous:      r.IsAnonymous,
	}
}

// ToBannedTG converts the "still allowed" form back into wire banned rights.
// viewMessages true produces an outright ban.
func (r RestrictedRights) ToBannedTG(viewMessages bool, untilDate int64) tg.ChatBannedRights {
	return tg.ChatBannedRights{
		ViewMessages: viewMessages,
		SendMessages: !r.CanSendMessages,
		SendMedia:    !r.CanSendMedia,
		SendStickers: !r.CanSendStickers,
		SendPolls:    !r.CanSendPolls,
		EmbedLinks:   !r.CanEmbedLinks,
		InviteUsers:  !r.CanAddUsers,
		PinMessages:  !r.CanPinMessages,
		ChangeInfo:   !r.CanChangeInfo,
		UntilDate:    int(untilDate),
	}
}

// RestrictedRightsFromTG converts wire banned rights into the inverse
// "still allowed" form used locally.
func RestrictedRightsFromTG(r tg.ChatBannedRights) RestrictedRights {
	return RestrictedRights{
		CanSendMessages:  !r.SendMessages,
		CanSendMedia:     !r.SendMedia,
		CanSendStickers:  !r.SendStickers,
		CanSendPolls:     !r.SendPolls,
		CanEmbedLinks:    !r.EmbedLinks,
		CanAddUsers:      !r.InviteUsers,
		CanPinMessages:   !r.PinMessages,
		CanChangeInfo:    !r.ChangeInfo,
		CanInviteToGroup: !r.InviteUsers,
	}
}

// StatusFromParticipant converts a wire channel participant into a status.
func StatusFromParticipant(p tg.ChannelParticipantClass) MemberStatus {
	switch p := p.(type) {
	case *tg.ChannelParticipantCreator:
		s := CreatorStatus()
		s.Rank = p.Rank
		s.Admin = AdminRightsFromTG(p.AdminRights)
		return s
	case *tg.ChannelParticipantAdmin:
		return MemberStatus{
			Kind:       MemberAdministrator,
			Rank:       p.Rank,
			Admin:      AdminRightsFromTG(p.AdminRights),
			Restricted: AllRestrictedRights(),
			IsMember:   true,
		}
	case *tg.ChannelParticipant:
		return MemberStatusMember()
	case *tg.ChannelParticipantSelf:
		return MemberStatusMember()
	case *tg.ChannelParticipantBanned:
		kind := MemberRestricted
		if p.BannedRights.ViewMessages {
			kind = MemberBanned
		}
		return MemberStatus{
			Kind:       kind,
			Restricted: RestrictedRightsFromTG(p.BannedRights),
			IsMember:   kind == MemberRestricted && !p.Left,
			UntilDate:  int64(p.BannedRights.UntilDate),
		}
	case *tg.ChannelParticipantLeft:
		return LeftStatus()
	default:
		return LeftStatus()
	}
}

// StatusFromUserStatus converts a wire user status.
func StatusFromUserStatus(s tg.UserStatusClass) UserStatus {
	switch s := s.(type) {
	case *tg.UserStatusOnline:
		return UserStatus{Kind: UserStatusOnline, ExpiresAt: int64(s.Expires)}
	case *tg.UserStatusOffline:
		return UserStatus{Kind: UserStatusOffline, WasOnline: int64(s.WasOnline)}
	case *tg.UserStatusRecently:
		return UserStatus{Kind: UserStatusRecently}
	case *tg.UserStatusLastWeek:
		return UserStatus{Kind: UserStatusLastWeek}
	case *tg.UserStatusLastMonth:
		return UserStatus{Kind: UserStatusLastMonth}
	default:
		return UserStatus{Kind: UserStatusUnknown}
	}
}
