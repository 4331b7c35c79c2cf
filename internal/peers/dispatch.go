package peers

import (
	"fmt"
	"strings"
	"time"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/event"
	"github.com/danhigham/peerdb/internal/peer"
)

// usernameKey normalizes a public username for index lookups.
func usernameKey(name string) string { return strings.ToLower(name) }

// Side-effect tables. Each consumes the record's dirty aspect bits and fires
// the implied downstream effect exactly once per transition; the generic
// store then persists and publishes.

func (m *Manager) userSideEffects(id peer.UserID, u *User) {
	d := peer.FromUser(id)

	if u.TakeDirty(entity.AspectName) && m.hooks.TitleChanged != nil {
		m.hooks.TitleChanged(d, u.DisplayName())
	}
	if u.TakeDirty(entity.AspectUsername) {
		// The username index is consulted by ResolveUsername; keep it in
		// step before notifying anyone.
		m.reindexUsername(d, u.Username)
	}
	if u.TakeDirty(entity.AspectPhoto) {
		m.photoChanged(d, u.Photo)
		// Any cached photo-list pagination is stale now.
		m.userFulls.Invalidate(id)
	}
	if u.TakeDirty(entity.AspectStatus) {
		m.rescheduleOnlineExpiry(id, u)
	}
	if u.TakeDirty(entity.AspectIsContact) && m.hooks.ContactFlagChanged != nil {
		m.hooks.ContactFlagChanged(id, u.IsContact)
	}
}

func (m *Manager) chatSideEffects(id peer.ChatID, c *Chat) {
	d := peer.FromChat(id)

	if c.TakeDirty(entity.AspectTitle) && m.hooks.TitleChanged != nil {
		m.hooks.TitleChanged(d, c.Title)
	}
	if c.TakeDirty(entity.AspectPhoto) {
		m.photoChanged(d, c.Photo)
	}
	if c.TakeDirty(entity.AspectStatus) {
		m.rescheduleBanExpiry(d, c.Status.UntilDate)
		if m.hooks.MembershipChanged != nil {
			m.hooks.MembershipChanged(d, c.Status)
		}
	}
	if c.TakeDirty(entity.AspectPermissions) && m.hooks.PermissionsChanged != nil {
		m.hooks.PermissionsChanged(d, c.DefaultPermissions)
	}
}

func (m *Manager) channelSideEffects(id peer.ChannelID, c *Channel) {
	d := peer.FromChannel(id)

	if c.TakeDirty(entity.AspectTitle) && m.hooks.TitleChanged != nil {
		m.hooks.TitleChanged(d, c.Title)
	}
	if c.TakeDirty(entity.AspectUsername) {
		m.reindexUsername(d, c.Username)
	}
	if c.TakeDirty(entity.AspectPhoto) {
		m.photoChanged(d, c.Photo)
	}
	if c.TakeDirty(entity.AspectStatus) {
		m.rescheduleBanExpiry(d, c.Status.UntilDate)
		if m.hooks.MembershipChanged != nil {
			m.hooks.MembershipChanged(d, c.Status)
		}
	}
	if c.TakeDirty(entity.AspectPermissions) && m.hooks.PermissionsChanged != nil {
		m.hooks.PermissionsChanged(d, c.DefaultPermissions)
	}
}

func (m *Manager) secretChatSideEffects(id peer.SecretChatID, s *SecretChat) {
	// Secret chats only carry a state aspect; nothing to fan out beyond the
	// public update the store emits.
	s.TakeDirty(entity.AspectStatus)
}

func (m *Manager) photoChanged(d peer.DialogID, photo domain.Photo) {
	if m.hooks.PhotoChanged != nil {
		m.hooks.PhotoChanged(d, photo)
	}
	if m.hooks.PhotoFiles != nil && !photo.IsEmpty() {
		m.hooks.PhotoFiles(d, []int64{photo.SmallFileID, photo.BigFileID})
	}
}

// reindexUsername moves d under its new username, dropping the old mapping.
func (m *Manager) reindexUsername(d peer.DialogID, username string) {
	var old string
	for name, owner := range m.usernames {
		if owner == d {
			old = name
			delete(m.usernames, name)
			break
		}
	}
	if username != "" {
		m.usernames[usernameKey(username)] = d
	}
	if m.hooks.UsernameChanged != nil {
		m.hooks.UsernameChanged(d, old, username)
	}
}

// rescheduleOnlineExpiry keeps one timer per user that flips an expired
// online status to offline.
func (m *Manager) rescheduleOnlineExpiry(id peer.UserID, u *User) {
	key := fmt.Sprintf("online/%d", id)
	if !u.Status.IsOnline(time.Now()) {
		m.loop.Cancel(key)
		return
	}
	until := time.Until(time.Unix(u.Status.ExpiresAt, 0))
	m.loop.Schedule(key, until, func() {
		m.expireOnlineStatus(id)
	})
}

func (m *Manager) expireOnlineStatus(id peer.UserID) {
	u := m.users.Get(id)
	if u == nil || u.Status.Kind != domain.UserStatusOnline || u.Status.IsOnline(time.Now()) {
		return
	}
	// ExpiresAt doubles as the moment the user was last seen.
	wasOnline := u.Status.ExpiresAt
	u.Status = domain.UserStatus{Kind: domain.UserStatusOffline, WasOnline: wasOnline}
	u.MarkDirty(entity.AspectStatus)
	m.users.Update(id, false)
}

// rescheduleBanExpiry keeps one timer per dialog that refreshes the record
// when a restriction lapses. A zero until cancels the timer.
func (m *Manager) rescheduleBanExpiry(d peer.DialogID, until int64) {
	key := fmt.Sprintf("ban/%s", d)
	if until <= 0 || time.Until(time.Unix(until, 0)) <= 0 {
		m.loop.Cancel(key)
		return
	}
	m.loop.Schedule(key, time.Until(time.Unix(until, 0)), func() {
		switch d.Kind() {
		case peer.KindChat:
			m.reloadChat(d.Chat())
		case peer.KindChannel:
			m.reloadChannel(d.Channel())
		}
	})
}

// Publishers build the public projections. Called by the stores at most once
// per logical change.

func (m *Manager) publishUser(id peer.UserID, u *User) {
	m.sink.UserUpdated(event.User{
		ID:           id,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		Phone:        u.Phone,
		Photo:        u.Photo,
		Status:       u.Status,
		IsContact:    u.IsContact,
		IsMutual:     u.IsMutualContact,
		IsBot:        u.IsBot,
		IsVerified:   u.IsVerified,
		IsScam:       u.IsScam,
		RestrictedBy: u.RestrictedBy,
		HaveAccess:   u.HaveAccess(),
	})
}

func (m *Manager) publishChat(id peer.ChatID, c *Chat) {
	m.sink.ChatUpdated(event.Chat{
		ID:               id,
		Title:            c.Title,
		Photo:            c.Photo,
		Permissions:      c.DefaultPermissions,
		Status:           c.Status,
		ParticipantCount: c.ParticipantCount,
		IsActive:         c.IsActive,
		MigratedTo:       c.MigratedTo,
	})
}

func (m *Manager) publishChannel(id peer.ChannelID, c *Channel) {
	m.sink.ChannelUpdated(event.Channel{
		ID:               id,
		Title:            c.Title,
		Username:         c.Username,
		Photo:            c.Photo,
		Permissions:      c.DefaultPermissions,
		Status:           c.Status,
		ParticipantCount: c.ParticipantCount,
		IsBroadcast:      c.IsBroadcast,
		IsMegagroup:      c.IsMegagroup,
		IsVerified:       c.IsVerified,
		IsScam:           c.IsScam,
	})
}

func (m *Manager) publishSecretChat(id peer.SecretChatID, s *SecretChat) {
	m.sink.SecretChatUpdated(event.SecretChat{
		ID:         id,
		UserID:     s.UserID,
		State:      s.State,
		IsOutbound: s.IsOutbound,
		TTL:        s.TTL,
		Layer:      s.Layer,
	})
}

func (m *Manager) publishUserFull(id peer.UserID, f *UserFull) {
	e := event.UserFull{
		ID:              id,
		About:           f.About,
		IsBlocked:       f.IsBlocked,
		CanBeCalled:     f.CanBeCalled,
		CommonChatCount: f.CommonChatCount,
	}
	if f.BotInfo != nil {
		e.BotDescription = f.BotInfo.Description
		e.BotCommandsVersion = f.BotInfo.Version
	}
	m.sink.UserFullUpdated(e)
}

func (m *Manager) publishChatFull(id peer.ChatID, f *ChatFull) {
	m.sink.ChatFullUpdated(event.ChatFull{
		ID:          id,
		About:       f.About,
		AdminIDs:    f.AdminIDs,
		MemberCount: len(f.Participants),
		InviteLink:  f.InviteLink,
	})
}

func (m *Manager) publishChannelFull(id peer.ChannelID, f *ChannelFull) {
	m.sink.ChannelFullUpdated(event.ChannelFull{
		ID:             id,
		About:          f.About,
		MemberCount:    f.MemberCount,
		AdminCount:     f.AdminCount,
		BannedCount:    f.BannedCount,
		CanViewMembers: f.CanViewMembers,
		InviteLink:     f.InviteLink,
	})
}
