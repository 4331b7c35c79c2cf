package peers

import (
	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/peer"
)

// Read accessors over any dialog kind. Unknown dialogs yield safe defaults
// rather than errors: empty name, no photo, left status, no permissions.
// A secret chat projects the attributes of its underlying user.

// DisplayName returns the human-readable name of a dialog.
func (m *Manager) DisplayName(d peer.DialogID) string {
	switch d.Kind() {
	case peer.KindUser:
		if u := m.GetUser(d.User()); u != nil {
			return u.DisplayName()
		}
	case peer.KindChat:
		if c := m.GetChat(d.Chat()); c != nil {
			return c.Title
		}
	case peer.KindChannel:
		if c := m.GetChannel(d.Channel()); c != nil {
			return c.Title
		}
	case peer.KindSecretChat:
		if s := m.GetSecretChat(d.SecretChat()); s != nil {
			return m.DisplayName(peer.FromUser(s.UserID))
		}
	}
	return ""
}

// Photo returns the dialog's photo, empty when unknown.
func (m *Manager) Photo(d peer.DialogID) domain.Photo {
	switch d.Kind() {
	case peer.KindUser:
		if u := m.GetUser(d.User()); u != nil {
			return u.Photo
		}
	case peer.KindChat:
		if c := m.GetChat(d.Chat()); c != nil {
			return c.Photo
		}
	case peer.KindChannel:
		if c := m.GetChannel(d.Channel()); c != nil {
			return c.Photo
		}
	case peer.KindSecretChat:
		if s := m.GetSecretChat(d.SecretChat()); s != nil {
			return m.Photo(peer.FromUser(s.UserID))
		}
	}
	return domain.Photo{}
}

// MembershipStatus returns the local actor's standing in a dialog. Users and
// secret chats count as plain membership; unknown dialogs as left.
func (m *Manager) MembershipStatus(d peer.DialogID) domain.MemberStatus {
	switch d.Kind() {
	case peer.KindUser, peer.KindSecretChat:
		return domain.MemberStatusMember()
	case peer.KindChat:
		if c := m.GetChat(d.Chat()); c != nil {
			return c.Status
		}
	case peer.KindChannel:
		if c := m.GetChannel(d.Channel()); c != nil {
			return c.Status
		}
	}
	return domain.LeftStatus()
}

// DefaultPermissions returns a group's default member permissions. Non-group
// dialogs have no restrictions.
func (m *Manager) DefaultPermissions(d peer.DialogID) domain.RestrictedRights {
	switch d.Kind() {
	case peer.KindChat:
		if c := m.GetChat(d.Chat()); c != nil {
			return c.DefaultPermissions
		}
	case peer.KindChannel:
		if c := m.GetChannel(d.Channel()); c != nil {
			return c.DefaultPermissions
		}
	}
	return domain.AllRestrictedRights()
}

// ResolveUsername looks a public username up in the local index. The index
// covers only dialogs this client has seen.
func (m *Manager) ResolveUsername(name string) (peer.DialogID, bool) {
	d, ok := m.usernames[usernameKey(name)]
	return d, ok
}
