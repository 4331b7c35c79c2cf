package peers

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/peer"
)

// GetUser returns the cached user, falling back to the database once per id.
func (m *Manager) GetUser(id peer.UserID) *User {
	if !id.IsValid() {
		return nil
	}
	return m.users.GetOrLoad(id)
}

// OnGetUsers applies a batch of wire user objects.
func (m *Manager) OnGetUsers(users []tg.UserClass) {
	for _, u := range users {
		m.OnGetUser(u)
	}
}

// OnGetUser applies a wire user object: creates or enriches the record, sets
// the dirty flags for what actually changed, and runs the update path.
func (m *Manager) OnGetUser(wire tg.UserClass) {
	w, ok := wire.(*tg.User)
	if !ok {
		// userEmpty carries an id with no data; note it once.
		if e, isEmpty := wire.(*tg.UserEmpty); isEmpty {
			m.users.ReportUnknown(peer.UserID(e.ID))
		}
		return
	}
	id := peer.UserID(w.ID)
	if !id.IsValid() {
		return
	}

	u := m.users.Add(id)
	m.applyUserAccessHash(u, w)

	if fn, ln := w.FirstName, w.LastName; fn != u.FirstName || ln != u.LastName {
		u.FirstName, u.LastName = fn, ln
		u.MarkDirty(entity.AspectName)
	}
	if w.Username != u.Username {
		u.Username = w.Username
		u.MarkDirty(entity.AspectUsername)
	}
	if w.Phone != u.Phone {
		u.Phone = w.Phone
		u.MarkNeedPublicUpdate()
	}
	if photo := photoFromUser(w.Photo); photo != u.Photo {
		u.Photo = photo
		u.MarkDirty(entity.AspectPhoto)
	}
	if status := domain.StatusFromUserStatus(w.Status); status != u.Status {
		u.Status = status
		u.MarkDirty(entity.AspectStatus)
	}
	if w.Contact != u.IsContact || w.MutualContact != u.IsMutualContact {
		u.IsContact, u.IsMutualContact = w.Contact, w.MutualContact
		u.MarkDirty(entity.AspectIsContact)
	}

	restrictedBy := restrictionString(w.RestrictionReason)
	if w.Bot != u.IsBot || w.Verified != u.IsVerified || w.Scam != u.IsScam ||
		w.Support != u.IsSupport || w.Deleted != u.IsDeleted ||
		restrictedBy != u.RestrictedBy {
		u.IsBot, u.IsVerified, u.IsScam = w.Bot, w.Verified, w.Scam
		u.IsSupport, u.IsDeleted = w.Support, w.Deleted
		u.RestrictedBy = restrictedBy
		u.MarkNeedPublicUpdate()
	}
	if w.BotInfoVersion != u.BotInfoVersion {
		u.BotInfoVersion = w.BotInfoVersion
		u.MarkChanged()
		// A newer bot info exists server-side; the cached full is stale.
		m.userFulls.Invalidate(id)
	}

	m.finishRepairIfStale(&u.Meta, &u.CacheVersion)
	m.users.Update(id, false)
}

// applyUserAccessHash learns or upgrades the access hash. A full hash never
// downgrades to a min one.
func (m *Manager) applyUserAccessHash(u *User, w *tg.User) {
	hash, has := w.GetAccessHash()
	if !has {
		return
	}
	if w.Min {
		if !u.HaveAccess() {
			u.AccessHash = hash
			u.MinAccessHash = true
			u.MarkChanged()
		}
		return
	}
	if u.AccessHash != hash || u.MinAccessHash {
		u.AccessHash = hash
		u.MinAccessHash = false
		u.MarkChanged()
	}
}

// finishRepairIfStale upgrades the record's persisted format version after a
// fresh server copy arrived.
func (m *Manager) finishRepairIfStale(meta *entity.Meta, cacheVersion *int) {
	if *cacheVersion < entity.CacheFormatVersion {
		*cacheVersion = entity.CacheFormatVersion
		meta.MarkChanged()
	}
	meta.FinishRepair()
}

// OnUpdateUserName applies an incremental name/username update.
func (m *Manager) OnUpdateUserName(id peer.UserID, firstName, lastName, username string) {
	u := m.users.Get(id)
	if u == nil {
		m.users.ReportUnknown(id)
		return
	}
	if u.FirstName != firstName || u.LastName != lastName {
		u.FirstName, u.LastName = firstName, lastName
		u.MarkDirty(entity.AspectName)
	}
	if u.Username != username {
		u.Username = username
		u.MarkDirty(entity.AspectUsername)
	}
	m.users.Update(id, false)
}

// OnUpdateUserPhone applies an incremental phone number update.
func (m *Manager) OnUpdateUserPhone(id peer.UserID, phone string) {
	u := m.users.Get(id)
	if u == nil {
		m.users.ReportUnknown(id)
		return
	}
	if u.Phone != phone {
		u.Phone = phone
		u.MarkNeedPublicUpdate()
	}
	m.users.Update(id, false)
}

// OnUpdateUserPhoto applies an incremental profile photo update.
func (m *Manager) OnUpdateUserPhoto(id peer.UserID, photo domain.Photo) {
	u := m.users.Get(id)
	if u == nil {
		m.users.ReportUnknown(id)
		return
	}
	if u.Photo != photo {
		u.Photo = photo
		u.MarkDirty(entity.AspectPhoto)
	}
	m.users.Update(id, false)
}

// OnUpdateUserStatus applies an incremental online-status update.
func (m *Manager) OnUpdateUserStatus(id peer.UserID, wire tg.UserStatusClass) {
	u := m.users.Get(id)
	if u == nil {
		m.users.ReportUnknown(id)
		return
	}
	if status := domain.StatusFromUserStatus(wire); status != u.Status {
		u.Status = status
		u.MarkDirty(entity.AspectStatus)
	}
	m.users.Update(id, false)
}

// SetUserContactFlag records the outbound relationship state for a user.
// Used by the contact engine during reconciliation.
func (m *Manager) SetUserContactFlag(id peer.UserID, isContact, isMutual bool) {
	u := m.users.Get(id)
	if u == nil {
		m.users.ReportUnknown(id)
		return
	}
	if u.IsContact != isContact || u.IsMutualContact != isMutual {
		u.IsContact, u.IsMutualContact = isContact, isMutual
		u.MarkDirty(entity.AspectIsContact)
	}
	m.users.Update(id, false)
}

// IsUserContact reports the cached outbound relationship flag.
func (m *Manager) IsUserContact(id peer.UserID) bool {
	u := m.users.Get(id)
	return u != nil && u.IsContact
}

// EachUser visits every in-memory user record.
func (m *Manager) EachUser(fn func(id peer.UserID, u *User)) { m.users.Each(fn) }

// UserIDByPhone finds an in-memory user by phone number.
func (m *Manager) UserIDByPhone(phone string) (peer.UserID, bool) {
	var found peer.UserID
	m.users.Each(func(id peer.UserID, u *User) {
		if u.Phone != "" && u.Phone == phone {
			found = id
		}
	})
	return found, found != 0
}

// ContactIDs returns the ids of every in-memory user flagged as a contact.
func (m *Manager) ContactIDs() []peer.UserID {
	var ids []peer.UserID
	m.users.Each(func(id peer.UserID, u *User) {
		if u.IsContact {
			ids = append(ids, id)
		}
	})
	return ids
}

// reloadUser refetches a user from the server, used for cache-format repair.
func (m *Manager) reloadUser(id peer.UserID) {
	input, err := m.inputUser(id)
	if err != nil {
		if u := m.users.Get(id); u != nil {
			u.FinishRepair()
		}
		return
	}
	invoke(m, func(ctx context.Context) ([]tg.UserClass, error) {
		return m.api.UsersGetUsers(ctx, []tg.InputUserClass{input})
	}, func(res []tg.UserClass, err error) {
		if err != nil {
			if u := m.users.Get(id); u != nil {
				u.FinishRepair()
			}
			m.logger.Warn("user repair refetch failed",
				zap.Int64("user_id", int64(id)), zap.Error(err))
			return
		}
		m.OnGetUsers(res)
	})
}

// inputUser builds the wire addressing for a user.
func (m *Manager) inputUser(id peer.UserID) (tg.InputUserClass, error) {
	if id == m.selfID {
		return &tg.InputUserSelf{}, nil
	}
	u := m.users.Get(id)
	if u == nil || !u.HaveAccess() {
		return nil, ErrNotFound
	}
	return &tg.InputUser{UserID: int64(id), AccessHash: u.AccessHash}, nil
}

// inputUserWrite is the mutation form of inputUser. A min hash is enough to
// read a peer but not to act on it, so mutations demand the full hash.
func (m *Manager) inputUserWrite(id peer.UserID) (tg.InputUserClass, error) {
	if id == m.selfID {
		return &tg.InputUserSelf{}, nil
	}
	u := m.users.Get(id)
	if u == nil || !u.HaveAccess() {
		return nil, ErrNotFound
	}
	if !u.HaveWriteAccess() {
		return nil, ErrNoWriteAccess
	}
	return &tg.InputUser{UserID: int64(id), AccessHash: u.AccessHash}, nil
}

// InputUser exposes mutation-grade user addressing to sibling engines.
func (m *Manager) InputUser(id peer.UserID) (tg.InputUserClass, error) {
	return m.inputUserWrite(id)
}

// inputPeerUserWrite builds the peer form of mutation-grade addressing.
func (m *Manager) inputPeerUserWrite(id peer.UserID) (tg.InputPeerClass, error) {
	if id == m.selfID {
		return &tg.InputPeerSelf{}, nil
	}
	u := m.users.Get(id)
	if u == nil || !u.HaveAccess() {
		return nil, ErrNotFound
	}
	if !u.HaveWriteAccess() {
		return nil, ErrNoWriteAccess
	}
	return &tg.InputPeerUser{UserID: int64(id), AccessHash: u.AccessHash}, nil
}

// GetUserFull serves the extended record without blocking: a stale value is
// returned immediately while a refresh runs in the background.
func (m *Manager) GetUserFull(id peer.UserID, cb func(*UserFull, error)) {
	m.userFulls.GetWithRefresh(id, cb)
}

// GetUserFullFresh serves the extended record only once it is not expired.
func (m *Manager) GetUserFullFresh(id peer.UserID, cb func(*UserFull, error)) {
	m.userFulls.GetFresh(id, cb)
}

// fetchUserFull is the coalesced network fetch behind the user full cache.
func (m *Manager) fetchUserFull(id peer.UserID) {
	input, err := m.inputUser(id)
	if err != nil {
		m.userFulls.Fail(id, err)
		return
	}
	invoke(m, func(ctx context.Context) (*tg.UsersUserFull, error) {
		return m.api.UsersGetFullUser(ctx, input)
	}, func(res *tg.UsersUserFull, err error) {
		if err != nil {
			m.userFulls.Fail(id, errors.Wrap(err, "get full user"))
			return
		}
		m.OnGetUsers(res.Users)
		m.OnGetUserFull(id, res.FullUser)
	})
}

// OnGetUserFull applies a wire full-user object and republishes when the
// visible projection changed.
func (m *Manager) OnGetUserFull(id peer.UserID, wire tg.UserFull) {
	old := m.userFulls.Get(id)

	nf := &UserFull{
		ID:              id,
		About:           wire.About,
		IsBlocked:       wire.Blocked,
		CanBeCalled:     wire.PhoneCallsAvailable,
		HasVideoCalls:   wire.VideoCallsAvailable,
		CommonChatCount: wire.CommonChatsCount,
		PinnedMessageID: wire.PinnedMsgID,
	}
	if old != nil {
		nf.BotInfo = old.BotInfo
	}
	if u := m.users.Get(id); u != nil {
		if binfo, ok := wire.GetBotInfo(); ok {
			nf.AcceptBotInfo(botInfoFromTG(binfo, u.BotInfoVersion))
		}
	}

	changed := old == nil || !old.Equal(nf)
	m.userFulls.Apply(id, nf)
	if changed {
		m.publishUserFull(id, nf)
	}
}

// InvalidateUserFull expires the cached full record so the next
// authoritative read refetches it.
func (m *Manager) InvalidateUserFull(id peer.UserID) { m.userFulls.Invalidate(id) }

// Equal reports whether two full records project identically.
func (f *UserFull) Equal(o *UserFull) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.About != o.About || f.IsBlocked != o.IsBlocked ||
		f.CanBeCalled != o.CanBeCalled || f.HasVideoCalls != o.HasVideoCalls ||
		f.CommonChatCount != o.CommonChatCount ||
		f.PinnedMessageID != o.PinnedMessageID {
		return false
	}
	switch {
	case f.BotInfo == nil && o.BotInfo == nil:
		return true
	case f.BotInfo == nil || o.BotInfo == nil:
		return false
	default:
		return f.BotInfo.Version == o.BotInfo.Version
	}
}

func botInfoFromTG(info tg.BotInfo, version int) *BotInfo {
	b := &BotInfo{Version: version, Description: info.Description}
	for _, c := range info.Commands {
		b.Commands = append(b.Commands, BotCommand{Command: c.Command, Description: c.Description})
	}
	return b
}

func photoFromUser(photo tg.UserProfilePhotoClass) domain.Photo {
	p, ok := photo.(*tg.UserProfilePhoto)
	if !ok {
		return domain.Photo{}
	}
	return domain.Photo{ID: p.PhotoID}
}

func restrictionString(reasons []tg.RestrictionReason) string {
	for _, r := range reasons {
		if r.Platform == "all" {
			return r.Reason
		}
	}
	if len(reasons) > 0 {
		return reasons[0].Reason
	}
	return ""
}
