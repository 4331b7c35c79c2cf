package peers

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/transport"
)

// GetChat returns the cached basic group, falling back to the database once.
func (m *Manager) GetChat(id peer.ChatID) *Chat {
	if !id.IsValid() {
		return nil
	}
	return m.chats.GetOrLoad(id)
}

// EachChat visits every in-memory basic-group record.
func (m *Manager) EachChat(fn func(id peer.ChatID, c *Chat)) { m.chats.Each(fn) }

// OnGetChats routes a mixed batch of wire chat objects.
func (m *Manager) OnGetChats(chats []tg.ChatClass) {
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Chat, *tg.ChatForbidden:
			m.OnGetChat(c)
		case *tg.Channel, *tg.ChannelForbidden:
			m.OnGetChannel(c)
		}
	}
}

// OnGetChat applies a wire basic-group object. A full object is
// authoritative: its version replaces the cached one outright.
func (m *Manager) OnGetChat(wire tg.ChatClass) {
	switch w := wire.(type) {
	case *tg.Chat:
		m.onGetChat(w)
	case *tg.ChatForbidden:
		id := peer.ChatID(w.ID)
		if !id.IsValid() {
			return
		}
		c := m.chats.Add(id)
		if c.Title != w.Title {
			c.Title = w.Title
			c.MarkDirty(entity.AspectTitle)
		}
		if c.Status.Kind != domain.MemberBanned {
			c.Status = domain.MemberStatus{Kind: domain.MemberBanned}
			c.MarkDirty(entity.AspectStatus)
		}
		m.finishRepairIfStale(&c.Meta, &c.CacheVersion)
		m.chats.Update(id, false)
	}
}

func (m *Manager) onGetChat(w *tg.Chat) {
	id := peer.ChatID(w.ID)
	if !id.IsValid() {
		return
	}
	c := m.chats.Add(id)

	if c.Title != w.Title {
		c.Title = w.Title
		c.MarkDirty(entity.AspectTitle)
	}
	if photo := photoFromChat(w.Photo); photo != c.Photo {
		c.Photo = photo
		c.MarkDirty(entity.AspectPhoto)
	}
	if status := chatStatus(w); status != c.Status {
		c.Status = status
		c.MarkDirty(entity.AspectStatus)
	}
	if rights, ok := w.GetDefaultBannedRights(); ok {
		if perms := domain.RestrictedRightsFromTG(rights); perms != c.DefaultPermissions {
			c.DefaultPermissions = perms
			c.MarkDirty(entity.AspectPermissions)
		}
	}
	if w.ParticipantsCount != c.ParticipantCount {
		c.ParticipantCount = w.ParticipantsCount
		c.MarkNeedPublicUpdate()
	}
	if active := !w.Deactivated; active != c.IsActive {
		c.IsActive = active
		c.MarkNeedPublicUpdate()
	}
	if migrated, ok := w.GetMigratedTo(); ok {
		if ch, ok := migrated.(*tg.InputChannel); ok && peer.ChannelID(ch.ChannelID) != c.MigratedTo {
			c.MigratedTo = peer.ChannelID(ch.ChannelID)
			c.MarkNeedPublicUpdate()
		}
	}
	if int64(w.Date) != c.Date {
		c.Date = int64(w.Date)
		c.MarkChanged()
	}
	if w.Version > c.Version {
		// Full objects are authoritative; no gap check applies.
		c.Version = w.Version
		c.MarkChanged()
	}

	m.finishRepairIfStale(&c.Meta, &c.CacheVersion)
	m.chats.Update(id, false)
}

// checkChatVersion gates an incremental update carrying a version. The
// update may apply only when it extends the cached version by exactly one,
// or repeats it (idempotent re-delivery). Anything else means we missed an
// update: reject and self-heal with one repair refetch.
func (m *Manager) checkChatVersion(c *Chat, version int) bool {
	switch {
	case version == c.Version:
		return true
	case version == c.Version+1:
		c.Version = version
		c.MarkChanged()
		return true
	default:
		m.logger.Info("chat version gap, repairing",
			zap.Int64("chat_id", int64(c.ID)),
			zap.Int("have", c.Version), zap.Int("got", version))
		if c.StartRepair() {
			m.reloadChat(c.ID)
		}
		return false
	}
}

// OnUpdateChatParticipantCount applies an incremental member-count update.
func (m *Manager) OnUpdateChatParticipantCount(id peer.ChatID, count, version int) {
	c := m.chats.Get(id)
	if c == nil {
		m.chats.ReportUnknown(id)
		return
	}
	if !m.checkChatVersion(c, version) {
		return
	}
	if c.ParticipantCount != count {
		c.ParticipantCount = count
		c.MarkNeedPublicUpdate()
	}
	m.chats.Update(id, false)
}

// OnUpdateChatDefaultPermissions applies an incremental permission update.
func (m *Manager) OnUpdateChatDefaultPermissions(id peer.ChatID, rights domain.RestrictedRights, version int) {
	c := m.chats.Get(id)
	if c == nil {
		m.chats.ReportUnknown(id)
		return
	}
	if !m.checkChatVersion(c, version) {
		return
	}
	if c.DefaultPermissions != rights {
		c.DefaultPermissions = rights
		c.MarkDirty(entity.AspectPermissions)
	}
	m.chats.Update(id, false)
}

// OnUpdateChatTitle applies an incremental title update.
func (m *Manager) OnUpdateChatTitle(id peer.ChatID, title string) {
	c := m.chats.Get(id)
	if c == nil {
		m.chats.ReportUnknown(id)
		return
	}
	if c.Title != title {
		c.Title = title
		c.MarkDirty(entity.AspectTitle)
	}
	m.chats.Update(id, false)
}

// reloadChat refetches a basic group, for version gaps and format repair.
func (m *Manager) reloadChat(id peer.ChatID) {
	invoke(m, func(ctx context.Context) (tg.MessagesChatsClass, error) {
		return m.api.MessagesGetChats(ctx, []int64{int64(id)})
	}, func(res tg.MessagesChatsClass, err error) {
		if err != nil {
			if c := m.chats.Get(id); c != nil {
				c.FinishRepair()
			}
			m.logger.Warn("chat repair refetch failed",
				zap.Int64("chat_id", int64(id)), zap.Error(err))
			return
		}
		m.OnGetChats(res.GetChats())
	})
}

// GetChatFull serves the extended record, stale values immediately with a
// background refresh.
func (m *Manager) GetChatFull(id peer.ChatID, cb func(*ChatFull, error)) {
	m.chatFulls.GetWithRefresh(id, cb)
}

// GetChatFullFresh serves the extended record only once it is not expired.
func (m *Manager) GetChatFullFresh(id peer.ChatID, cb func(*ChatFull, error)) {
	m.chatFulls.GetFresh(id, cb)
}

func (m *Manager) fetchChatFull(id peer.ChatID) {
	invoke(m, func(ctx context.Context) (*tg.MessagesChatFull, error) {
		return m.api.MessagesGetFullChat(ctx, int64(id))
	}, func(res *tg.MessagesChatFull, err error) {
		if err != nil {
			m.chatFulls.Fail(id, errors.Wrap(err, "get full chat"))
			return
		}
		m.OnGetUsers(res.Users)
		m.OnGetChats(res.Chats)
		full, ok := res.FullChat.(*tg.ChatFull)
		if !ok {
			m.chatFulls.Fail(id, errors.Errorf("unexpected full chat class %T", res.FullChat))
			return
		}
		m.OnGetChatFull(full)
	})
}

// OnGetChatFull applies a wire full-chat object.
func (m *Manager) OnGetChatFull(wire *tg.ChatFull) {
	id := peer.ChatID(wire.ID)
	if !id.IsValid() {
		return
	}
	old := m.chatFulls.Get(id)

	nf := &ChatFull{ID: id, About: wire.About}
	if p, ok := wire.Participants.(*tg.ChatParticipants); ok {
		nf.Version = p.Version
		for _, row := range p.Participants {
			nf.Participants = append(nf.Participants, chatParticipantRow(row))
		}
	}
	for _, row := range nf.Participants {
		if row.Status.CanManage() {
			nf.AdminIDs = append(nf.AdminIDs, row.UserID)
		}
	}
	if invite, ok := wire.GetExportedInvite(); ok {
		if link, ok := invite.(*tg.ChatInviteExported); ok {
			nf.InviteLink = link.Link
		}
	}

	changed := old == nil || !old.Equal(nf)
	m.chatFulls.Apply(id, nf)
	if changed {
		m.publishChatFull(id, nf)
		m.saveAdminList(peer.FromChat(id), nf.AdminIDs)
	}
}

// Equal reports whether two full records project identically.
func (f *ChatFull) Equal(o *ChatFull) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.About != o.About || f.InviteLink != o.InviteLink ||
		f.Version != o.Version || len(f.Participants) != len(o.Participants) {
		return false
	}
	for i := range f.Participants {
		if f.Participants[i] != o.Participants[i] {
			return false
		}
	}
	return true
}

// AddChatParticipant optimistically adds a member, then issues the request.
// The visible count bumps immediately; the extended record is invalidated up
// front so a failure self-heals on the next authoritative read.
func (m *Manager) AddChatParticipant(chatID peer.ChatID, userID peer.UserID, done func(error)) {
	c := m.chats.GetOrLoad(chatID)
	if c == nil {
		done(ErrNotFound)
		return
	}
	if !c.Status.CanInvite() {
		done(ErrPermissionDenied)
		return
	}
	input, err := m.inputUserWrite(userID)
	if err != nil {
		done(err)
		return
	}

	m.speculativeChatDelta(chatID, +1)
	m.patchChatParticipants(chatID, userID, &Participant{
		UserID:    userID,
		InviterID: m.selfID,
		Date:      time.Now().Unix(),
		Status:    domain.MemberStatusMember(),
	})
	// Locally authored: counters refreshed independently by the server may
	// double-count a patch, so expire the extended record instead.
	m.chatFulls.Invalidate(chatID)

	invoke(m, func(ctx context.Context) (*tg.MessagesInvitedUsers, error) {
		return m.api.MessagesAddChatUser(ctx, &tg.MessagesAddChatUserRequest{
			ChatID: int64(chatID), UserID: input, FwdLimit: 0,
		})
	}, func(res *tg.MessagesInvitedUsers, err error) {
		switch {
		case err == nil:
			m.applyUpdateEntities(res.Updates)
			done(nil)
		case transport.IsAlreadyParticipant(err):
			// Nothing changed server-side; take back the optimistic bump.
			m.speculativeChatDelta(chatID, -1)
			m.patchChatParticipants(chatID, userID, nil)
			done(nil)
		default:
			done(err)
		}
	})
}

// DeleteChatParticipant optimistically removes a member.
func (m *Manager) DeleteChatParticipant(chatID peer.ChatID, userID peer.UserID, done func(error)) {
	c := m.chats.GetOrLoad(chatID)
	if c == nil {
		done(ErrNotFound)
		return
	}
	if userID != m.selfID && !c.Status.CanManage() {
		done(ErrPermissionDenied)
		return
	}
	input, err := m.inputUserWrite(userID)
	if err != nil {
		done(err)
		return
	}

	m.speculativeChatDelta(chatID, -1)
	m.patchChatParticipants(chatID, userID, nil)
	m.chatFulls.Invalidate(chatID)

	invoke(m, func(ctx context.Context) (tg.UpdatesClass, error) {
		return m.api.MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
			ChatID: int64(chatID), UserID: input,
		})
	}, func(res tg.UpdatesClass, err error) {
		switch {
		case err == nil:
			m.applyUpdateEntities(res)
			done(nil)
		case transport.IsNotParticipant(err):
			m.speculativeChatDelta(chatID, +1)
			done(nil)
		default:
			done(err)
		}
	})
}

// speculativeChatDelta adjusts the visible member count, clamped at zero.
func (m *Manager) speculativeChatDelta(id peer.ChatID, delta int) {
	c := m.chats.Get(id)
	if c == nil {
		return
	}
	count := c.ParticipantCount + delta
	if count < 0 {
		count = 0
	}
	if count != c.ParticipantCount {
		c.ParticipantCount = count
		c.MarkNeedPublicUpdate()
		m.chats.Update(id, false)
	}
}

// patchChatParticipants edits the cached member list in place: row == nil
// removes, otherwise inserts or replaces. The list keeps serving reads while
// the authoritative copy is on its way.
func (m *Manager) patchChatParticipants(id peer.ChatID, userID peer.UserID, row *Participant) {
	full := m.chatFulls.Get(id)
	if full == nil {
		return
	}
	for i := range full.Participants {
		if full.Participants[i].UserID == userID {
			if row == nil {
				full.Participants = append(full.Participants[:i], full.Participants[i+1:]...)
			} else {
				full.Participants[i] = *row
			}
			return
		}
	}
	if row != nil {
		full.Participants = append(full.Participants, *row)
	}
}

// applyUpdateEntities pulls the user/chat envelopes out of an updates
// response; the update sequence itself is the update-gap layer's business.
func (m *Manager) applyUpdateEntities(updates tg.UpdatesClass) {
	switch u := updates.(type) {
	case *tg.Updates:
		m.OnGetUsers(u.Users)
		m.OnGetChats(u.Chats)
	case *tg.UpdatesCombined:
		m.OnGetUsers(u.Users)
		m.OnGetChats(u.Chats)
	}
}

func chatParticipantRow(row tg.ChatParticipantClass) Participant {
	switch p := row.(type) {
	case *tg.ChatParticipantCreator:
		return Participant{UserID: peer.UserID(p.UserID), Status: domain.CreatorStatus()}
	case *tg.ChatParticipantAdmin:
		return Participant{
			UserID:    peer.UserID(p.UserID),
			InviterID: peer.UserID(p.InviterID),
			Date:      int64(p.Date),
			Status: domain.MemberStatus{
				Kind:       domain.MemberAdministrator,
				Restricted: domain.AllRestrictedRights(),
				IsMember:   true,
			},
		}
	case *tg.ChatParticipant:
		return Participant{
			UserID:    peer.UserID(p.UserID),
			InviterID: peer.UserID(p.InviterID),
			Date:      int64(p.Date),
			Status:    domain.MemberStatusMember(),
		}
	default:
		return Participant{}
	}
}

func chatStatus(w *tg.Chat) domain.MemberStatus {
	switch {
	case w.Creator:
		return domain.CreatorStatus()
	case w.Left:
		return domain.LeftStatus()
	default:
		if rights, ok := w.GetAdminRights(); ok {
			return domain.MemberStatus{
				Kind:       domain.MemberAdministrator,
				Admin:      domain.AdminRightsFromTG(rights),
				Restricted: domain.AllRestrictedRights(),
				IsMember:   true,
			}
		}
		return domain.MemberStatusMember()
	}
}

func photoFromChat(photo tg.ChatPhotoClass) domain.Photo {
	p, ok := photo.(*tg.ChatPhoto)
	if !ok {
		return domain.Photo{}
	}
	return domain.Photo{ID: p.PhotoID}
}
