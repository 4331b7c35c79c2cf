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

// GetChannel returns the cached channel, falling back to the database once.
func (m *Manager) GetChannel(id peer.ChannelID) *Channel {
	if !id.IsValid() {
		return nil
	}
	return m.channels.GetOrLoad(id)
}

// EachChannel visits every in-memory channel record.
func (m *Manager) EachChannel(fn func(id peer.ChannelID, c *Channel)) { m.channels.Each(fn) }

// OnGetChannel applies a wire channel object.
func (m *Manager) OnGetChannel(wire tg.ChatClass) {
	switch w := wire.(type) {
	case *tg.Channel:
		m.onGetChannel(w)
	case *tg.ChannelForbidden:
		id := peer.ChannelID(w.ID)
		if !id.IsValid() {
			return
		}
		c := m.channels.Add(id)
		m.applyChannelAccessHash(c, w.AccessHash, false)
		if c.Title != w.Title {
			c.Title = w.Title
			c.MarkDirty(entity.AspectTitle)
		}
		until, _ := w.GetUntilDate()
		status := domain.MemberStatus{Kind: domain.MemberBanned, UntilDate: int64(until)}
		if c.Status != status {
			c.Status = status
			c.MarkDirty(entity.AspectStatus)
		}
		m.finishRepairIfStale(&c.Meta, &c.CacheVersion)
		m.channels.Update(id, false)
	}
}

func (m *Manager) onGetChannel(w *tg.Channel) {
	id := peer.ChannelID(w.ID)
	if !id.IsValid() {
		return
	}
	c := m.channels.Add(id)

	if hash, ok := w.GetAccessHash(); ok {
		m.applyChannelAccessHash(c, hash, w.Min)
	}
	if c.Title != w.Title {
		c.Title = w.Title
		c.MarkDirty(entity.AspectTitle)
	}
	// Min objects omit the username and status; keep what we have.
	if !w.Min {
		username, _ := w.GetUsername()
		if c.Username != username {
			c.Username = username
			c.MarkDirty(entity.AspectUsername)
		}
		if status := channelStatus(w); status != c.Status {
			c.Status = status
			c.MarkDirty(entity.AspectStatus)
		}
	}
	if photo := photoFromChat(w.Photo); photo != c.Photo {
		c.Photo = photo
		c.MarkDirty(entity.AspectPhoto)
	}
	if rights, ok := w.GetDefaultBannedRights(); ok {
		if perms := domain.RestrictedRightsFromTG(rights); perms != c.DefaultPermissions {
			c.DefaultPermissions = perms
			c.MarkDirty(entity.AspectPermissions)
		}
	}
	if count, ok := w.GetParticipantsCount(); ok && count != c.ParticipantCount {
		c.ParticipantCount = count
		c.MarkNeedPublicUpdate()
	}
	if w.Broadcast != c.IsBroadcast || w.Megagroup != c.IsMegagroup ||
		w.Verified != c.IsVerified || w.Scam != c.IsScam {
		c.IsBroadcast, c.IsMegagroup = w.Broadcast, w.Megagroup
		c.IsVerified, c.IsScam = w.Verified, w.Scam
		c.MarkNeedPublicUpdate()
	}
	if restricted := restrictionString(w.RestrictionReason); restricted != c.RestrictedBy {
		c.RestrictedBy = restricted
		c.MarkNeedPublicUpdate()
	}
	if int64(w.Date) != c.Date {
		c.Date = int64(w.Date)
		c.MarkChanged()
	}

	m.finishRepairIfStale(&c.Meta, &c.CacheVersion)
	m.channels.Update(id, false)
}

// applyChannelAccessHash learns or upgrades the access hash, same rule as
// for users.
func (m *Manager) applyChannelAccessHash(c *Channel, hash int64, min bool) {
	if min {
		if !c.HaveAccess() {
			c.AccessHash = hash
			c.MinAccessHash = true
			c.MarkChanged()
		}
		return
	}
	if c.AccessHash != hash || c.MinAccessHash {
		c.AccessHash = hash
		c.MinAccessHash = false
		c.MarkChanged()
	}
}

// OnUpdateChannelStatus applies the local actor's new standing, as carried by
// participant updates.
func (m *Manager) OnUpdateChannelStatus(id peer.ChannelID, status domain.MemberStatus) {
	c := m.channels.Get(id)
	if c == nil {
		m.channels.ReportUnknown(id)
		return
	}
	if c.Status != status {
		c.Status = status
		c.MarkDirty(entity.AspectStatus)
	}
	m.channels.Update(id, false)
}

// OnUpdateChannelDefaultPermissions applies a permission update.
func (m *Manager) OnUpdateChannelDefaultPermissions(id peer.ChannelID, rights domain.RestrictedRights) {
	c := m.channels.Get(id)
	if c == nil {
		m.channels.ReportUnknown(id)
		return
	}
	if c.DefaultPermissions != rights {
		c.DefaultPermissions = rights
		c.MarkDirty(entity.AspectPermissions)
	}
	m.channels.Update(id, false)
}

func (m *Manager) inputChannel(id peer.ChannelID) (tg.InputChannelClass, error) {
	c := m.channels.GetOrLoad(id)
	if c == nil || !c.HaveAccess() {
		return nil, ErrNotFound
	}
	return &tg.InputChannel{ChannelID: int64(id), AccessHash: c.AccessHash}, nil
}

// inputChannelWrite is the mutation form of inputChannel: a min hash reads,
// only the full hash mutates.
func (m *Manager) inputChannelWrite(id peer.ChannelID) (tg.InputChannelClass, error) {
	c := m.channels.GetOrLoad(id)
	if c == nil || !c.HaveAccess() {
		return nil, ErrNotFound
	}
	if !c.HaveWriteAccess() {
		return nil, ErrNoWriteAccess
	}
	return &tg.InputChannel{ChannelID: int64(id), AccessHash: c.AccessHash}, nil
}

// reloadChannel refetches a channel, for repair and lapsed restrictions.
func (m *Manager) reloadChannel(id peer.ChannelID) {
	input, err := m.inputChannel(id)
	if err != nil {
		if c := m.channels.Get(id); c != nil {
			c.FinishRepair()
		}
		return
	}
	invoke(m, func(ctx context.Context) (tg.MessagesChatsClass, error) {
		return m.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{input})
	}, func(res tg.MessagesChatsClass, err error) {
		if err != nil {
			if c := m.channels.Get(id); c != nil {
				c.FinishRepair()
			}
			m.logger.Warn("channel repair refetch failed",
				zap.Int64("channel_id", int64(id)), zap.Error(err))
			return
		}
		m.OnGetChats(res.GetChats())
	})
}

// GetChannelFull serves the extended record, stale values immediately with a
// background refresh.
func (m *Manager) GetChannelFull(id peer.ChannelID, cb func(*ChannelFull, error)) {
	m.channelFulls.GetWithRefresh(id, cb)
}

// GetChannelFullFresh serves the extended record only once it is not expired.
func (m *Manager) GetChannelFullFresh(id peer.ChannelID, cb func(*ChannelFull, error)) {
	m.channelFulls.GetFresh(id, cb)
}

func (m *Manager) fetchChannelFull(id peer.ChannelID) {
	input, err := m.inputChannel(id)
	if err != nil {
		m.channelFulls.Fail(id, err)
		return
	}
	invoke(m, func(ctx context.Context) (*tg.MessagesChatFull, error) {
		return m.api.ChannelsGetFullChannel(ctx, input)
	}, func(res *tg.MessagesChatFull, err error) {
		if err != nil {
			m.channelFulls.Fail(id, errors.Wrap(err, "get full channel"))
			return
		}
		m.OnGetUsers(res.Users)
		m.OnGetChats(res.Chats)
		full, ok := res.FullChat.(*tg.ChannelFull)
		if !ok {
			m.channelFulls.Fail(id, errors.Errorf("unexpected full chat class %T", res.FullChat))
			return
		}
		m.OnGetChannelFull(full)
	})
}

// OnGetChannelFull applies a wire full-channel object.
func (m *Manager) OnGetChannelFull(wire *tg.ChannelFull) {
	id := peer.ChannelID(wire.ID)
	if !id.IsValid() {
		return
	}
	old := m.channelFulls.Get(id)

	nf := &ChannelFull{
		ID:             id,
		About:          wire.About,
		CanViewMembers: wire.CanViewParticipants,
	}
	nf.MemberCount, _ = wire.GetParticipantsCount()
	nf.AdminCount, _ = wire.GetAdminsCount()
	nf.BannedCount, _ = wire.GetBannedCount()
	nf.PinnedMessageID, _ = wire.GetPinnedMsgID()
	if invite, ok := wire.GetExportedInvite(); ok {
		if link, ok := invite.(*tg.ChatInviteExported); ok {
			nf.InviteLink = link.Link
		}
	}
	for _, info := range wire.BotInfo {
		if uid, ok := info.GetUserID(); ok {
			if bi := botInfoFromTG(info, 0); bi != nil {
				bi.BotID = peer.UserID(uid)
				nf.BotInfo = append(nf.BotInfo, *bi)
			}
		}
	}

	changed := old == nil || !old.Equal(nf)
	m.channelFulls.Apply(id, nf)
	if changed {
		m.publishChannelFull(id, nf)
	}
}

// Equal reports whether two full records project identically.
func (f *ChannelFull) Equal(o *ChannelFull) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.About != o.About || f.MemberCount != o.MemberCount ||
		f.AdminCount != o.AdminCount || f.BannedCount != o.BannedCount ||
		f.CanViewMembers != o.CanViewMembers || f.InviteLink != o.InviteLink ||
		f.PinnedMessageID != o.PinnedMessageID || len(f.BotInfo) != len(o.BotInfo) {
		return false
	}
	for i := range f.BotInfo {
		if !f.BotInfo[i].Equal(&o.BotInfo[i]) {
			return false
		}
	}
	return true
}

// GetChannelParticipants serves the cached member list, fetching it when
// absent. The callback runs on the loop.
func (m *Manager) GetChannelParticipants(id peer.ChannelID, cb func([]Participant, error)) {
	if list, ok := m.channelParticipants[id]; ok {
		cb(list, nil)
		return
	}
	input, err := m.inputChannel(id)
	if err != nil {
		cb(nil, err)
		return
	}
	invoke(m, func(ctx context.Context) (tg.ChannelsChannelParticipantsClass, error) {
		return m.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: input,
			Filter:  &tg.ChannelParticipantsRecent{},
			Limit:   200,
		})
	}, func(res tg.ChannelsChannelParticipantsClass, err error) {
		if err != nil {
			cb(nil, errors.Wrap(err, "get participants"))
			return
		}
		wire, ok := res.(*tg.ChannelsChannelParticipants)
		if !ok {
			cb(m.channelParticipants[id], nil)
			return
		}
		m.OnGetUsers(wire.Users)
		m.OnGetChats(wire.Chats)
		list := make([]Participant, 0, len(wire.Participants))
		for _, row := range wire.Participants {
			list = append(list, channelParticipantRow(row))
		}
		m.channelParticipants[id] = list
		var admins []peer.UserID
		for _, row := range list {
			if row.Status.CanManage() {
				admins = append(admins, row.UserID)
			}
		}
		m.saveAdminList(peer.FromChannel(id), admins)
		cb(list, nil)
	})
}

// InviteToChannel optimistically adds members, then issues the request.
func (m *Manager) InviteToChannel(channelID peer.ChannelID, userIDs []peer.UserID, done func(error)) {
	c := m.channels.GetOrLoad(channelID)
	if c == nil {
		done(ErrNotFound)
		return
	}
	if !c.Status.CanInvite() {
		done(ErrPermissionDenied)
		return
	}
	input, err := m.inputChannelWrite(channelID)
	if err != nil {
		done(err)
		return
	}
	users := make([]tg.InputUserClass, 0, len(userIDs))
	for _, uid := range userIDs {
		iu, err := m.inputUserWrite(uid)
		if err != nil {
			done(err)
			return
		}
		users = append(users, iu)
	}

	now := time.Now().Unix()
	for _, uid := range userIDs {
		m.patchChannelParticipants(channelID, uid, &Participant{
			UserID:    uid,
			InviterID: m.selfID,
			Date:      now,
			Status:    domain.MemberStatusMember(),
		})
	}
	m.speculativeChannelDelta(channelID, len(userIDs))
	m.channelFulls.Invalidate(channelID)

	invoke(m, func(ctx context.Context) (*tg.MessagesInvitedUsers, error) {
		return m.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
			Channel: input,
			Users:   users,
		})
	}, func(res *tg.MessagesInvitedUsers, err error) {
		switch {
		case err == nil:
			m.applyUpdateEntities(res.Updates)
			done(nil)
		case transport.IsAlreadyParticipant(err) || transport.IsNotModified(err):
			// Soft success: the members were already there, take the
			// optimistic rows and count back.
			for _, uid := range userIDs {
				m.patchChannelParticipants(channelID, uid, nil)
			}
			m.speculativeChannelDelta(channelID, -len(userIDs))
			done(nil)
		default:
			done(err)
		}
	})
}

// EditChannelAdmin optimistically promotes or demotes, then issues the
// request. An empty rights set demotes.
func (m *Manager) EditChannelAdmin(channelID peer.ChannelID, userID peer.UserID, rights domain.AdminRights, rank string, done func(error)) {
	c := m.channels.GetOrLoad(channelID)
	if c == nil {
		done(ErrNotFound)
		return
	}
	if !c.Status.CanManage() {
		done(ErrPermissionDenied)
		return
	}
	input, err := m.inputChannelWrite(channelID)
	if err != nil {
		done(err)
		return
	}
	iu, err := m.inputUserWrite(userID)
	if err != nil {
		done(err)
		return
	}

	status := domain.MemberStatus{
		Kind:       domain.MemberAdministrator,
		Rank:       rank,
		Admin:      rights,
		Restricted: domain.AllRestrictedRights(),
		IsMember:   true,
	}
	if rights == (domain.AdminRights{}) {
		status = domain.MemberStatusMember()
	}
	m.patchChannelParticipantStatus(channelID, userID, status)
	m.channelFulls.Invalidate(channelID)

	invoke(m, func(ctx context.Context) (tg.UpdatesClass, error) {
		return m.api.ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
			Channel:     input,
			UserID:      iu,
			AdminRights: rights.ToTG(),
			Rank:        rank,
		})
	}, func(res tg.UpdatesClass, err error) {
		switch {
		case err == nil:
			m.applyUpdateEntities(res)
			done(nil)
		case transport.IsNotModified(err):
			done(nil)
		default:
			done(err)
		}
	})
}

// EditChannelBanned optimistically restricts, bans, or lifts, then issues the
// request. ban true kicks the member outright.
func (m *Manager) EditChannelBanned(channelID peer.ChannelID, userID peer.UserID, ban bool, rights domain.RestrictedRights, untilDate int64, done func(error)) {
	c := m.channels.GetOrLoad(channelID)
	if c == nil {
		done(ErrNotFound)
		return
	}
	if !c.Status.CanRestrict() {
		done(ErrPermissionDenied)
		return
	}
	input, err := m.inputChannelWrite(channelID)
	if err != nil {
		done(err)
		return
	}
	ip, err := m.inputPeerUserWrite(userID)
	if err != nil {
		done(err)
		return
	}

	var status domain.MemberStatus
	switch {
	case ban:
		status = domain.MemberStatus{Kind: domain.MemberBanned, UntilDate: untilDate}
		m.patchChannelParticipants(channelID, userID, nil)
		m.speculativeChannelDelta(channelID, -1)
	case rights == domain.AllRestrictedRights():
		status = domain.MemberStatusMember()
	default:
		status = domain.MemberStatus{
			Kind:       domain.MemberRestricted,
			Restricted: rights,
			IsMember:   true,
			UntilDate:  untilDate,
		}
	}
	if !ban {
		m.patchChannelParticipantStatus(channelID, userID, status)
	}
	m.channelFulls.Invalidate(channelID)

	invoke(m, func(ctx context.Context) (tg.UpdatesClass, error) {
		return m.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
			Channel:      input,
			Participant:  ip,
			BannedRights: rights.ToBannedTG(ban, untilDate),
		})
	}, func(res tg.UpdatesClass, err error) {
		switch {
		case err == nil:
			m.applyUpdateEntities(res)
			done(nil)
		case transport.IsNotModified(err):
			done(nil)
		case ban && transport.IsNotParticipant(err):
			m.speculativeChannelDelta(channelID, +1)
			done(nil)
		default:
			done(err)
		}
	})
}

// speculativeChannelDelta adjusts the visible member count, clamped at zero.
func (m *Manager) speculativeChannelDelta(id peer.ChannelID, delta int) {
	c := m.channels.Get(id)
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
		m.channels.Update(id, false)
	}
}

// patchChannelParticipants edits the cached member list in place: row == nil
// removes, otherwise inserts or replaces. No-op when the list was never
// fetched.
func (m *Manager) patchChannelParticipants(id peer.ChannelID, userID peer.UserID, row *Participant) {
	list, ok := m.channelParticipants[id]
	if !ok {
		return
	}
	for i := range list {
		if list[i].UserID == userID {
			if row == nil {
				m.channelParticipants[id] = append(list[:i], list[i+1:]...)
			} else {
				list[i] = *row
			}
			return
		}
	}
	if row != nil {
		m.channelParticipants[id] = append(list, *row)
	}
}

func (m *Manager) patchChannelParticipantStatus(id peer.ChannelID, userID peer.UserID, status domain.MemberStatus) {
	list, ok := m.channelParticipants[id]
	if !ok {
		return
	}
	for i := range list {
		if list[i].UserID == userID {
			list[i].Status = status
			return
		}
	}
}

func channelParticipantRow(row tg.ChannelParticipantClass) Participant {
	p := Participant{Status: domain.StatusFromParticipant(row)}
	switch w := row.(type) {
	case *tg.ChannelParticipant:
		p.UserID = peer.UserID(w.UserID)
		p.Date = int64(w.Date)
	case *tg.ChannelParticipantSelf:
		p.UserID = peer.UserID(w.UserID)
		p.InviterID = peer.UserID(w.InviterID)
		p.Date = int64(w.Date)
	case *tg.ChannelParticipantCreator:
		p.UserID = peer.UserID(w.UserID)
	case *tg.ChannelParticipantAdmin:
		p.UserID = peer.UserID(w.UserID)
		p.Date = int64(w.Date)
		if inviter, ok := w.GetInviterID(); ok {
			p.InviterID = peer.UserID(inviter)
		}
	case *tg.ChannelParticipantBanned:
		if u, ok := w.Peer.(*tg.PeerUser); ok {
			p.UserID = peer.UserID(u.UserID)
		}
		p.Date = int64(w.Date)
	case *tg.ChannelParticipantLeft:
		if u, ok := w.Peer.(*tg.PeerUser); ok {
			p.UserID = peer.UserID(u.UserID)
		}
	}
	return p
}

func channelStatus(w *tg.Channel) domain.MemberStatus {
	if w.Creator {
		return domain.CreatorStatus()
	}
	if banned, ok := w.GetBannedRights(); ok {
		kind := domain.MemberRestricted
		if banned.ViewMessages {
			kind = domain.MemberBanned
		}
		return domain.MemberStatus{
			Kind:       kind,
			Restricted: domain.RestrictedRightsFromTG(banned),
			IsMember:   kind == domain.MemberRestricted && !w.Left,
			UntilDate:  int64(banned.UntilDate),
		}
	}
	if rights, ok := w.GetAdminRights(); ok {
		return domain.MemberStatus{
			Kind:       domain.MemberAdministrator,
			Admin:      domain.AdminRightsFromTG(rights),
			Restricted: domain.AllRestrictedRights(),
			IsMember:   true,
		}
	}
	if w.Left {
		return domain.LeftStatus()
	}
	return domain.MemberStatusMember()
}
