package peers

import (
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/peer"
)

// GetSecretChat returns the cached secret chat, falling back to the database
// once.
func (m *Manager) GetSecretChat(id peer.SecretChatID) *SecretChat {
	if !id.IsValid() {
		return nil
	}
	return m.secretChats.GetOrLoad(id)
}

// EachSecretChat visits every in-memory secret chat record.
func (m *Manager) EachSecretChat(fn func(id peer.SecretChatID, s *SecretChat)) {
	m.secretChats.Each(fn)
}

// OnSecretChat applies the full local description of a secret chat. Secret
// chats never come from the entity fetch RPCs; the encryption layer owns
// them and feeds this directly.
func (m *Manager) OnSecretChat(id peer.SecretChatID, userID peer.UserID, isOutbound bool, layer int, keyFingerprint int64) {
	if !id.IsValid() {
		return
	}
	s := m.secretChats.Add(id)
	if s.UserID != userID || s.IsOutbound != isOutbound ||
		s.Layer != layer || s.KeyFingerprint != keyFingerprint {
		s.UserID = userID
		s.IsOutbound = isOutbound
		s.Layer = layer
		s.KeyFingerprint = keyFingerprint
		s.MarkChanged()
		s.MarkNeedPublicUpdate()
	}
	m.secretChats.Update(id, false)
}

// OnUpdateSecretChatState advances the chat's state. States only move
// forward; a stale transition back to waiting is dropped.
func (m *Manager) OnUpdateSecretChatState(id peer.SecretChatID, state string) {
	s := m.secretChats.Get(id)
	if s == nil {
		m.secretChats.ReportUnknown(id)
		return
	}
	if secretChatStateRank(state) <= secretChatStateRank(s.State) {
		return
	}
	s.State = state
	s.MarkDirty(entity.AspectStatus)
	m.secretChats.Update(id, false)
}

// OnUpdateSecretChatTTL applies a new message time-to-live.
func (m *Manager) OnUpdateSecretChatTTL(id peer.SecretChatID, ttl int) {
	s := m.secretChats.Get(id)
	if s == nil {
		m.secretChats.ReportUnknown(id)
		return
	}
	if s.TTL != ttl {
		s.TTL = ttl
		s.MarkChanged()
		s.MarkNeedPublicUpdate()
	}
	m.secretChats.Update(id, false)
}

func secretChatStateRank(state string) int {
	switch state {
	case SecretChatWaiting:
		return 0
	case SecretChatReady:
		return 1
	case SecretChatClosed:
		return 2
	default:
		return -1
	}
}
