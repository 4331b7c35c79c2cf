package peers

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/storage"
)

// saveAdminList persists a dialog's administrator ids so they survive
// restarts without refetching the full record.
func (m *Manager) saveAdminList(d peer.DialogID, ids []peer.UserID) {
	if ids == nil {
		ids = []peer.UserID{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		m.logger.Error("encode admin list", zap.Stringer("dialog", d), zap.Error(err))
		return
	}
	m.db.Set(storage.AdminListKey(d), data, func(err error) {
		if err != nil {
			m.logger.Warn("persist admin list", zap.Stringer("dialog", d), zap.Error(err))
		}
	})
}

// AdminIDs returns the last persisted administrator ids for a dialog, or nil
// when none were ever saved.
func (m *Manager) AdminIDs(d peer.DialogID) []peer.UserID {
	data, err := m.db.Get(storage.AdminListKey(d))
	if err != nil || data == nil {
		return nil
	}
	var ids []peer.UserID
	if err := json.Unmarshal(data, &ids); err != nil {
		m.logger.Warn("decode admin list", zap.Stringer("dialog", d), zap.Error(err))
		return nil
	}
	return ids
}
