package entity

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/storage"
)

// saveRetryDelay is how long a failed persistence attempt waits before the
// next try. Nothing is lost in the meantime; the record stays marked unsaved.
const saveRetryDelay = 5 * time.Second

// Descriptor supplies the per-kind behavior a Store needs. All callbacks run
// on the engine run loop.
type Descriptor[K comparable, R any] struct {
	// Name is the kind name used in keys, logs and timer ids.
	Name string
	// LogCategory tags this kind's write-ahead log entries.
	LogCategory storage.LogCategory

	New    func(id K) *R
	ID     func(r *R) K
	Key    func(id K) []byte
	Encode func(r *R) ([]byte, error)
	Decode func(data []byte) (*R, error)
	Meta   func(r *R) *Meta
	// CacheVersion reads the persisted encoding version of a record.
	CacheVersion func(r *R) int

	// SideEffects consumes the record's dirty aspect bits, firing each
	// downstream effect once. Set by the engine.
	SideEffects func(id K, r *R)
	// Publish emits the public "entity replaced" event. Set by the engine.
	Publish func(id K, r *R)
	// CanRepair reports whether a stale-format record may be refetched.
	CanRepair func(id K, r *R) bool
	// Repair issues the refetch that upgrades a stale-format record.
	Repair func(id K, r *R)
}

// Store is the in-memory map plus durability pipeline for one entity kind.
// All methods must be called from the engine run loop.
type Store[K comparable, R any] struct {
	desc   Descriptor[K, R]
	loop   *runloop.Loop
	db     storage.Store
	logger *zap.Logger

	records       map[K]*R
	loadAttempted map[K]struct{}
	unknownSeen   map[K]struct{}
}

// NewStore creates an empty store.
func NewStore[K comparable, R any](desc Descriptor[K, R], loop *runloop.Loop, db storage.Store, logger *zap.Logger) *Store[K, R] {
	return &Store[K, R]{
		desc:          desc,
		loop:          loop,
		db:            db,
		logger:        logger.Named(desc.Name + "s"),
		records:       map[K]*R{},
		loadAttempted: map[K]struct{}{},
		unknownSeen:   map[K]struct{}{},
	}
}

// Get returns the in-memory record or nil. It never touches the database.
func (s *Store[K, R]) Get(id K) *R { return s.records[id] }

// Has reports whether the record is in memory.
func (s *Store[K, R]) Has(id K) bool { return s.records[id] != nil }

// Len returns the number of records in memory.
func (s *Store[K, R]) Len() int { return len(s.records) }

// Each calls fn for every in-memory record.
func (s *Store[K, R]) Each(fn func(id K, r *R)) {
	for id, r := range s.records {
		fn(id, r)
	}
}

// GetOrLoad returns the record, consulting the database on the first miss
// for each id. Absence on disk creates nothing: absence is absence.
func (s *Store[K, R]) GetOrLoad(id K) *R {
	if r := s.records[id]; r != nil {
		return r
	}
	if _, tried := s.loadAttempted[id]; tried {
		return nil
	}
	s.loadAttempted[id] = struct{}{}

	data, err := s.db.Get(s.desc.Key(id))
	if err != nil {
		s.logger.Error("database read failed", zap.Any("id", id), zap.Error(err))
		return nil
	}
	if data == nil {
		return nil
	}

	r, err := s.desc.Decode(data)
	if err != nil {
		// Corrupted local state is not recoverable in-process.
		s.logger.Fatal("corrupted record on disk",
			zap.Any("id", id), zap.Error(err))
		return nil
	}
	m := s.desc.Meta(r)
	m.isSaved = true
	s.records[id] = r

	// A loaded record goes through the same update path as any mutation,
	// with the from-database marker suppressing re-persistence.
	s.Update(id, true)
	return s.records[id]
}

// Add returns the record for id, creating a stub if none exists. Idempotent.
func (s *Store[K, R]) Add(id K) *R {
	if r := s.records[id]; r != nil {
		return r
	}
	r := s.desc.New(id)
	s.records[id] = r
	return r
}

// attach inserts an existing record, used by log replay. The caller owns
// setting up the meta block first.
func (s *Store[K, R]) attach(id K, r *R) {
	s.records[id] = r
	s.loadAttempted[id] = struct{}{}
}

// Update runs the diff/dispatch step for a mutated record and, unless the
// mutation came from a database load, schedules persistence.
func (s *Store[K, R]) Update(id K, fromDatabase bool) {
	r := s.records[id]
	if r == nil {
		return
	}
	m := s.desc.Meta(r)

	if s.desc.SideEffects != nil {
		s.desc.SideEffects(id, r)
	}

	if m.changed || m.needPublicUpdate {
		if m.changed && !fromDatabase {
			m.isSaved = false
			s.scheduleSave(id)
		}
		if m.needPublicUpdate && s.desc.Publish != nil {
			s.desc.Publish(id, r)
		}
		m.clearUpdateFlags()
	}

	// Encoding-format repair: one unconditional refetch per record, guarded.
	if s.desc.CacheVersion(r) < CacheFormatVersion &&
		s.desc.CanRepair != nil && s.desc.CanRepair(id, r) {
		if m.StartRepair() {
			s.desc.Repair(id, r)
		}
	}
}

// scheduleSave starts the two-phase save, or queues one if a write is
// already in flight. Phase one (the log write) is synchronous and cheap;
// phase two (the keyed write) completes asynchronously.
func (s *Store[K, R]) scheduleSave(id K) {
	r := s.records[id]
	if r == nil {
		return
	}
	m := s.desc.Meta(r)

	if m.isBeingSaved {
		m.saveQueued = true
		return
	}

	data, err := s.desc.Encode(r)
	if err != nil {
		s.logger.Error("encode record", zap.Any("id", id), zap.Error(err))
		return
	}

	if m.logSlot == 0 {
		slot, err := s.db.LogAppend(s.desc.LogCategory, data)
		if err != nil {
			s.retrySaveLater(id, err)
			return
		}
		m.logSlot = slot
	} else if err := s.db.LogRewrite(m.logSlot, data); err != nil {
		s.retrySaveLater(id, err)
		return
	}

	m.isBeingSaved = true
	s.db.Set(s.desc.Key(id), data, func(err error) {
		s.loop.Submit(func() { s.onSaved(id, err) })
	})
}

func (s *Store[K, R]) onSaved(id K, err error) {
	r := s.records[id]
	if r == nil {
		return
	}
	m := s.desc.Meta(r)
	m.isBeingSaved = false

	if err != nil {
		s.retrySaveLater(id, err)
		return
	}

	if m.saveQueued {
		// A newer mutation arrived while this write was in flight; the log
		// entry stays until the follow-up save confirms.
		m.saveQueued = false
		s.scheduleSave(id)
		return
	}

	m.isSaved = true
	if m.logSlot != 0 {
		if err := s.db.LogErase(m.logSlot); err != nil {
			s.logger.Warn("log erase failed", zap.Any("id", id), zap.Error(err))
		}
		m.logSlot = 0
	}
}

func (s *Store[K, R]) retrySaveLater(id K, err error) {
	r := s.records[id]
	if r != nil {
		m := s.desc.Meta(r)
		m.isSaved = false
		m.saveQueued = false
	}
	s.logger.Warn("save failed, will retry",
		zap.Any("id", id), zap.Error(err))
	s.loop.Schedule(fmt.Sprintf("save/%s/%v", s.desc.Name, id), saveRetryDelay, func() {
		s.scheduleSave(id)
	})
}

// RestoreFromLog rebuilds a record from an outstanding write-ahead log entry
// found at startup, then finishes the interrupted save. The caller is still
// inside the log scan's read transaction, so the save itself (which rewrites
// the slot) is deferred to the next loop turn.
func (s *Store[K, R]) RestoreFromLog(slot uint64, payload []byte) error {
	r, err := s.desc.Decode(payload)
	if err != nil {
		return fmt.Errorf("replay %s slot %d: %w", s.desc.Name, slot, err)
	}
	m := s.desc.Meta(r)
	m.logSlot = slot
	m.isSaved = false

	id := s.desc.ID(r)
	s.attach(id, r)
	s.loop.Submit(func() { s.scheduleSave(id) })
	return nil
}

// ReportUnknown logs a reference to an id the engine knows nothing about, at
// most once per id per process.
func (s *Store[K, R]) ReportUnknown(id K) {
	if _, seen := s.unknownSeen[id]; seen {
		return
	}
	s.unknownSeen[id] = struct{}{}
	s.logger.Warn("unknown id referenced", zap.Any("id", id))
}
