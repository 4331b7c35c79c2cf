// Package entity implements the generic cache/persistence machinery shared
// by the four entity kinds. A Store owns the in-memory map, the
// one-load-per-id rule, and the two-phase (log, then keyed write) save
// pipeline; per-kind field handling plugs in through a Descriptor.
package entity

// CacheFormatVersion is the current on-disk record encoding version. Records
// loaded with an older version are scheduled for one repair refetch so the
// stored copy gets rewritten in the current format.
const CacheFormatVersion = 3

// Aspect names a semantically distinct mutable facet of a record. Each has
// its own dirty bit so the dispatcher can fire exactly the side effects a
// mutation implies.
type Aspect uint8

const (
	AspectName Aspect = iota
	AspectUsername
	AspectPhoto
	AspectStatus
	AspectPermissions
	AspectTitle
	AspectIsContact
)

// Meta is the non-persisted bookkeeping block embedded in every record.
//
// The zero value describes a fresh stub: nothing dirty, not saved, no
// outstanding log slot.
type Meta struct {
	dirty            uint16
	changed          bool
	needPublicUpdate bool

	isSaved      bool
	isBeingSaved bool
	saveQueued   bool
	repairing    bool

	logSlot uint64
}

// MarkDirty records that an aspect changed in a user-visible way. It implies
// both persistence and a public update.
func (m *Meta) MarkDirty(a Aspect) {
	m.dirty |= 1 << a
	m.changed = true
	m.needPublicUpdate = true
}

// MarkChanged records a persist-worthy change with no user-visible effect
// (access hash learned, counters reconciled).
func (m *Meta) MarkChanged() { m.changed = true }

// MarkNeedPublicUpdate forces a public update without naming an aspect.
func (m *Meta) MarkNeedPublicUpdate() {
	m.changed = true
	m.needPublicUpdate = true
}

// IsDirty reports whether the aspect bit is set.
func (m *Meta) IsDirty(a Aspect) bool { return m.dirty&(1<<a) != 0 }

// TakeDirty clears and returns the aspect bit. Side-effect tables use it so
// each transition fires exactly once.
func (m *Meta) TakeDirty(a Aspect) bool {
	set := m.IsDirty(a)
	m.dirty &^= 1 << a
	return set
}

// Changed reports whether the record needs persisting.
func (m *Meta) Changed() bool { return m.changed }

// NeedPublicUpdate reports whether observers still need notifying.
func (m *Meta) NeedPublicUpdate() bool { return m.needPublicUpdate }

// IsSaved reports whether the in-memory state matches the persisted copy.
func (m *Meta) IsSaved() bool { return m.isSaved }

// IsBeingSaved reports whether a keyed write is in flight.
func (m *Meta) IsBeingSaved() bool { return m.isBeingSaved }

// LogSlot returns the outstanding write-ahead log slot, 0 when none.
func (m *Meta) LogSlot() uint64 { return m.logSlot }

// StartRepair marks the record as having a repair refetch in flight. It
// returns false when one is already outstanding.
func (m *Meta) StartRepair() bool {
	if m.repairing {
		return false
	}
	m.repairing = true
	return true
}

// FinishRepair clears the repair guard.
func (m *Meta) FinishRepair() { m.repairing = false }

func (m *Meta) clearUpdateFlags() {
	m.changed = false
	m.needPublicUpdate = false
}
