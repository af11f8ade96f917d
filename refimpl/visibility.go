package refimpl

import "github.com/zedstore/zedstore"

// Snapshot is refimpl's zedstore.Snapshot: the set of transaction ids
// already committed as of the snapshot, plus the running transaction's
// own id for self-visibility. A real host's snapshot is ordinarily an
// xmin/xmax cutoff pair rather than an explicit set; this is simplified
// for a reference/test harness, not a production transaction manager.
type Snapshot struct {
	XactID    uint64
	Committed map[uint64]struct{}
}

func (s Snapshot) canSee(xid uint64) bool {
	if xid == s.XactID {
		return true
	}
	_, ok := s.Committed[xid]
	return ok
}

// VisibilityOracle is a zedstore.VisibilityOracle that resolves an item's
// undo pointer against the transaction that created it.
type VisibilityOracle struct {
	undo *UndoLog
}

func NewVisibilityOracle(undo *UndoLog) *VisibilityOracle {
	return &VisibilityOracle{undo: undo}
}

func (v *VisibilityOracle) Satisfies(snap zedstore.Snapshot, flags zedstore.ItemFlags, undo zedstore.UndoPtr) bool {
	if flags&zedstore.FlagDead != 0 {
		return false
	}
	if undo == zedstore.DeadUndoPtr {
		return true
	}
	rec, ok := v.undo.Lookup(undo)
	if !ok {
		return true
	}
	s, _ := snap.(Snapshot)
	switch {
	case flags&(zedstore.FlagDeleted|zedstore.FlagUpdated) != 0:
		// The delete/update undo record's Xid is the transaction that
		// retired this version; it is visible to snap only if that
		// retirement has not yet happened from snap's point of view.
		return !s.canSee(rec.Xid)
	default:
		// Plain insert undo record: visible once its creator is visible.
		return s.canSee(rec.Xid)
	}
}

// SatisfiesUpdate is §4.7's satisfies_update: whether snap's transaction
// may delete, update, or lock the item carrying undo. This reference
// implementation has no lock-wait queue, so it never returns
// UpdateWouldBlock; a concurrent, not-yet-visible modification is always
// reported as UpdateBeingModified rather than queued.
func (v *VisibilityOracle) SatisfiesUpdate(snap zedstore.Snapshot, flags zedstore.ItemFlags, undo zedstore.UndoPtr) (zedstore.UpdateCode, bool) {
	if flags&zedstore.FlagDead != 0 {
		return zedstore.UpdateInvisible, false
	}
	if undo == zedstore.DeadUndoPtr {
		return zedstore.UpdateOk, false
	}
	rec, ok := v.undo.Lookup(undo)
	if !ok {
		return zedstore.UpdateOk, false
	}
	if flags&(zedstore.FlagDeleted|zedstore.FlagUpdated) == 0 {
		return zedstore.UpdateOk, false
	}
	s, _ := snap.(Snapshot)
	if rec.Xid == s.XactID {
		return zedstore.UpdateSelfUpdated, true
	}
	if s.canSee(rec.Xid) {
		return zedstore.UpdateUpdated, false
	}
	return zedstore.UpdateBeingModified, false
}
