package zedstore

// mvcc.go is the §4.7 visibility glue: wrapping Delete/Update with the
// satisfies_update protocol against the undo log, and the DEAD-marking
// step that lets recompressReplace eventually prune a tombstone once no
// snapshot can still need its undo pointer.

// TryDelete attempts to delete tid under snap's MVCC rules: it consults
// SatisfiesUpdate first and returns that code's error unless the code is
// Ok or SelfUpdated (the current transaction deleting its own prior
// change). The keepOldUndoPtr result is not consulted; the new undo record
// always links to the item's current undo pointer.
func TryDelete(t *Tree, root uint32, tid ZSTid, snap Snapshot, xid uint64, cid uint32) error {
	leaf, err := descend(t, root, tid, LockExclusive)
	if err != nil {
		return err
	}

	it, err := findLeafItem(leaf.Page(), tid)
	if err != nil {
		leaf.Release()
		return err
	}

	code, _ := t.Vis.SatisfiesUpdate(snap, it.GetFlags(), undoOf(it))
	if code != UpdateOk && code != UpdateSelfUpdated {
		leaf.Release()
		return code.Err()
	}

	undo, err := t.Undo.Append(UndoRecord{
		Kind:     UndoDelete,
		Attno:    t.Attno,
		Xid:      xid,
		Cid:      cid,
		TID:      tid,
		PrevUndo: undoOf(it),
	})
	if err != nil {
		leaf.Release()
		return WrapError(ErrWALFailed, err)
	}

	// it may be an *ArrayItem (or a decompressed element pulled out of a
	// *CompressedItem); its GetFlags() carries bits like FlagArray that only
	// mean something on its own concrete type. FlagNull is the only bit that
	// means the same thing on a SingleItem, so that is all that transfers.
	replacement := &SingleItem{TID: tid, Flags: (it.GetFlags() & FlagNull) | FlagDeleted, Undo: undo}
	return ReplaceItem(t, root, leaf, tid, replacement, nil)
}

// TryUpdate attempts to replace oldTID's value with newRaw under snap's
// MVCC rules, appending an UndoUpdate record for oldTID and inserting the
// new version at a fresh TID (§4.5, §4.7). The record's NewTID is left
// unset: the new TID is only assigned by the AppendNext that follows.
func TryUpdate(t *Tree, root uint32, oldTID ZSTid, snap Snapshot, xid uint64, cid uint32, newRaw []byte, isnull bool) (ZSTid, error) {
	leaf, err := descend(t, root, oldTID, LockExclusive)
	if err != nil {
		return InvalidZSTid, err
	}

	it, err := findLeafItem(leaf.Page(), oldTID)
	if err != nil {
		leaf.Release()
		return InvalidZSTid, err
	}

	code, _ := t.Vis.SatisfiesUpdate(snap, it.GetFlags(), undoOf(it))
	if code != UpdateOk && code != UpdateSelfUpdated {
		leaf.Release()
		return InvalidZSTid, code.Err()
	}

	undo, err := t.Undo.Append(UndoRecord{
		Kind:     UndoUpdate,
		Attno:    t.Attno,
		Xid:      xid,
		Cid:      cid,
		OldTID:   oldTID,
		PrevUndo: undoOf(it),
	})
	if err != nil {
		leaf.Release()
		return InvalidZSTid, WrapError(ErrWALFailed, err)
	}

	// See TryDelete: only FlagNull survives the narrowing to a SingleItem.
	replacement := &SingleItem{TID: oldTID, Flags: (it.GetFlags() & FlagNull) | FlagUpdated, Undo: undo}
	if err := ReplaceItem(t, root, leaf, oldTID, replacement, nil); err != nil {
		return InvalidZSTid, err
	}
	return AppendNext(t, root, undo, newRaw, isnull)
}

// MarkDead flags tid's item DEAD, making it eligible for physical removal
// by a future recompressReplace once the undo log's oldest retained
// pointer passes its undo pointer (§4.7's terminal item-lifecycle state).
// A host calls this once it has established that no live snapshot can
// still need the item's prior-version chain; that determination itself
// is the host's responsibility, not the core's.
func MarkDead(t *Tree, root uint32, tid ZSTid) error {
	leaf, err := descend(t, root, tid, LockExclusive)
	if err != nil {
		return err
	}
	it, err := findLeafItem(leaf.Page(), tid)
	if err != nil {
		leaf.Release()
		return err
	}
	// See TryDelete: only FlagNull survives the narrowing to a SingleItem.
	replacement := &SingleItem{TID: tid, Flags: (it.GetFlags() & FlagNull) | FlagDead, Undo: undoOf(it)}
	return ReplaceItem(t, root, leaf, tid, replacement, nil)
}

// findLeafItem locates the (possibly container-wrapped) item covering tid
// within an already-located leaf, decompressing at most the one container
// that can cover it.
func findLeafItem(p *page, tid ZSTid) (Item, error) {
	n := p.numSlots()
	for i := 0; i < n; i++ {
		it := decodeItem(p.itemBytes(i))
		if tid < it.FirstTID() || tid > it.LastTID() {
			continue
		}
		container, isContainer := it.(*CompressedItem)
		if !isContainer {
			return it, nil
		}
		var found Item
		err := withDecompressor(container, func(d *Decompressor) error {
			for {
				inner := d.ReadItem()
				if inner == nil {
					return nil
				}
				if tid >= inner.FirstTID() && tid <= inner.LastTID() {
					found = inner
					return nil
				}
			}
		})
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, NewError(ErrTupleNotFound)
		}
		return found, nil
	}
	return nil, NewError(ErrTupleNotFound)
}
