package zedstore

// This file is the core of the core: ReplaceItem (§4.5) normalizes a
// leaf's existing contents plus one edit into a flat list of plain items,
// then recompressReplace streams that list into one or more fresh page
// images, splitting the leaf when it no longer fits one page.

// ReplaceItem performs one of: pure insert (oldTID invalid, newItems
// non-empty), pure delete (oldTID valid, replacement nil, newItems empty),
// in-place flag/undo replacement (replacement.TID == oldTID), or an
// update expressed as a delete+insert combination (§4.5). leaf must
// already be exclusively locked by the caller (typically via descend);
// ReplaceItem releases every buffer it touches, including leaf, before
// returning.
func ReplaceItem(t *Tree, root uint32, leaf *BufferGuard, oldTID ZSTid, replacement Item, newItems []Item) error {
	normalized, err := normalizeLeaf(t.Attr, leaf.Page(), oldTID, replacement, newItems)
	if err != nil {
		leaf.Release()
		return err
	}

	pages, err := recompressReplace(t, leaf, normalized)
	if err != nil {
		leaf.Release()
		return err
	}

	if err := t.Wal.EndCrit(); err != nil {
		for _, pg := range pages {
			pg.Release()
		}
		return err
	}

	for i := 1; i < len(pages); i++ {
		// Re-fetch the current root: an earlier iteration of this very loop
		// may have grown the tree by one level (newRoot), so root must never
		// be treated as a value fixed for the whole of ReplaceItem.
		curRoot, _, err := t.Meta.RootFor(t.Attno, false)
		if err != nil {
			for _, pg := range pages {
				pg.Release()
			}
			return err
		}
		left, right := pages[i-1], pages[i]
		if err := insertDownlink(t, curRoot, left, right.Page().lokey(), right.Block()); err != nil {
			for _, pg := range pages {
				pg.Release()
			}
			return err
		}
	}

	for _, pg := range pages {
		pg.Release()
	}
	return nil
}

// normalizeLeaf is §4.5 Step A: it produces the post-edit logical content
// of the leaf as a flat list of items (Compressed containers passed
// through untouched, everything else expanded to plain Single/Array
// items), with newItems appended at the tail.
func normalizeLeaf(attr AttrDesc, p *page, oldTID ZSTid, replacement Item, newItems []Item) ([]Item, error) {
	var out []Item
	found := oldTID == InvalidZSTid

	n := p.numSlots()
	for i := 0; i < n; i++ {
		it := decodeItem(p.itemBytes(i))
		container, isContainer := it.(*CompressedItem)
		if isContainer && oldTID != InvalidZSTid && oldTID >= container.FirstTID() && oldTID <= container.LastTID() {
			inner, err := decompressAll(container)
			if err != nil {
				return nil, err
			}
			for _, innerItem := range inner {
				if _, nested := innerItem.(*CompressedItem); nested {
					return nil, NewError(ErrCorruptNestedCompressed)
				}
				emitted, matched, err := applyEditToPlainItem(attr, innerItem, oldTID, replacement)
				if err != nil {
					return nil, err
				}
				if matched {
					found = true
				}
				out = append(out, emitted...)
			}
			continue
		}
		if isContainer {
			out = append(out, container)
			continue
		}
		emitted, matched, err := applyEditToPlainItem(attr, it, oldTID, replacement)
		if err != nil {
			return nil, err
		}
		if matched {
			found = true
		}
		out = append(out, emitted...)
	}

	if !found {
		return nil, NewError(ErrCorruptOldItemNotFound)
	}
	out = append(out, newItems...)
	return out, nil
}

// applyEditToPlainItem applies the old_tid edit to one Single or Array
// item, per §4.5's per-variant rules, returning the items that replace it
// and whether it was the matched item.
func applyEditToPlainItem(attr AttrDesc, it Item, oldTID ZSTid, replacement Item) (emitted []Item, matched bool, err error) {
	switch v := it.(type) {
	case *SingleItem:
		if v.TID != oldTID {
			return []Item{v}, false, nil
		}
		if replacement != nil {
			return []Item{replacement}, true, nil
		}
		return nil, true, nil
	case *ArrayItem:
		if oldTID < v.FirstTID() || oldTID > v.LastTID() {
			return []Item{v}, false, nil
		}
		cutoff := int(uint64(oldTID) - uint64(v.FirstTID()))
		left, right := splitArray(attr, v, cutoff)
		if left != nil {
			emitted = append(emitted, left)
		}
		if replacement != nil {
			emitted = append(emitted, replacement)
		}
		if right != nil {
			emitted = append(emitted, right)
		}
		return emitted, true, nil
	default:
		return []Item{it}, false, nil
	}
}

// pageBuilder tracks the page currently being filled during
// recompressReplace and its pending compressor.
type pageBuilder struct {
	guard *BufferGuard
	comp  Compressor
}

// recompressReplace is §4.5 Step B+C: it streams normalized into one or
// more rewritten leaf images and wires up their sibling chain. The first
// output page reuses leaf's own buffer; additional pages are freshly
// allocated. WAL logging for every touched page happens inside a single
// critical section started here; callers must still call t.Wal.EndCrit
// after inspecting the result (ReplaceItem does this).
func recompressReplace(t *Tree, leaf *BufferGuard, normalized []Item) ([]*BufferGuard, error) {
	origLokey := leaf.Page().lokey()
	origHikey := leaf.Page().hikey()
	origRight := leaf.Page().rightSibling()
	attno := leaf.Page().attno()

	initPage(leaf.Page().Data, attno, 0, origLokey, MaxPlusOneZSTid, invalidBlockNumber)

	pb := &pageBuilder{guard: leaf}
	pb.comp.Begin(leaf.Page().freeSpace())

	pages := []*BufferGuard{leaf}

	// On an error return, release the pages allocated here; leaf itself
	// stays with the caller.
	done := false
	defer func() {
		if !done {
			for _, pg := range pages[1:] {
				pg.Release()
			}
		}
	}()

	var oldest UndoPtr
	haveOldest := false
	getOldest := func() UndoPtr {
		if !haveOldest {
			oldest = t.Undo.OldestRetainedPtr()
			haveOldest = true
		}
		return oldest
	}

	startNewPage := func(lokey ZSTid) error {
		nb, err := AllocateBuffer(t.BM)
		if err != nil {
			return WrapError(ErrBufferAllocFailed, err)
		}
		initPage(nb.Page().Data, attno, 0, lokey, MaxPlusOneZSTid, invalidBlockNumber)
		pages = append(pages, nb)
		pb.guard = nb
		pb.comp.Begin(nb.Page().freeSpace())
		return nil
	}

	flushPending := func() error {
		c := pb.comp.Finish()
		if c == nil {
			return nil
		}
		raw := c.encode()
		if pb.guard.Page().appendItem(raw) {
			pb.comp.Begin(pb.guard.Page().freeSpace())
			return nil
		}
		if err := startNewPage(c.FirstTID()); err != nil {
			return err
		}
		if !pb.guard.Page().appendItem(raw) {
			return NewError(ErrNoSpaceForInsert)
		}
		pb.comp.Begin(pb.guard.Page().freeSpace())
		return nil
	}

	for _, item := range normalized {
		if container, ok := item.(*CompressedItem); ok {
			if err := flushPending(); err != nil {
				return nil, err
			}
			raw := container.encode()
			if !pb.guard.Page().appendItem(raw) {
				if err := startNewPage(container.FirstTID()); err != nil {
					return nil, err
				}
				if !pb.guard.Page().appendItem(raw) {
					return nil, NewError(ErrNoSpaceForInsert)
				}
			}
			continue
		}

		if item.GetFlags()&FlagDead != 0 && undoOf(item) < getOldest() {
			continue // prunable dead tombstone (§4.7)
		}

		if pb.comp.Add(item) {
			continue
		}
		if err := flushPending(); err != nil {
			return nil, err
		}
		if pb.comp.Add(item) {
			continue
		}

		raw := item.encode()
		if pb.guard.Page().appendItem(raw) {
			continue
		}
		if err := startNewPage(item.FirstTID()); err != nil {
			return nil, err
		}
		if !pb.guard.Page().appendItem(raw) {
			return nil, NewError(ErrNoSpaceForInsert)
		}
	}
	if err := flushPending(); err != nil {
		return nil, err
	}

	t.Wal.StartCrit()
	last := pages[len(pages)-1]
	last.Page().setHikey(origHikey)
	last.Page().setRightSibling(origRight)
	for i := 0; i < len(pages)-1; i++ {
		cur, next := pages[i], pages[i+1]
		cur.Page().setHikey(next.Page().lokey())
		cur.Page().setRightSibling(next.Block())
		cur.Page().setFollowRight(true)
	}
	for _, pg := range pages {
		pg.MarkDirty()
		t.Wal.LogPageImage(pg.Block(), pg.Page().Data)
	}
	done = true
	return pages, nil
}

// undoOf extracts the undo pointer carried by a plain item, or
// DeadUndoPtr for anything else (never consulted for Compressed items,
// which are never individually pruned, see normalizeLeaf).
func undoOf(item Item) UndoPtr {
	switch v := item.(type) {
	case *SingleItem:
		return v.Undo
	case *ArrayItem:
		return v.Undo
	default:
		return DeadUndoPtr
	}
}

// nextInsertTID picks the starting TID for a bulk append into the
// rightmost leaf (§5, §9). A genuinely empty leaf starts at its own
// lokey (which has never been assigned to a tuple); otherwise allocation
// resumes one past the last TID already on the page. This intentionally
// does NOT reproduce the "reuse lokey as starting TID for a non-empty
// page" bug noted in spec §9.
func nextInsertTID(p *page) (ZSTid, error) {
	if p.numSlots() == 0 {
		return p.lokey(), nil
	}
	last := decodeItem(p.itemBytes(p.numSlots() - 1))
	next := last.LastTID().Add(1)
	if next > MaxZSTid {
		return InvalidZSTid, NewError(ErrNoSpaceForInsert)
	}
	return next, nil
}

// Insert appends one new tuple at tid into the tree rooted at root.
func Insert(t *Tree, root uint32, tid ZSTid, undo UndoPtr, raw []byte, isnull bool) error {
	leaf, err := descend(t, root, tid, LockExclusive)
	if err != nil {
		return err
	}
	item := createItem(t.Attr, tid, undo, 1, raw, isnull)
	return ReplaceItem(t, root, leaf, InvalidZSTid, nil, []Item{item})
}

// AppendNext inserts raw at the next available TID in the rightmost leaf,
// returning the TID it was assigned (§5's "contiguous range allocation"
// collapsed to a single tuple for callers that don't pre-batch).
func AppendNext(t *Tree, root uint32, undo UndoPtr, raw []byte, isnull bool) (ZSTid, error) {
	leaf, err := descend(t, root, MaxZSTid, LockExclusive)
	if err != nil {
		return InvalidZSTid, err
	}
	tid, err := nextInsertTID(leaf.Page())
	if err != nil {
		leaf.Release()
		return InvalidZSTid, err
	}
	item := createItem(t.Attr, tid, undo, 1, raw, isnull)
	if err := ReplaceItem(t, root, leaf, InvalidZSTid, nil, []Item{item}); err != nil {
		return InvalidZSTid, err
	}
	return tid, nil
}

// InsertArray bulk-appends n elements as one Array item at the next
// available TID range in the rightmost leaf (§4.1's array item, §8
// scenario 6's bulk-insert path). raw is the already-marshalled,
// concatenated payload for all n elements (see marshalDatum/
// arraySliceLength); for isnull arrays raw must be empty. The whole range
// [tid, tid+n-1] is assigned at once and returned as tid.
func InsertArray(t *Tree, root uint32, undo UndoPtr, n int, raw []byte, isnull bool) (ZSTid, error) {
	leaf, err := descend(t, root, MaxZSTid, LockExclusive)
	if err != nil {
		return InvalidZSTid, err
	}
	tid, err := nextInsertTID(leaf.Page())
	if err != nil {
		leaf.Release()
		return InvalidZSTid, err
	}
	if uint64(tid)+uint64(n)-1 > uint64(MaxZSTid) {
		leaf.Release()
		return InvalidZSTid, NewError(ErrNoSpaceForInsert)
	}
	item := createItem(t.Attr, tid, undo, n, raw, isnull)
	if err := ReplaceItem(t, root, leaf, InvalidZSTid, nil, []Item{item}); err != nil {
		return InvalidZSTid, err
	}
	return tid, nil
}

// Delete removes tid from the tree, subject to the caller's undo/
// visibility bookkeeping. It is expressed as ReplaceItem with no
// replacement, per §4.5's "pure delete" combination. Real tuple-level
// MVCC delete (flag the item DELETED and stamp an undo pointer, rather
// than physically dropping it) is DeleteStamp.
func Delete(t *Tree, root uint32, tid ZSTid) error {
	leaf, err := descend(t, root, tid, LockExclusive)
	if err != nil {
		return err
	}
	return ReplaceItem(t, root, leaf, tid, nil, nil)
}

// DeleteStamp marks tid DELETED with a fresh undo pointer, keeping the
// item (and its TID) in place for snapshots that must still see the
// pre-delete version, per the item lifecycle in §3.
func DeleteStamp(t *Tree, root uint32, tid ZSTid, undo UndoPtr) error {
	leaf, err := descend(t, root, tid, LockExclusive)
	if err != nil {
		return err
	}
	replacement := &SingleItem{TID: tid, Flags: FlagDeleted, Undo: undo}
	return ReplaceItem(t, root, leaf, tid, replacement, nil)
}

// Update flags oldTID UPDATED in place and appends a new tuple at a fresh
// TID carrying newRaw, per §4.5's delete+insert combination and the §8
// scenario 4 semantics (the updated row reappears at the end of a
// TID-ordered scan).
func Update(t *Tree, root uint32, oldTID ZSTid, undo UndoPtr, newRaw []byte, isnull bool) (ZSTid, error) {
	leaf, err := descend(t, root, oldTID, LockExclusive)
	if err != nil {
		return InvalidZSTid, err
	}
	replacement := &SingleItem{TID: oldTID, Flags: FlagUpdated, Undo: undo}
	if err := ReplaceItem(t, root, leaf, oldTID, replacement, nil); err != nil {
		return InvalidZSTid, err
	}
	return AppendNext(t, root, undo, newRaw, isnull)
}
