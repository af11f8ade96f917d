package zedstore

// tree.go maintains the internal levels of an attribute tree: installing a
// new downlink after a leaf or internal page split, splitting an internal
// page that has no room for one more downlink, and growing a new root.
// Grounded on gdbx cursor_modify.go's insertIntoParent/splitAndInsert/
// createNewRoot, generalized from gdbx's fixed key/value node format to
// this tree's (tid, childblock) downlink pairs.

// internalSplitFraction keeps the bulk of entries on the left page when an
// internal page splits, favoring the common case of monotonically
// increasing TID insertion (§4.5 Step D) the same way gdbx biases node
// splits toward sequential-key workloads.
const internalSplitFraction = 9

// insertDownlink installs (rightLokey, rightBlk) as left's right sibling's
// downlink in left's parent, splitting the parent (recursively, up to a
// new root) if it has no room. On return left's FOLLOW_RIGHT bit is
// cleared and left has been marked dirty; left is NOT released here,
// that remains the caller's responsibility.
func insertDownlink(t *Tree, root uint32, left *BufferGuard, rightLokey ZSTid, rightBlk uint32) error {
	if left.Block() == root {
		return newRoot(t, left, rightLokey, rightBlk)
	}

	parent, idx, err := findParent(t, root, left.Page().lokey(), left.Page().level())
	if err != nil {
		return err
	}

	if parent.Page().internalFreeSpace() >= 1 {
		t.Wal.StartCrit()
		parent.Page().insertDownlinkAt(idx+1, rightLokey, rightBlk)
		parent.MarkDirty()
		t.Wal.LogPageImage(parent.Block(), parent.Page().Data)
		if err := t.Wal.EndCrit(); err != nil {
			parent.Release()
			return err
		}
		parent.Release()
		left.Page().setFollowRight(false)
		left.MarkDirty()
		return nil
	}

	err = splitInternalPage(t, root, parent, idx+1, rightLokey, rightBlk)
	parent.Release()
	if err != nil {
		return err
	}
	left.Page().setFollowRight(false)
	left.MarkDirty()
	return nil
}

// splitInternalPage splits guard (a full internal page) 90/10 left/right,
// inserting (newTID, newBlk) at logical position insertIdx into the
// combined entry list before dividing it, then recurses insertDownlink to
// register the new right half with guard's own parent (§4.5 Step D).
func splitInternalPage(t *Tree, root uint32, guard *BufferGuard, insertIdx int, newTID ZSTid, newBlk uint32) error {
	p := guard.Page()
	n := p.numDownlinks()

	type entry struct {
		tid ZSTid
		blk uint32
	}
	all := make([]entry, 0, n+1)
	for i := 0; i < n; i++ {
		if i == insertIdx {
			all = append(all, entry{newTID, newBlk})
		}
		all = append(all, entry{p.downlinkTID(i), p.downlinkBlock(i)})
	}
	if insertIdx >= n {
		all = append(all, entry{newTID, newBlk})
	}

	splitPoint := (len(all) * internalSplitFraction) / 10
	if splitPoint < 1 {
		splitPoint = 1
	}
	if splitPoint >= len(all) {
		splitPoint = len(all) - 1
	}

	rightBuf, err := AllocateBuffer(t.BM)
	if err != nil {
		return WrapError(ErrBufferAllocFailed, err)
	}

	attno := p.attno()
	level := p.level()
	origLokey := p.lokey()
	origHikey := p.hikey()
	origRight := p.rightSibling()
	rightLokey := all[splitPoint].tid

	initPage(p.Data, attno, level, origLokey, rightLokey, 0)
	for i := 0; i < splitPoint; i++ {
		p.appendDownlink(all[i].tid, all[i].blk)
	}

	rp := initPage(rightBuf.Page().Data, attno, level, rightLokey, origHikey, origRight)
	for i := splitPoint; i < len(all); i++ {
		rp.appendDownlink(all[i].tid, all[i].blk)
	}

	p.setRightSibling(rightBuf.Block())
	p.setFollowRight(true)

	t.Wal.StartCrit()
	guard.MarkDirty()
	t.Wal.LogPageImage(guard.Block(), p.Data)
	rightBuf.MarkDirty()
	t.Wal.LogPageImage(rightBuf.Block(), rp.Data)
	if err := t.Wal.EndCrit(); err != nil {
		rightBuf.Release()
		return err
	}

	rightBlk2 := rightBuf.Block()
	rightBuf.Release()

	return insertDownlink(t, root, guard, rightLokey, rightBlk2)
}

// newRoot grows the tree by one level: left (the former root, already
// exclusively locked by the caller) and (rightLokey, rightBlk) become the
// two downlinks of a fresh root page, installed via the metapage
// collaborator (§4.5 Step D, root growth case).
func newRoot(t *Tree, left *BufferGuard, rightLokey ZSTid, rightBlk uint32) error {
	rootBuf, err := AllocateBuffer(t.BM)
	if err != nil {
		return WrapError(ErrBufferAllocFailed, err)
	}

	level := left.Page().level() + 1
	lokey := left.Page().lokey()
	np := initPage(rootBuf.Page().Data, left.Page().attno(), level, lokey, MaxPlusOneZSTid, invalidBlockNumber)
	np.appendDownlink(lokey, left.Block())
	np.appendDownlink(rightLokey, rightBlk)

	t.Wal.StartCrit()
	rootBuf.MarkDirty()
	t.Wal.LogPageImage(rootBuf.Block(), np.Data)
	if err := t.Wal.EndCrit(); err != nil {
		rootBuf.Release()
		return err
	}

	newRootBlk := rootBuf.Block()
	rootBuf.Release()

	if err := t.Meta.UpdateRoot(t.Attno, newRootBlk); err != nil {
		return err
	}

	left.Page().setFollowRight(false)
	left.MarkDirty()
	return nil
}

// CreateEmptyTree allocates and WAL-logs a fresh, empty leaf page spanning
// the whole TID range for one attribute, for a host bootstrapping a new
// attribute tree before it has any MetaPage entry to descend from. The
// caller is responsible for recording the returned block as attno's root
// (MetaPage.RegisterAttr in refimpl; the core MetaPage interface only
// covers an already-registered attribute's RootFor/UpdateRoot).
func CreateEmptyTree(bm BufferManager, wal WAL, attno uint16) (uint32, error) {
	buf, err := AllocateBuffer(bm)
	if err != nil {
		return invalidBlockNumber, WrapError(ErrBufferAllocFailed, err)
	}
	np := initPage(buf.Page().Data, attno, 0, MinZSTid, MaxPlusOneZSTid, invalidBlockNumber)

	wal.StartCrit()
	buf.MarkDirty()
	wal.LogPageImage(buf.Block(), np.Data)
	if err := wal.EndCrit(); err != nil {
		buf.Release()
		return invalidBlockNumber, err
	}

	blk := buf.Block()
	buf.Release()
	return blk, nil
}
