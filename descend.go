package zedstore

// Tree bundles the collaborators a descent/mutation/scan needs: which
// attribute it is operating on, and where to find pages, undo history, the
// WAL, and a snapshot's visibility answers.
type Tree struct {
	Attno    uint16
	Attr     AttrDesc
	BM       BufferManager
	Meta     MetaPage
	Undo     UndoLog
	Wal      WAL
	Vis      VisibilityOracle
}

// descend walks from root down to the leaf covering key, per §4.3:
// binary-search downlinks at each internal level, following hikey
// violations to the right sibling, and returns the pinned+locked leaf.
// Locking order is child-before-parent: each internal page is released
// before its child is acquired.
func descend(t *Tree, root uint32, key ZSTid, mode LockMode) (*BufferGuard, error) {
	blk := root
	for {
		g, err := AcquireBuffer(t.BM, blk, mode)
		if err != nil {
			return nil, err
		}
		p := g.Page()
		if p.trailer().PageID != pageIDBTree {
			g.Release()
			return nil, NewError(ErrCorruptPageID)
		}

		if key >= p.hikey() {
			// A concurrent split landed a new right sibling in our path;
			// follow it rather than erroring, per §4.3 step 2.
			if err := g.FollowRight(); err != nil {
				g.Release()
				return nil, err
			}
			continue
		}

		if p.isLeaf() {
			return g, nil
		}

		idx := p.findDownlink(key)
		child := p.downlinkBlock(idx)
		g.Release()
		blk = child
	}
}

// descendLeftmost returns the leftmost leaf of the tree rooted at root,
// used to start a full forward scan (§4.4).
func descendLeftmost(t *Tree, root uint32, mode LockMode) (*BufferGuard, error) {
	return descend(t, root, MinZSTid, mode)
}

// findParent re-finds the parent of a page whose lokey is leafLokey,
// starting fresh from the current root (never from a cached path, since
// the tree may have grown), §4.5 Step D. It returns the parent buffer
// (exclusively locked) and the index of the downlink pointing at the page
// with the given lokey, finishing any incomplete split it passes through
// along the way per §4.6.
func findParent(t *Tree, root uint32, leafLokey ZSTid, expectLevel uint16) (*BufferGuard, int, error) {
	blk := root
	var parent *BufferGuard
	for {
		g, err := AcquireBuffer(t.BM, blk, LockExclusive)
		if err != nil {
			if parent != nil {
				parent.Release()
			}
			return nil, 0, err
		}
		p := g.Page()

		if p.isFollowRight() {
			if err := finishIncompleteSplit(t, root, g); err != nil {
				g.Release()
				if parent != nil {
					parent.Release()
				}
				return nil, 0, err
			}
		}

		if p.level() == expectLevel+1 {
			idx := p.findDownlink(leafLokey)
			if p.downlinkTID(idx) != leafLokey {
				g.Release()
				if parent != nil {
					parent.Release()
				}
				return nil, 0, NewError(ErrCorruptMissingDownlink)
			}
			if parent != nil {
				parent.Release()
			}
			return g, idx, nil
		}

		if p.level() <= expectLevel {
			g.Release()
			if parent != nil {
				parent.Release()
			}
			return nil, 0, NewError(ErrCorruptLevelMismatch)
		}

		idx := p.findDownlink(leafLokey)
		child := p.downlinkBlock(idx)
		if parent != nil {
			parent.Release()
		}
		parent = g
		blk = child
	}
}

// finishIncompleteSplit repairs the FOLLOW_RIGHT marker on g by installing
// its missing downlink in the parent, per §4.6. g stays locked throughout;
// on success its FOLLOW_RIGHT bit is cleared.
func finishIncompleteSplit(t *Tree, root uint32, g *BufferGuard) error {
	p := g.Page()
	rightBlk := p.rightSibling()
	if rightBlk == invalidBlockNumber {
		return NewError(ErrCorruptSelfLink)
	}
	rg, err := AcquireBuffer(t.BM, rightBlk, LockShared)
	if err != nil {
		return err
	}
	rightLokey := rg.Page().lokey()
	rg.Release()
	return insertDownlink(t, root, g, rightLokey, rightBlk)
}
