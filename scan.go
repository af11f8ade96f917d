package zedstore

// scan.go implements the forward, TID-ordered leaf scan of §4.4: descend
// to the leftmost leaf, walk its items in slot order, transparently
// decompressing Compressed containers and unpacking Array items one
// element at a time, and follow right-sibling links as the cursor runs
// off the end of each leaf.

// Scanner walks every item of an attribute tree from MinZSTid upward,
// oldest-first, releasing each leaf before moving to its right sibling,
// no two leaves are ever held locked at once (§4.4's "scan locking is
// strictly one-leaf-at-a-time"). Array items are unpacked transparently:
// callers always see one tuple per TID, never a whole Array item, per
// §4.4's array cursor (pointer-into-payload, remaining-count, base-TID).
type Scanner struct {
	t    *Tree
	root uint32
	leaf *BufferGuard
	slot int

	dec     *Decompressor
	decOpen bool

	arr        *ArrayItem
	arrIdx     uint32
	arrOff     int
	arrFromDec bool
	arrOpen    bool
}

// NewScanner starts a scan positioned before the first item of the tree
// rooted at root.
func NewScanner(t *Tree, root uint32) (*Scanner, error) {
	leaf, err := descendLeftmost(t, root, LockShared)
	if err != nil {
		return nil, err
	}
	return &Scanner{t: t, root: root, leaf: leaf, slot: 0}, nil
}

// startArray opens the array cursor over arr; fromDec records whether arr
// itself came out of the decompressor (so exhausting the cursor resumes
// decompressor reads) or directly off the leaf page (so it advances slot).
func (s *Scanner) startArray(arr *ArrayItem, fromDec bool) {
	s.arr = arr
	s.arrIdx = 0
	s.arrOff = 0
	s.arrFromDec = fromDec
	s.arrOpen = true
}

// nextArrayElement advances the array cursor by one element, returning the
// element as a synthetic *SingleItem at its own TID, or done=true once the
// array is exhausted (at which point the cursor has already advanced slot
// if the array wasn't container-sourced).
func (s *Scanner) nextArrayElement() (el Item, done bool) {
	arr := s.arr
	if s.arrIdx >= arr.NElements {
		s.arr = nil
		s.arrOpen = false
		if !s.arrFromDec {
			s.slot++
		}
		return nil, true
	}
	isnull := arr.Flags&FlagNull != 0
	elemLen := arraySliceLength(s.t.Attr, isnull, arr.Payload[s.arrOff:], 1)
	var payload []byte
	if !isnull {
		payload = arr.Payload[s.arrOff : s.arrOff+elemLen]
	}
	tid := arr.TID.Add(uint64(s.arrIdx))
	// FlagArray only means something on the whole run; a single unpacked
	// element keeps the array's other bits (Null, Deleted, Updated, Dead),
	// which describe the whole run's shared tombstone state.
	flags := arr.Flags &^ FlagArray
	single := &SingleItem{TID: tid, Flags: flags, Undo: arr.Undo, Payload: payload}
	s.arrOff += elemLen
	s.arrIdx++
	return single, false
}

// Next returns the next item in TID order, or nil with a nil error at end
// of tree. The returned item aliases the scanner's decompression or array
// buffer; copy it before calling Next again if the caller must retain it.
func (s *Scanner) Next() (Item, error) {
	for {
		if s.arrOpen {
			el, done := s.nextArrayElement()
			if !done {
				return el, nil
			}
			continue
		}

		if s.decOpen {
			it := s.dec.ReadItem()
			if it == nil {
				s.dec.Free()
				s.decOpen = false
				s.slot++
				continue
			}
			if arr, ok := it.(*ArrayItem); ok {
				s.startArray(arr, true)
				continue
			}
			return it, nil
		}

		p := s.leaf.Page()
		if s.slot >= p.numSlots() {
			next := p.rightSibling()
			if next == invalidBlockNumber {
				return nil, nil
			}
			if err := s.leaf.FollowRight(); err != nil {
				return nil, err
			}
			s.slot = 0
			continue
		}

		it := decodeItem(p.itemBytes(s.slot))
		if container, ok := it.(*CompressedItem); ok {
			if s.dec == nil {
				s.dec = &Decompressor{}
			}
			if err := s.dec.Chunk(container); err != nil {
				return nil, err
			}
			s.decOpen = true
			continue
		}
		if arr, ok := it.(*ArrayItem); ok {
			s.startArray(arr, false)
			continue
		}
		s.slot++
		return it, nil
	}
}

// Close releases the scanner's currently held leaf and any open
// decompression state. Safe to call after Next has already returned
// end-of-tree.
func (s *Scanner) Close() {
	if s.decOpen {
		s.dec.Free()
		s.decOpen = false
	}
	if s.leaf != nil {
		s.leaf.Release()
		s.leaf = nil
	}
}

// VisibleScanner wraps Scanner with the §4.7 visibility filter, returning
// only items Satisfies says are visible to snap,
// matching the API shape callers actually want (a cursor over "the rows I
// can see"), versus Scanner's raw item-by-item walk.
type VisibleScanner struct {
	s    *Scanner
	t    *Tree
	snap Snapshot
}

func NewVisibleScanner(t *Tree, root uint32, snap Snapshot) (*VisibleScanner, error) {
	s, err := NewScanner(t, root)
	if err != nil {
		return nil, err
	}
	return &VisibleScanner{s: s, t: t, snap: snap}, nil
}

// Next returns the next visible tuple, or nil at end of tree. Scanner
// already unpacks Array items element by element, so each result here is
// one tuple at its own TID, and Satisfies is consulted per element rather
// than once per stored Array item (§4.7).
func (vs *VisibleScanner) Next() (Item, error) {
	for {
		it, err := vs.s.Next()
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, nil
		}
		if vs.t.Vis.Satisfies(vs.snap, it.GetFlags(), undoOf(it)) {
			return it, nil
		}
	}
}

func (vs *VisibleScanner) Close() { vs.s.Close() }
