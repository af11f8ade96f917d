package zedstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// --- in-memory fakes for the five external collaborators, used by every
// white-box test in this package. refimpl's bbolt/mmap-backed versions
// are exercised separately by refimpl's own tests and require cgo-free
// unix syscalls this package's tests should not depend on.

type fakeBuf struct {
	blk    uint32
	data   []byte
	mode   LockMode
	locked bool
}

func (b *fakeBuf) Block() uint32 { return b.blk }
func (b *fakeBuf) Bytes() []byte { return b.data }

type fakeBM struct {
	mu    sync.Mutex
	pages map[uint32][]byte
	locks map[uint32]*sync.RWMutex
	next  uint32
}

func newFakeBM() *fakeBM {
	return &fakeBM{pages: map[uint32][]byte{}, locks: map[uint32]*sync.RWMutex{}}
}

func (m *fakeBM) lockFor(blk uint32) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[blk]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[blk] = l
	}
	return l
}

func (m *fakeBM) Read(blk uint32) (Buf, error) {
	m.mu.Lock()
	d, ok := m.pages[blk]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeBM: no such block %d", blk)
	}
	return &fakeBuf{blk: blk, data: d}, nil
}

func (m *fakeBM) AllocNew() (Buf, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk := m.next
	m.next++
	d := make([]byte, PageSize)
	m.pages[blk] = d
	return &fakeBuf{blk: blk, data: d}, nil
}

func (m *fakeBM) Lock(buf Buf, mode LockMode) {
	fb := buf.(*fakeBuf)
	l := m.lockFor(fb.blk)
	if mode == LockExclusive {
		l.Lock()
	} else {
		l.RLock()
	}
	fb.mode = mode
	fb.locked = true
}

func (m *fakeBM) Unlock(buf Buf) {
	fb := buf.(*fakeBuf)
	if !fb.locked {
		return
	}
	l := m.lockFor(fb.blk)
	if fb.mode == LockExclusive {
		l.Unlock()
	} else {
		l.RUnlock()
	}
	fb.locked = false
}

func (m *fakeBM) MarkDirty(buf Buf) {}
func (m *fakeBM) Release(buf Buf)   {}

func (m *fakeBM) ReleaseAndRead(buf Buf, blk uint32) (Buf, error) {
	m.Unlock(buf)
	return m.Read(blk)
}

func (m *fakeBM) PinCount(buf Buf) int { return 1 }

type fakeUndoRec struct {
	rec UndoRecord
}

type fakeUndo struct {
	mu     sync.Mutex
	recs   map[UndoPtr]UndoRecord
	next   UndoPtr
	oldest UndoPtr
}

func newFakeUndo() *fakeUndo { return &fakeUndo{recs: map[UndoPtr]UndoRecord{}} }

func (u *fakeUndo) Append(rec UndoRecord) (UndoPtr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next++
	u.recs[u.next] = rec
	return u.next, nil
}

func (u *fakeUndo) OldestRetainedPtr() UndoPtr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.oldest
}

func (u *fakeUndo) setOldest(p UndoPtr) {
	u.mu.Lock()
	u.oldest = p
	u.mu.Unlock()
}

type fakeWAL struct{}

func (fakeWAL) StartCrit()                       {}
func (fakeWAL) LogPageImage(blk uint32, img []byte) {}
func (fakeWAL) EndCrit() error                   { return nil }

type fakeMeta struct {
	mu    sync.Mutex
	roots map[uint16]uint32
	attrs map[uint16]AttrDesc
}

func (m *fakeMeta) RootFor(attno uint16, createIfMissing bool) (uint32, AttrDesc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roots[attno]
	if !ok {
		return 0, AttrDesc{}, NewError(ErrTupleNotFound)
	}
	return r, m.attrs[attno], nil
}

func (m *fakeMeta) UpdateRoot(attno uint16, newRoot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[attno] = newRoot
	return nil
}

// fakeVis treats everything not flagged DEAD/DELETED/UPDATED as visible,
// and anything DELETED/UPDATED as invisible, a single-snapshot simplified
// oracle sufficient for exercising the tree logic, independent of
// refimpl's fuller transaction-id-based policy.
type fakeVis struct{}

func (fakeVis) Satisfies(snap Snapshot, flags ItemFlags, undo UndoPtr) bool {
	return flags&(FlagDead|FlagDeleted|FlagUpdated) == 0
}

func (fakeVis) SatisfiesUpdate(snap Snapshot, flags ItemFlags, undo UndoPtr) (UpdateCode, bool) {
	if flags&FlagDead != 0 {
		return UpdateInvisible, false
	}
	if flags&(FlagDeleted|FlagUpdated) != 0 {
		return UpdateUpdated, false
	}
	return UpdateOk, false
}

func newTestTree(t *testing.T) (*Tree, uint32) {
	t.Helper()
	bm := newFakeBM()
	rootBuf, err := bm.AllocNew()
	if err != nil {
		t.Fatal(err)
	}
	bm.Lock(rootBuf, LockExclusive)
	initPage(rootBuf.Bytes(), 1, 0, MinZSTid, MaxPlusOneZSTid, invalidBlockNumber)
	bm.Unlock(rootBuf)

	attr := AttrDesc{Attno: 1, Attlen: 4, Attbyval: true}
	tree := &Tree{
		Attno: 1,
		Attr:  attr,
		BM:    bm,
		Meta:  &fakeMeta{roots: map[uint16]uint32{1: rootBuf.Block()}, attrs: map[uint16]AttrDesc{1: attr}},
		Undo:  newFakeUndo(),
		Wal:   fakeWAL{},
		Vis:   fakeVis{},
	}
	return tree, rootBuf.Block()
}

func scanAll(t *testing.T, tree *Tree, root uint32) []Item {
	t.Helper()
	s, err := NewScanner(tree, root)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	defer s.Close()

	var out []Item
	for {
		it, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if it == nil {
			return out
		}
		out = append(out, it)
	}
}

func TestInsertAndScanSinglePage(t *testing.T) {
	tree, root := newTestTree(t)

	for i := 0; i < 10; i++ {
		tid, err := AppendNext(tree, root, DeadUndoPtr, []byte{byte(i)}, false)
		if err != nil {
			t.Fatalf("AppendNext(%d): %v", i, err)
		}
		if tid != MinZSTid.Add(uint64(i)) {
			t.Fatalf("AppendNext(%d) = tid %d, want %d", i, tid, MinZSTid.Add(uint64(i)))
		}
	}

	items := scanAll(t, tree, root)
	if len(items) != 10 {
		t.Fatalf("scan returned %d items, want 10", len(items))
	}
	for i, it := range items {
		s, ok := it.(*SingleItem)
		if !ok {
			t.Fatalf("item %d: got %T", i, it)
		}
		if len(s.Payload) != 1 || s.Payload[0] != byte(i) {
			t.Errorf("item %d payload = %v, want [%d]", i, s.Payload, i)
		}
	}
}

func TestInsertForcesLeafSplitAndRootGrowth(t *testing.T) {
	tree, root := newTestTree(t)

	const n = 120
	payload := make([]byte, 200)
	for i := 0; i < n; i++ {
		payload[0] = byte(i)
		if _, err := AppendNext(tree, root, DeadUndoPtr, append([]byte(nil), payload...), false); err != nil {
			t.Fatalf("AppendNext(%d): %v", i, err)
		}
	}

	blk, _, err := tree.Meta.RootFor(tree.Attno, false)
	if err != nil {
		t.Fatalf("RootFor: %v", err)
	}
	rootGuard, err := AcquireBuffer(tree.BM, blk, LockShared)
	if err != nil {
		t.Fatalf("AcquireBuffer(root): %v", err)
	}
	if rootGuard.Page().isLeaf() {
		rootGuard.Release()
		t.Fatal("root should have grown past a single leaf after many large inserts")
	}
	rootGuard.Release()

	items := scanAll(t, tree, root)
	if len(items) != n {
		t.Fatalf("scan returned %d items, want %d", len(items), n)
	}
	for i, it := range items {
		if it.FirstTID() != MinZSTid.Add(uint64(i)) {
			t.Fatalf("item %d has TID %d, want %d", i, it.FirstTID(), MinZSTid.Add(uint64(i)))
		}
	}
}

func TestDeleteRemovesItemFromVisibleScan(t *testing.T) {
	tree, root := newTestTree(t)

	var tids []ZSTid
	for i := 0; i < 5; i++ {
		tid, err := AppendNext(tree, root, DeadUndoPtr, []byte{byte(i)}, false)
		if err != nil {
			t.Fatal(err)
		}
		tids = append(tids, tid)
	}

	if err := DeleteStamp(tree, root, tids[2], 1); err != nil {
		t.Fatalf("DeleteStamp: %v", err)
	}

	vs, err := NewVisibleScanner(tree, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	var seen []ZSTid
	for {
		it, err := vs.Next()
		if err != nil {
			t.Fatal(err)
		}
		if it == nil {
			break
		}
		seen = append(seen, it.FirstTID())
	}
	if len(seen) != 4 {
		t.Fatalf("visible scan returned %d items, want 4 (one deleted): %v", len(seen), seen)
	}
	for _, tid := range seen {
		if tid == tids[2] {
			t.Fatalf("deleted TID %d still visible", tids[2])
		}
	}
}

func TestUpdateAppearsAsNewTIDAtEnd(t *testing.T) {
	tree, root := newTestTree(t)

	tid0, err := AppendNext(tree, root, DeadUndoPtr, []byte{1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AppendNext(tree, root, DeadUndoPtr, []byte{2}, false); err != nil {
		t.Fatal(err)
	}

	newTID, err := Update(tree, root, tid0, 99, []byte{42}, false)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	items := scanAll(t, tree, root)
	if len(items) != 3 {
		t.Fatalf("expected 3 raw items after update (old flagged + untouched + new), got %d", len(items))
	}
	last := items[len(items)-1]
	if last.FirstTID() != newTID {
		t.Fatalf("new version should be last in TID order: got %d, want %d", last.FirstTID(), newTID)
	}
	old := items[0].(*SingleItem)
	if old.Flags&FlagUpdated == 0 {
		t.Fatal("old version should carry FlagUpdated")
	}
}

func TestDeadItemPrunedOnceUndoRetired(t *testing.T) {
	tree, root := newTestTree(t)

	tid, err := AppendNext(tree, root, DeadUndoPtr, []byte{1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := DeleteStamp(tree, root, tid, 5); err != nil {
		t.Fatal(err)
	}

	before := scanAll(t, tree, root)
	if len(before) != 1 {
		t.Fatalf("expected the DELETED item still physically present, got %d items", len(before))
	}

	if err := MarkDead(tree, root, tid); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	tree.Undo.(*fakeUndo).setOldest(1000) // everything is now older than retained horizon

	// Any mutation touching the leaf (a fresh insert) runs recompressReplace
	// and should prune the DEAD item.
	if _, err := AppendNext(tree, root, DeadUndoPtr, []byte{2}, false); err != nil {
		t.Fatal(err)
	}

	after := scanAll(t, tree, root)
	for _, it := range after {
		if it.FirstTID() == tid {
			t.Fatalf("DEAD item at TID %d should have been pruned, items=%v", tid, after)
		}
	}
	if len(after) != 1 {
		t.Fatalf("expected exactly the new item to remain, got %d: %v", len(after), after)
	}
}

func TestDeleteNonexistentTIDFails(t *testing.T) {
	tree, root := newTestTree(t)
	if _, err := AppendNext(tree, root, DeadUndoPtr, []byte{1}, false); err != nil {
		t.Fatal(err)
	}
	err := Delete(tree, root, 999999)
	if err == nil {
		t.Fatal("deleting a TID that was never inserted should fail")
	}
	if !IsCorruption(err) {
		t.Fatalf("expected a corruption-class error, got %v", err)
	}
}

// packInt32Array concatenates n little-endian int32 values 0..n-1, the
// wire shape InsertArray expects for a non-null fixed-width array payload.
func packInt32Array(n int) []byte {
	raw := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], uint32(i))
	}
	return raw
}

// TestInsertArrayScansAsIndividualElements bulk-loads a run of rows via
// the array path (§8 scenario 6's "bulk-insert via the array path") and
// checks the scan never hands back the raw Array item, only one tuple per
// TID, per the array cursor of §4.4.
func TestInsertArrayScansAsIndividualElements(t *testing.T) {
	tree, root := newTestTree(t)

	const n = 50
	base, err := InsertArray(tree, root, DeadUndoPtr, n, packInt32Array(n), false)
	if err != nil {
		t.Fatalf("InsertArray: %v", err)
	}
	if base != MinZSTid {
		t.Fatalf("InsertArray tid = %d, want %d", base, MinZSTid)
	}

	items := scanAll(t, tree, root)
	if len(items) != n {
		t.Fatalf("scan returned %d items, want %d (array should unpack element by element)", len(items), n)
	}
	for i, it := range items {
		single, ok := it.(*SingleItem)
		if !ok {
			t.Fatalf("item %d: got %T, want *SingleItem (scan should unpack arrays)", i, it)
		}
		if want := base.Add(uint64(i)); single.TID != want {
			t.Fatalf("item %d TID = %d, want %d", i, single.TID, want)
		}
		if got := binary.LittleEndian.Uint32(single.Payload); got != uint32(i) {
			t.Errorf("item %d value = %d, want %d", i, got, i)
		}
	}
}

// TestTryDeleteInsideArraySplitsIt drives §8 scenario 6's second half:
// deleting a TID that falls inside a still-unsplit Array item. This is
// the exact path that used to leak FlagArray into the tombstone's
// SingleItem and panic the next scan; here it must split the array into
// left/right remnants around the tombstone and leave the rest scannable.
func TestTryDeleteInsideArraySplitsIt(t *testing.T) {
	tree, root := newTestTree(t)

	const n = 20
	base, err := InsertArray(tree, root, DeadUndoPtr, n, packInt32Array(n), false)
	if err != nil {
		t.Fatalf("InsertArray: %v", err)
	}

	victim := base.Add(7)
	if err := TryDelete(tree, root, victim, nil, 1, 1); err != nil {
		t.Fatalf("TryDelete: %v", err)
	}

	// A plain Scanner walk must not panic decoding the tombstone or either
	// array remnant, and must still see every surviving TID exactly once.
	all := scanAll(t, tree, root)
	if len(all) != n {
		t.Fatalf("scan returned %d items, want %d (tombstone plus two array remnants)", len(all), n)
	}

	vs, err := NewVisibleScanner(tree, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	seen := make(map[ZSTid]bool)
	for {
		it, err := vs.Next()
		if err != nil {
			t.Fatalf("VisibleScanner.Next: %v", err)
		}
		if it == nil {
			break
		}
		if it.FirstTID() == victim {
			t.Fatalf("deleted TID %d still visible", victim)
		}
		seen[it.FirstTID()] = true
	}
	if len(seen) != n-1 {
		t.Fatalf("visible scan returned %d tuples, want %d", len(seen), n-1)
	}
	for i := 0; i < n; i++ {
		tid := base.Add(uint64(i))
		if tid == victim {
			continue
		}
		if !seen[tid] {
			t.Errorf("TID %d missing from visible scan after delete", tid)
		}
	}
}
