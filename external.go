package zedstore

import "sync"

// This file enumerates the external collaborators of §6: the buffer
// manager, the metapage registry, the undo log, the WAL, and the
// visibility oracle. The core (descend.go, mutate.go, tree.go, scan.go,
// mvcc.go) only ever talks to these interfaces; concrete implementations,
// including the bbolt-backed one used for integration testing, live in
// package refimpl.

// LockMode mirrors the buffer manager's SHARED|EXCLUSIVE lock(buf, mode)
// call (§6).
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// Buf is an opaque pinned-buffer handle. The core never reaches past this
// interface into a buffer manager's internals; Bytes returns the
// PageSize-length backing slice, mutable once exclusively locked.
type Buf interface {
	Block() uint32
	Bytes() []byte
}

// BufferManager is the pin/lock/alloc collaborator (§6). It is explicitly
// out of the core's scope: WAL-logging and durability of the bytes it
// hands back are the buffer manager's problem, not the B-tree's.
type BufferManager interface {
	Read(blk uint32) (Buf, error)
	AllocNew() (Buf, error)
	Lock(buf Buf, mode LockMode)
	Unlock(buf Buf)
	MarkDirty(buf Buf)
	Release(buf Buf)
	ReleaseAndRead(buf Buf, blk uint32) (Buf, error)
	PinCount(buf Buf) int
}

// MetaPage maps an attribute number to its tree's root block (§6).
type MetaPage interface {
	RootFor(attno uint16, createIfMissing bool) (blk uint32, attr AttrDesc, err error)
	UpdateRoot(attno uint16, newRoot uint32) error
}

// UndoRecordKind enumerates the record kinds the core appends (§6).
type UndoRecordKind int

const (
	UndoInsert UndoRecordKind = iota
	UndoDelete
	UndoUpdate
	UndoTupleLock
)

// UndoRecord is the payload appended for one logical operation (§6). Not
// every field is populated for every Kind; see the field comments below.
type UndoRecord struct {
	Kind  UndoRecordKind
	Attno uint16
	Xid   uint64
	Cid   uint32

	// UndoInsert
	FirstTID, LastTID ZSTid

	// UndoDelete, UndoTupleLock
	TID  ZSTid
	Mode int // tuple lock mode, UndoTupleLock only

	// UndoUpdate
	OldTID, NewTID ZSTid

	PrevUndo UndoPtr
}

// UndoLog is the append-only history collaborator (§6).
type UndoLog interface {
	Append(rec UndoRecord) (UndoPtr, error)
	OldestRetainedPtr() UndoPtr
}

// WAL brackets a critical section and logs page images (§6). In
// recompressReplace, insertDownlink, splitInternalPage, and newRoot the
// LogPageImage calls occur between StartCrit/EndCrit. The page bytes are
// edited before StartCrit, and the FOLLOW_RIGHT clear that insertDownlink
// and newRoot apply to the left page is made after EndCrit and not logged.
type WAL interface {
	StartCrit()
	LogPageImage(blk uint32, image []byte)
	EndCrit() error
}

// Snapshot is host-defined; the core only ever threads it through to the
// VisibilityOracle untouched.
type Snapshot interface{}

// VisibilityOracle answers the two MVCC questions the core needs (§4.7,
// §6): whether an item is visible, and what satisfies_update says about an
// in-place delete/update/lock attempt.
type VisibilityOracle interface {
	Satisfies(snap Snapshot, flags ItemFlags, undo UndoPtr) bool
	SatisfiesUpdate(snap Snapshot, flags ItemFlags, undo UndoPtr) (code UpdateCode, keepOldUndoPtr bool)
}

// BufferGuard is the scoped-acquisition type SPEC_FULL §4 calls for: it
// guarantees a pinned+locked buffer is released on every exit path
// (success, error, or panic, via the caller's defer), fixing gdbx's
// manual pin/lock discipline into an explicit, hard-to-misuse guard.
type BufferGuard struct {
	bm       BufferManager
	buf      Buf
	mode     LockMode
	mu       sync.Mutex
	released bool
}

// AcquireBuffer reads blk, locks it in mode, and returns a guard. Callers
// must call Release exactly once, typically via defer immediately after a
// successful acquire.
func AcquireBuffer(bm BufferManager, blk uint32, mode LockMode) (*BufferGuard, error) {
	buf, err := bm.Read(blk)
	if err != nil {
		return nil, err
	}
	bm.Lock(buf, mode)
	return &BufferGuard{bm: bm, buf: buf, mode: mode}, nil
}

// AllocateBuffer allocates and exclusively locks a fresh page.
func AllocateBuffer(bm BufferManager) (*BufferGuard, error) {
	buf, err := bm.AllocNew()
	if err != nil {
		return nil, err
	}
	bm.Lock(buf, LockExclusive)
	return &BufferGuard{bm: bm, buf: buf, mode: LockExclusive}, nil
}

// Block returns the guarded buffer's block number.
func (g *BufferGuard) Block() uint32 { return g.buf.Block() }

// Page exposes the buffer's bytes as a page. Mutating it is only valid
// under LockExclusive.
func (g *BufferGuard) Page() *page { return &page{Data: g.buf.Bytes()} }

// MarkDirty flags the buffer for WAL-logging and eventual writeback.
func (g *BufferGuard) MarkDirty() { g.bm.MarkDirty(g.buf) }

// FollowRight releases the current buffer and re-acquires its right
// sibling in the same lock mode, per the descent/scan right-link-follow
// step (§4.3, §4.4). It fails with ErrCorruptSelfLink if there is no right
// sibling to follow.
func (g *BufferGuard) FollowRight() error {
	next := g.Page().rightSibling()
	if next == invalidBlockNumber {
		return NewError(ErrCorruptSelfLink)
	}
	buf, err := g.bm.ReleaseAndRead(g.buf, next)
	if err != nil {
		return err
	}
	g.buf = buf
	g.bm.Lock(g.buf, g.mode)
	return nil
}

// Release unlocks and unpins the buffer. Safe to call more than once (only
// the first call has effect), so a deferred Release composes with an
// earlier explicit Release on the success path.
func (g *BufferGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.bm.Unlock(g.buf)
	g.bm.Release(g.buf)
	g.released = true
}
