package refimpl

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/zedstore/zedstore"
)

var (
	metaBucket = []byte("meta")
	undoBucket = []byte("undo")
	walBucket  = []byte("wal")
)

// storedAttr is the bbolt-encoded form of one metapage entry.
type storedAttr struct {
	Root     uint32
	Attlen   int32
	Attbyval bool
}

// MetaPage is a zedstore.MetaPage backed by a bbolt bucket mapping attno to
// its tree root block and attribute descriptor.
type MetaPage struct {
	db *bbolt.DB
}

func NewMetaPage(db *bbolt.DB) *MetaPage { return &MetaPage{db: db} }

// RegisterAttr records attno's initial root block and descriptor. A real
// host creates the attribute's first (empty) leaf via a BufferManager and
// registers it here; this reference implementation does not allocate
// pages on its own since MetaPage has no buffer manager handle.
func (m *MetaPage) RegisterAttr(attno uint16, attr zedstore.AttrDesc, root uint32) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(storedAttr{Root: root, Attlen: attr.Attlen, Attbyval: attr.Attbyval}); err != nil {
			return err
		}
		return b.Put(attnoKey(attno), buf.Bytes())
	})
}

func (m *MetaPage) RootFor(attno uint16, createIfMissing bool) (uint32, zedstore.AttrDesc, error) {
	var sa storedAttr
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return zedstore.NewError(zedstore.ErrTupleNotFound)
		}
		v := b.Get(attnoKey(attno))
		if v == nil {
			return zedstore.NewError(zedstore.ErrTupleNotFound)
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&sa)
	})
	if err != nil {
		return 0, zedstore.AttrDesc{}, err
	}
	return sa.Root, zedstore.AttrDesc{Attno: attno, Attlen: sa.Attlen, Attbyval: sa.Attbyval}, nil
}

func (m *MetaPage) UpdateRoot(attno uint16, newRoot uint32) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		v := b.Get(attnoKey(attno))
		var sa storedAttr
		if v != nil {
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&sa); err != nil {
				return err
			}
		}
		sa.Root = newRoot
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(sa); err != nil {
			return err
		}
		return b.Put(attnoKey(attno), buf.Bytes())
	})
}

func attnoKey(attno uint16) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], attno)
	return k[:]
}

// UndoLog is a zedstore.UndoLog backed by a bbolt bucket, keyed by the
// bucket's monotonic sequence number (directly usable as an UndoPtr).
type UndoLog struct {
	db *bbolt.DB

	mu     sync.Mutex
	oldest zedstore.UndoPtr
}

func NewUndoLog(db *bbolt.DB) *UndoLog { return &UndoLog{db: db} }

func (u *UndoLog) Append(rec zedstore.UndoRecord) (zedstore.UndoPtr, error) {
	var ptr zedstore.UndoPtr
	err := u.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(undoBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return err
		}
		if err := b.Put(undoKey(seq), buf.Bytes()); err != nil {
			return err
		}
		ptr = zedstore.UndoPtr(seq)
		return nil
	})
	if err != nil {
		return 0, zedstore.WrapError(zedstore.ErrWALFailed, err)
	}
	return ptr, nil
}

// Lookup returns the undo record at ptr, used by VisibilityOracle.
func (u *UndoLog) Lookup(ptr zedstore.UndoPtr) (zedstore.UndoRecord, bool) {
	var rec zedstore.UndoRecord
	found := false
	_ = u.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(undoBucket)
		if b == nil {
			return nil
		}
		v := b.Get(undoKey(uint64(ptr)))
		if v == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found
}

// SetOldestRetained advances the undo log's retention horizon, e.g. once a
// host determines no live snapshot can still need records older than p.
// recompressReplace consults this to prune DEAD items (§4.7).
func (u *UndoLog) SetOldestRetained(p zedstore.UndoPtr) {
	u.mu.Lock()
	u.oldest = p
	u.mu.Unlock()
}

func (u *UndoLog) OldestRetainedPtr() zedstore.UndoPtr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.oldest
}

func undoKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// WAL is a zedstore.WAL backed by one bbolt write transaction per critical
// section: StartCrit begins the transaction, LogPageImage stages a page
// image write into it, and EndCrit commits, giving the logged images the
// same atomicity bbolt gives any other write transaction.
type WAL struct {
	db *bbolt.DB
	mu sync.Mutex
	tx *bbolt.Tx
}

func NewWAL(db *bbolt.DB) *WAL { return &WAL{db: db} }

func (w *WAL) StartCrit() {
	w.mu.Lock()
	tx, err := w.db.Begin(true)
	if err != nil {
		// The zedstore.WAL interface has no error return for StartCrit; a
		// begin failure here means the underlying store is unusable.
		panic("refimpl: wal begin: " + err.Error())
	}
	w.tx = tx
}

func (w *WAL) LogPageImage(blk uint32, image []byte) {
	b, err := w.tx.CreateBucketIfNotExists(walBucket)
	if err != nil {
		panic("refimpl: wal bucket: " + err.Error())
	}
	if err := b.Put(attnoKeyU32(blk), append([]byte(nil), image...)); err != nil {
		panic("refimpl: wal put: " + err.Error())
	}
}

func (w *WAL) EndCrit() error {
	defer w.mu.Unlock()
	tx := w.tx
	w.tx = nil
	if err := tx.Commit(); err != nil {
		return zedstore.WrapError(zedstore.ErrWALFailed, err)
	}
	return nil
}

func attnoKeyU32(v uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], v)
	return k[:]
}
