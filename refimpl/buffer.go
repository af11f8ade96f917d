//go:build unix

// Package refimpl supplies concrete, dependency-backed implementations of
// zedstore's external collaborators (see zedstore/external.go), for
// integration testing and as a reference for a real host integration.
// None of it is required by the core tree logic in package zedstore.
package refimpl

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zedstore/zedstore"
	"github.com/zedstore/zedstore/fastmap"
)

// capacityPages bounds the reference buffer manager's address space. It is
// mmap'd up front over a sparse file, so unused capacity costs no real
// disk space; a production buffer manager would grow this incrementally
// instead.
const capacityPages = 1 << 16

// pinEntry is the fastmap payload: how many outstanding pins a block has.
type pinEntry struct {
	count int32
}

// BufferManager is a zedstore.BufferManager backed by one mmap'd file, the
// same memory-mapping approach gdbx used for its own page store. Page
// locking is a per-block sync.RWMutex; pin tracking uses fastmap.BlockMap
// to avoid a Go map's bucket overhead on the hot pin/unpin path.
type BufferManager struct {
	mu       sync.Mutex
	f        *os.File
	mm       []byte
	numPages uint32
	pins     fastmap.BlockMap
	locks    map[uint32]*sync.RWMutex
}

// Open mmaps (creating if necessary) the page store at path.
func Open(path string) (*BufferManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(capacityPages) * zedstore.PageSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	mm, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BufferManager{f: f, mm: mm, locks: make(map[uint32]*sync.RWMutex)}, nil
}

// Close flushes and unmaps the page store.
func (m *BufferManager) Close() error {
	if err := unix.Msync(m.mm, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(m.mm); err != nil {
		return err
	}
	return m.f.Close()
}

// pageBuf is the zedstore.Buf handed out by this manager.
type pageBuf struct {
	blk    uint32
	mgr    *BufferManager
	mode   zedstore.LockMode
	locked bool
}

func (b *pageBuf) Block() uint32 { return b.blk }
func (b *pageBuf) Bytes() []byte {
	off := int64(b.blk) * zedstore.PageSize
	return b.mgr.mm[off : off+zedstore.PageSize]
}

func (m *BufferManager) lockFor(blk uint32) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[blk]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[blk] = l
	}
	return l
}

func (m *BufferManager) pin(blk uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pins.Get(blk)
	if p == nil {
		pe := &pinEntry{count: 1}
		m.pins.Set(blk, unsafe.Pointer(pe))
		return
	}
	(*pinEntry)(p).count++
}

func (m *BufferManager) Read(blk uint32) (zedstore.Buf, error) {
	if blk >= capacityPages {
		return nil, fmt.Errorf("refimpl: block %d exceeds buffer manager capacity", blk)
	}
	m.pin(blk)
	return &pageBuf{blk: blk, mgr: m}, nil
}

func (m *BufferManager) AllocNew() (zedstore.Buf, error) {
	m.mu.Lock()
	if m.numPages >= capacityPages {
		m.mu.Unlock()
		return nil, zedstore.NewError(zedstore.ErrBufferAllocFailed)
	}
	blk := m.numPages
	m.numPages++
	pe := &pinEntry{count: 1}
	m.pins.Set(blk, unsafe.Pointer(pe))
	m.mu.Unlock()
	return &pageBuf{blk: blk, mgr: m}, nil
}

func (m *BufferManager) Lock(buf zedstore.Buf, mode zedstore.LockMode) {
	pb := buf.(*pageBuf)
	l := m.lockFor(pb.blk)
	if mode == zedstore.LockExclusive {
		l.Lock()
	} else {
		l.RLock()
	}
	pb.mode = mode
	pb.locked = true
}

func (m *BufferManager) Unlock(buf zedstore.Buf) {
	pb := buf.(*pageBuf)
	if !pb.locked {
		return
	}
	l := m.lockFor(pb.blk)
	if pb.mode == zedstore.LockExclusive {
		l.Unlock()
	} else {
		l.RUnlock()
	}
	pb.locked = false
}

// MarkDirty is a no-op here: every write lands directly in the mmap'd
// file, so there is no separate writeback buffer to flag. A production
// buffer manager that batches writeback would track this.
func (m *BufferManager) MarkDirty(buf zedstore.Buf) {}

func (m *BufferManager) Release(buf zedstore.Buf) {
	pb := buf.(*pageBuf)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pins.Get(pb.blk)
	if p == nil {
		return
	}
	pe := (*pinEntry)(p)
	pe.count--
	if pe.count <= 0 {
		m.pins.Delete(pb.blk)
	}
}

// ReleaseAndRead unlocks and unpins buf, then pins (unlocked) blk, per
// zedstore.BufferGuard.FollowRight's usage: the caller re-locks the
// returned buffer itself.
func (m *BufferManager) ReleaseAndRead(buf zedstore.Buf, blk uint32) (zedstore.Buf, error) {
	m.Unlock(buf)
	m.Release(buf)
	return m.Read(blk)
}

func (m *BufferManager) PinCount(buf zedstore.Buf) int {
	pb := buf.(*pageBuf)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pins.Get(pb.blk)
	if p == nil {
		return 0
	}
	return int((*pinEntry)(p).count)
}
