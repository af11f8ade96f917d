package zedstore

import (
	"encoding/binary"
	"unsafe"
)

// PageSize is the fixed physical size of every page in an attribute tree.
const PageSize = 8192

// pageIDBTree is the page-id discriminator stored in every trailer; it lets
// a reader confirm it did not wander onto a foreign page type.
const pageIDBTree uint16 = 0x5A42 // "ZB"

// page flag bits (§6).
const (
	pageFollowRight uint16 = 0x01
)

// trailerSize is the packed size of pageTrailer: 2+2+4+8+8+2+2.
const trailerSize = 28

// pageTrailer is the fixed trailer every page carries, in the exact field
// order specified in §6. It is read and written via an unsafe cast over the
// page's backing byte slice, the same way gdbx overlays pageHeader on raw
// page bytes. The format is native-endian and not portable across machines,
// per spec.
type pageTrailer struct {
	Attno  uint16
	Flags  uint16
	Next   uint32 // right-sibling block number, invalidBlockNumber if rightmost
	Lokey  ZSTid
	Hikey  ZSTid
	Level  uint16
	PageID uint16
}

// invalidBlockNumber marks "no right sibling" / "no child".
const invalidBlockNumber uint32 = 0xFFFFFFFF

// pageHeaderSize is the trailer plus the two bookkeeping offsets (lower,
// upper) bracketing the generic slot array. Spec §6 fixes the trailer's
// field layout; it does not forbid bookkeeping immediately after it for the
// "generic slot array" called for by the system overview's page model.
const pageHeaderSize = trailerSize + 4

// page wraps one page's raw bytes with trailer + slot-array accessors. It
// never owns the bytes' lifetime: that is the BufferManager's job.
type page struct {
	Data []byte
}

func (p *page) trailer() *pageTrailer {
	return (*pageTrailer)(unsafe.Pointer(&p.Data[0]))
}

// initPage lays out an empty page with the given trailer fields.
func initPage(data []byte, attno uint16, level uint16, lokey, hikey ZSTid, rightSibling uint32) *page {
	for i := range data {
		data[i] = 0
	}
	p := &page{Data: data}
	tr := p.trailer()
	tr.Attno = attno
	tr.Flags = 0
	tr.Next = rightSibling
	tr.Lokey = lokey
	tr.Hikey = hikey
	tr.Level = level
	tr.PageID = pageIDBTree
	p.setLower(pageHeaderSize)
	p.setUpper(uint16(len(data)))
	return p
}

func (p *page) isLeaf() bool { return p.trailer().Level == 0 }
func (p *page) isFollowRight() bool {
	return p.trailer().Flags&pageFollowRight != 0
}
func (p *page) setFollowRight(v bool) {
	tr := p.trailer()
	if v {
		tr.Flags |= pageFollowRight
	} else {
		tr.Flags &^= pageFollowRight
	}
}
func (p *page) rightSibling() uint32     { return p.trailer().Next }
func (p *page) setRightSibling(b uint32) { p.trailer().Next = b }
func (p *page) lokey() ZSTid             { return p.trailer().Lokey }
func (p *page) hikey() ZSTid             { return p.trailer().Hikey }
func (p *page) setHikey(t ZSTid)         { p.trailer().Hikey = t }
func (p *page) setLokey(t ZSTid)         { p.trailer().Lokey = t }
func (p *page) level() uint16            { return p.trailer().Level }
func (p *page) attno() uint16            { return p.trailer().Attno }

// The slot array lives immediately after lower/upper; lower/upper bracket
// the free space between the end of the slot array and the start of item
// data, which is packed from the end of the page backward, a standard
// slotted-page layout, following the growth-from-both-ends idiom gdbx's
// lower/upper page-header fields use.
func (p *page) lower() uint16 {
	return binary.LittleEndian.Uint16(p.Data[trailerSize : trailerSize+2])
}
func (p *page) upper() uint16 {
	return binary.LittleEndian.Uint16(p.Data[trailerSize+2 : trailerSize+4])
}
func (p *page) setLower(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[trailerSize:trailerSize+2], v)
}
func (p *page) setUpper(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[trailerSize+2:trailerSize+4], v)
}

func (p *page) numSlots() int {
	return int(p.lower()-pageHeaderSize) / 2
}

func (p *page) slotOffset(i int) uint16 {
	off := pageHeaderSize + i*2
	return binary.LittleEndian.Uint16(p.Data[off : off+2])
}

func (p *page) setSlotOffset(i int, v uint16) {
	off := pageHeaderSize + i*2
	binary.LittleEndian.PutUint16(p.Data[off:off+2], v)
}

// itemBytes returns the raw bytes of slot i. The length is recovered from
// the item's own {tid,size,flags} prefix (see item.go), not stored in the
// slot.
func (p *page) itemBytes(i int) []byte {
	start := p.slotOffset(i)
	sz := itemDiskSize(p.Data[start:])
	return p.Data[start : start+uint16(sz)]
}

// freeSpace is the number of contiguous bytes available for a new slot +
// item body.
func (p *page) freeSpace() int {
	fs := int(p.upper()) - int(p.lower()) - 2 // reserve room for one more slot
	if fs < 0 {
		return 0
	}
	return fs
}

// appendItem writes raw at the tail of item storage and appends one new
// slot pointing at it. Returns false if it does not fit.
func (p *page) appendItem(raw []byte) bool {
	if len(raw) > p.freeSpace() {
		return false
	}
	newUpper := p.upper() - uint16(len(raw))
	copy(p.Data[newUpper:p.upper()], raw)
	p.setUpper(newUpper)
	n := p.numSlots()
	p.setSlotOffset(n, newUpper)
	p.setLower(p.lower() + 2)
	return true
}

// removeAllItems empties a leaf's item storage, keeping its trailer.
func (p *page) removeAllItems() {
	p.setLower(pageHeaderSize)
	p.setUpper(uint16(len(p.Data)))
}

// itemDiskSize reads the on-disk size field out of the common item prefix
// (see item.go for the exact prefix layout). It is duplicated here (rather
// than importing item.go's decode path) because the page layer must stay
// ignorant of item internals beyond "how many bytes does this slot occupy".
func itemDiskSize(b []byte) uint16 {
	// common prefix: tid(8) size(2) flags(2) ...
	return binary.LittleEndian.Uint16(b[8:10])
}

// --- internal (branch) pages ---
//
// An internal page's contents are a dense array of (tid, childblk) pairs,
// ordered by tid, tid[0] == lokey (§3). Entries are fixed-width, so unlike
// a leaf's backward-growing variable-length items they are packed forward
// from the header with no indirection slot array; lower/upper are reused
// to mean "end of the downlink array" / "end of page" respectively.

const downlinkSize = 8 + 4 // tid + child block number

func (p *page) numDownlinks() int {
	return int(p.lower()-pageHeaderSize) / downlinkSize
}

func (p *page) downlinkOffset(i int) int { return pageHeaderSize + i*downlinkSize }

func (p *page) downlinkTID(i int) ZSTid {
	off := p.downlinkOffset(i)
	return ZSTid(binary.LittleEndian.Uint64(p.Data[off : off+8]))
}

func (p *page) downlinkBlock(i int) uint32 {
	off := p.downlinkOffset(i)
	return binary.LittleEndian.Uint32(p.Data[off+8 : off+12])
}

func (p *page) setDownlink(i int, tid ZSTid, blk uint32) {
	off := p.downlinkOffset(i)
	binary.LittleEndian.PutUint64(p.Data[off:off+8], uint64(tid))
	binary.LittleEndian.PutUint32(p.Data[off+8:off+12], blk)
}

// internalFreeSpace is the number of whole downlink slots left on a branch
// page.
func (p *page) internalFreeSpace() int {
	return (int(p.upper()) - int(p.lower())) / downlinkSize
}

// appendDownlink adds one (tid, childblk) pair at the end of the array.
func (p *page) appendDownlink(tid ZSTid, blk uint32) bool {
	if p.internalFreeSpace() < 1 {
		return false
	}
	n := p.numDownlinks()
	p.setDownlink(n, tid, blk)
	p.setLower(p.lower() + downlinkSize)
	return true
}

// insertDownlinkAt inserts (tid, childblk) at slot idx, shifting later
// entries right by one. Returns false if the page is full.
func (p *page) insertDownlinkAt(idx int, tid ZSTid, blk uint32) bool {
	if p.internalFreeSpace() < 1 {
		return false
	}
	n := p.numDownlinks()
	for i := n; i > idx; i-- {
		t := p.downlinkTID(i - 1)
		b := p.downlinkBlock(i - 1)
		p.setDownlink(i, t, b)
	}
	p.setDownlink(idx, tid, blk)
	p.setLower(p.lower() + downlinkSize)
	return true
}

// truncateDownlinksFrom drops every downlink at index >= idx, used when
// splitting a branch page.
func (p *page) truncateDownlinksFrom(idx int) {
	p.setLower(uint16(pageHeaderSize + idx*downlinkSize))
}

// findDownlink returns the largest i such that downlinkTID(i) <= key,
// by binary search (§4.3 step 3).
func (p *page) findDownlink(key ZSTid) int {
	n := p.numDownlinks()
	lo, hi := 0, n-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if p.downlinkTID(mid) <= key {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}
