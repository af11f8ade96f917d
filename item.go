package zedstore

import "encoding/binary"

// ItemFlags are the per-item flag bits (§6, bit-exact).
type ItemFlags uint16

const (
	FlagCompressed ItemFlags = 0x01
	FlagArray      ItemFlags = 0x02
	FlagNull       ItemFlags = 0x04
	FlagDeleted    ItemFlags = 0x08
	FlagUpdated    ItemFlags = 0x10
	FlagDead       ItemFlags = 0x20
)

// UndoPtr is a stable reference into the undo log collaborator (§6).
type UndoPtr uint64

// DeadUndoPtr is the reserved sentinel for "no undo history" (§6).
const DeadUndoPtr UndoPtr = ^UndoPtr(0)

// AttrDesc mirrors the fixed attribute descriptors the metapage collaborator
// hands back (§3): attlen>0 is a fixed width, attlen==-1 is self-describing
// variable-length.
type AttrDesc struct {
	Attno    uint16
	Attlen   int32
	Attbyval bool
}

const varlenaAttlen = -1

// Item is the common interface over the three leaf item variants (§3). No
// virtual dispatch beyond this interface: callers type-switch on the
// concrete *SingleItem / *ArrayItem / *CompressedItem when they need
// variant-specific behavior, per the "no inheritance" re-architecture note.
type Item interface {
	FirstTID() ZSTid
	LastTID() ZSTid
	GetFlags() ItemFlags
	// encode renders the on-disk byte form, prefixed with the common
	// {tid, size, flags} header every item variant shares.
	encode() []byte
}

// --- Single item ---

// SingleItem represents one tuple: {tid,size,flags,undo_ptr,payload}.
type SingleItem struct {
	TID     ZSTid
	Flags   ItemFlags
	Undo    UndoPtr
	Payload []byte // empty when Flags&FlagNull is set
}

func (s *SingleItem) FirstTID() ZSTid     { return s.TID }
func (s *SingleItem) LastTID() ZSTid      { return s.TID }
func (s *SingleItem) GetFlags() ItemFlags { return s.Flags }

func (s *SingleItem) encode() []byte {
	size := 8 + 2 + 2 + 8 + len(s.Payload)
	out := make([]byte, size)
	binary.LittleEndian.PutUint64(out[0:8], uint64(s.TID))
	binary.LittleEndian.PutUint16(out[8:10], uint16(size))
	binary.LittleEndian.PutUint16(out[10:12], uint16(s.Flags))
	binary.LittleEndian.PutUint64(out[12:20], uint64(s.Undo))
	copy(out[20:], s.Payload)
	return out
}

func decodeSingleItem(b []byte) *SingleItem {
	size := binary.LittleEndian.Uint16(b[8:10])
	flags := ItemFlags(binary.LittleEndian.Uint16(b[10:12]))
	undo := UndoPtr(binary.LittleEndian.Uint64(b[12:20]))
	payload := append([]byte(nil), b[20:size]...)
	return &SingleItem{
		TID:     ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		Flags:   flags,
		Undo:    undo,
		Payload: payload,
	}
}

// --- Array item ---

// ArrayItem represents nelements tuples with consecutive TIDs
// [tid, tid+nelements-1], sharing one undo pointer and one null-ness.
type ArrayItem struct {
	TID       ZSTid
	Flags     ItemFlags // always carries FlagArray
	Undo      UndoPtr
	NElements uint32
	Payload   []byte // empty when Flags&FlagNull is set
}

func (a *ArrayItem) FirstTID() ZSTid     { return a.TID }
func (a *ArrayItem) LastTID() ZSTid      { return a.TID.Add(uint64(a.NElements) - 1) }
func (a *ArrayItem) GetFlags() ItemFlags { return a.Flags }

func (a *ArrayItem) encode() []byte {
	size := 8 + 2 + 2 + 8 + 4 + len(a.Payload)
	out := make([]byte, size)
	binary.LittleEndian.PutUint64(out[0:8], uint64(a.TID))
	binary.LittleEndian.PutUint16(out[8:10], uint16(size))
	binary.LittleEndian.PutUint16(out[10:12], uint16(a.Flags|FlagArray))
	binary.LittleEndian.PutUint64(out[12:20], uint64(a.Undo))
	binary.LittleEndian.PutUint32(out[20:24], a.NElements)
	copy(out[24:], a.Payload)
	return out
}

func decodeArrayItem(b []byte) *ArrayItem {
	size := binary.LittleEndian.Uint16(b[8:10])
	flags := ItemFlags(binary.LittleEndian.Uint16(b[10:12]))
	undo := UndoPtr(binary.LittleEndian.Uint64(b[12:20]))
	nelements := binary.LittleEndian.Uint32(b[20:24])
	payload := append([]byte(nil), b[24:size]...)
	return &ArrayItem{
		TID:       ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		Flags:     flags,
		Undo:      undo,
		NElements: nelements,
		Payload:   payload,
	}
}

// --- Compressed container ---

// CompressedItem wraps a concatenated byte image of a sequence of plain
// (Single/Array) items (§3). Containers never nest.
type CompressedItem struct {
	FirstTIDv        ZSTid
	LastTIDv         ZSTid
	UncompressedSize uint32
	Compressed       []byte
}

func (c *CompressedItem) FirstTID() ZSTid     { return c.FirstTIDv }
func (c *CompressedItem) LastTID() ZSTid      { return c.LastTIDv }
func (c *CompressedItem) GetFlags() ItemFlags { return FlagCompressed }

func (c *CompressedItem) encode() []byte {
	size := 8 + 2 + 2 + 4 + 8 + len(c.Compressed)
	out := make([]byte, size)
	binary.LittleEndian.PutUint64(out[0:8], uint64(c.FirstTIDv))
	binary.LittleEndian.PutUint16(out[8:10], uint16(size))
	binary.LittleEndian.PutUint16(out[10:12], uint16(FlagCompressed))
	binary.LittleEndian.PutUint32(out[12:16], c.UncompressedSize)
	binary.LittleEndian.PutUint64(out[16:24], uint64(c.LastTIDv))
	copy(out[24:], c.Compressed)
	return out
}

func decodeCompressedItem(b []byte) *CompressedItem {
	size := binary.LittleEndian.Uint16(b[8:10])
	uncompressedSize := binary.LittleEndian.Uint32(b[12:16])
	lastTID := ZSTid(binary.LittleEndian.Uint64(b[16:24]))
	compressed := append([]byte(nil), b[24:size]...)
	return &CompressedItem{
		FirstTIDv:        ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		LastTIDv:         lastTID,
		UncompressedSize: uncompressedSize,
		Compressed:       compressed,
	}
}

// decodeItem dispatches on the shared flags field (bytes 10:12 of every
// variant's prefix) to the correct decoder. This is the tagged-union
// discriminator called for in the "no virtual dispatch" re-architecture
// note: one flags word, one switch, no interface-method-per-page-byte
// indirection.
func decodeItem(b []byte) Item {
	flags := ItemFlags(binary.LittleEndian.Uint16(b[10:12]))
	switch {
	case flags&FlagCompressed != 0:
		return decodeCompressedItem(b)
	case flags&FlagArray != 0:
		return decodeArrayItem(b)
	default:
		return decodeSingleItem(b)
	}
}

// --- construction helpers (§4.1) ---

// marshalVarlena encodes raw with a short (1-byte) header when it fits in
// 7 bits of length, else a full 4-byte header, preferring short per spec.
func marshalVarlena(raw []byte) []byte {
	if len(raw) <= 0x7F {
		out := make([]byte, 1+len(raw))
		out[0] = 0x80 | byte(len(raw))
		copy(out[1:], raw)
		return out
	}
	out := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(out, uint32(len(raw)))
	copy(out[4:], raw)
	return out
}

// varlenaDecode returns the total on-wire length (header+data) and the data
// slice for one self-describing variable-length element at the front of b.
func varlenaDecode(b []byte) (total int, data []byte) {
	if b[0]&0x80 != 0 {
		n := int(b[0] &^ 0x80)
		return 1 + n, b[1 : 1+n]
	}
	n := int(binary.BigEndian.Uint32(b[0:4]) &^ (1 << 31))
	return 4 + n, b[4 : 4+n]
}

// marshalDatum encodes one attribute value per its descriptor: by-value
// fixed-width types are stored inline at their fixed width, variable-length
// values get a varlena header.
func marshalDatum(attr AttrDesc, value []byte) []byte {
	if attr.Attlen == varlenaAttlen {
		return marshalVarlena(value)
	}
	out := make([]byte, attr.Attlen)
	copy(out, value)
	return out
}

// arraySliceLength returns the byte length of the first n elements starting
// at ptr (§4.1). isnull arrays have no payload at all, by the "arrays never
// mix nulls" invariant.
func arraySliceLength(attr AttrDesc, isnull bool, ptr []byte, n int) int {
	if isnull || n == 0 {
		return 0
	}
	if attr.Attlen != varlenaAttlen {
		return n * int(attr.Attlen)
	}
	off := 0
	for i := 0; i < n; i++ {
		total, _ := varlenaDecode(ptr[off:])
		off += total
	}
	return off
}

// createItem builds a Single item when nelements==1, else an Array item
// (§4.1). raw is the already-marshalled, concatenated payload for
// nelements elements (see marshalDatum/arraySliceLength for how callers
// build it from Go values); for isnull items raw must be empty.
func createItem(attr AttrDesc, tid ZSTid, undo UndoPtr, nelements int, raw []byte, isnull bool) Item {
	flags := ItemFlags(0)
	if isnull {
		flags |= FlagNull
	}
	if nelements == 1 {
		return &SingleItem{TID: tid, Flags: flags, Undo: undo, Payload: raw}
	}
	return &ArrayItem{TID: tid, Flags: flags | FlagArray, Undo: undo, NElements: uint32(nelements), Payload: raw}
}

// splitArray slices an Array item at cutoff (0-based element index),
// returning the left slice [0,cutoff) and right slice (cutoff,nelements) as
// new Array/Single items (or nil if a side is empty), reusing the original
// undo pointer on both sides per §4.5. The element at cutoff itself is in
// neither slice.
func splitArray(attr AttrDesc, a *ArrayItem, cutoff int) (left, right Item) {
	isnull := a.Flags&FlagNull != 0
	leftLen := arraySliceLength(attr, isnull, a.Payload, cutoff)
	cutoffLen := arraySliceLength(attr, isnull, a.Payload[leftLen:], 1)
	leftPayload := a.Payload[:leftLen]
	rightPayload := a.Payload[leftLen+cutoffLen:]
	if cutoff > 0 {
		left = createItem(attr, a.TID, a.Undo, cutoff, append([]byte(nil), leftPayload...), isnull)
	}
	rightN := int(a.NElements) - cutoff - 1 // the element at cutoff is dropped
	if rightN > 0 {
		right = createItem(attr, a.TID.Add(uint64(cutoff+1)), a.Undo, rightN, append([]byte(nil), rightPayload...), isnull)
	}
	return left, right
}
