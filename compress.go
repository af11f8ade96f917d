package zedstore

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/zedstore/zedstore/simple8b"
)

// containerItemOverhead is the byte cost of wrapping anything at all as a
// Compressed container ({first_tid,size,flags,uncompressed_size,last_tid}),
// used by Add/Finish budget accounting.
const containerItemOverhead = 8 + 2 + 2 + 4 + 8

// Compressor stream-builds one Compressed container from plain items until
// a target byte budget is exhausted (§4.2). It is not safe for concurrent
// use; callers own one per leaf rewrite.
type Compressor struct {
	budget   int
	rawBuf   []byte
	lengths  []uint64
	firstTID ZSTid
	lastTID  ZSTid
	started  bool
}

// Begin resets the compressor with a new target byte budget; the current
// leaf's free space.
func (c *Compressor) Begin(budget int) {
	c.budget = budget
	c.rawBuf = c.rawBuf[:0]
	c.lengths = c.lengths[:0]
	c.started = false
}

// Add attempts to append item to the container. It returns false, leaving
// the compressor's prior state unchanged, if doing so would push the
// container's on-disk size past budget; the caller must then Finish and
// start a new container (§4.2).
func (c *Compressor) Add(item Item) bool {
	raw := item.encode()
	candidateRaw := append(append([]byte(nil), c.rawBuf...), raw...)
	candidateLengths := append(append([]uint64(nil), c.lengths...), uint64(len(raw)))

	encoded, err := encodeContainerBody(candidateLengths, candidateRaw)
	if err != nil {
		return false
	}
	if containerItemOverhead+len(encoded) > c.budget {
		return false
	}

	c.rawBuf = candidateRaw
	c.lengths = candidateLengths
	if !c.started {
		c.firstTID = item.FirstTID()
		c.started = true
	}
	c.lastTID = item.LastTID()
	return true
}

// Finish emits the accumulated container, stamping first_tid, last_tid,
// and uncompressed_size, and resets the compressor. It returns nil if no
// item was ever successfully Added.
func (c *Compressor) Finish() *CompressedItem {
	if !c.started {
		return nil
	}
	body, err := encodeContainerBody(c.lengths, c.rawBuf)
	if err != nil {
		// Add() already proved this body encodes; a failure here would be
		// a logic error, not a runtime condition to recover from.
		panic(fmt.Sprintf("zedstore: compressor finish: %v", err))
	}
	out := &CompressedItem{
		FirstTIDv:        c.firstTID,
		LastTIDv:         c.lastTID,
		UncompressedSize: uint32(len(c.rawBuf)),
		Compressed:       body,
	}
	c.rawBuf = nil
	c.lengths = nil
	c.started = false
	return out
}

// encodeContainerBody lays out the container's internal byte stream: a
// Simple-8b-packed table of each plain item's encoded length (so a reader
// can validate the stream and step through items without trusting the LZ
// payload alone), followed by the s2-compressed concatenation of the
// items' raw bytes.
func encodeContainerBody(lengths []uint64, raw []byte) ([]byte, error) {
	words, err := simple8b.Encode(lengths)
	if err != nil {
		return nil, err
	}
	compressed := s2.Encode(nil, raw)

	out := make([]byte, 0, 4+4+len(words)*8+len(compressed))
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(lengths)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(words)))
	out = append(out, hdr[:]...)
	for _, w := range words {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], w)
		out = append(out, b[:]...)
	}
	out = append(out, compressed...)
	return out, nil
}

func decodeContainerBody(body []byte) (lengths []uint64, raw []byte, err error) {
	if len(body) < 8 {
		return nil, nil, fmt.Errorf("zedstore: truncated container body")
	}
	numItems := int(binary.LittleEndian.Uint32(body[0:4]))
	numWords := int(binary.LittleEndian.Uint32(body[4:8]))
	off := 8
	words := make([]uint64, numWords)
	for i := 0; i < numWords; i++ {
		if off+8 > len(body) {
			return nil, nil, fmt.Errorf("zedstore: truncated container length table")
		}
		words[i] = binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
	}
	lengths = simple8b.Decode(words)[:numItems]
	raw, err = s2.Decode(nil, body[off:])
	if err != nil {
		return nil, nil, err
	}
	return lengths, raw, nil
}

// Decompressor exposes successive plain items from one installed
// Compressed container in TID order (§4.2). The returned items alias the
// decompressor's private buffer until the next Chunk call or Free; callers
// needing to retain one past that must copy it.
type Decompressor struct {
	lengths []uint64
	raw     []byte
	offset  int
	idx     int
}

// Chunk installs container into the decompressor, discarding any prior
// state.
func (d *Decompressor) Chunk(container *CompressedItem) error {
	lengths, raw, err := decodeContainerBody(container.Compressed)
	if err != nil {
		return err
	}
	d.lengths = lengths
	d.raw = raw
	d.offset = 0
	d.idx = 0
	return nil
}

// ReadItem returns the next item in the current container, or nil when
// exhausted.
func (d *Decompressor) ReadItem() Item {
	if d.idx >= len(d.lengths) {
		return nil
	}
	n := int(d.lengths[d.idx])
	b := d.raw[d.offset : d.offset+n]
	d.offset += n
	d.idx++
	return decodeItem(b)
}

// Free releases the decompressor's private buffer. Always call it via
// scoped acquisition (see withDecompressor below) so the
// "decompressor leaked on one point-lookup path" bug noted in spec §9
// cannot recur here.
func (d *Decompressor) Free() {
	d.lengths = nil
	d.raw = nil
	d.offset = 0
	d.idx = 0
}

// withDecompressor runs fn with a fresh Decompressor chunked from
// container, guaranteeing Free runs even if fn panics or returns an error.
func withDecompressor(container *CompressedItem, fn func(*Decompressor) error) error {
	d := &Decompressor{}
	defer d.Free()
	if err := d.Chunk(container); err != nil {
		return err
	}
	return fn(d)
}

// decompressAll is a convenience used by the mutation engine (§4.5 Step A)
// to fully expand a container back into its plain items.
func decompressAll(container *CompressedItem) ([]Item, error) {
	var items []Item
	err := withDecompressor(container, func(d *Decompressor) error {
		for {
			it := d.ReadItem()
			if it == nil {
				return nil
			}
			items = append(items, it)
		}
	})
	return items, err
}
