// Package fastmap provides a fast hash map keyed by block number, used by
// refimpl's buffer manager to track pinned pages without paying
// for Go map's per-entry bucket overhead on the hot pin/unpin path.
// Sequential block numbers (the common case for a newly-grown attribute
// tree) hash well under fibonacci hashing.
package fastmap

import "unsafe"

// emptySlot marks a bucket that has never held an entry. It reuses the
// core tree's invalidBlockNumber sentinel value: no page is ever
// allocated at that block, so it doubles as "no key" here without a
// separate used flag per bucket.
const emptySlot = ^uint32(0)

// fibHash32 is 2^32 divided by the golden ratio.
const fibHash32 = 2654435769

// BlockMap is a fast hash map from a page's block number to an opaque
// pointer to its buffer-pool slot. Open addressing, linear probing,
// fibonacci hashing, and tombstone deletion: Delete is called on every
// buffer release, so it marks the slot rather than backward-shifting the
// whole probe run, and a later grow compacts tombstones away in bulk.
type BlockMap struct {
	buckets []bucket
	count   int // live entries
	tombs   int // tombstoned slots; counted against the grow threshold too
	mask    uint32
}

type bucket struct {
	key   uint32
	value unsafe.Pointer
	tomb  bool
}

func scramble(blk uint32) uint32 {
	return blk * fibHash32
}

func (m *BlockMap) initBuckets(n int) {
	m.buckets = make([]bucket, n)
	for i := range m.buckets {
		m.buckets[i].key = emptySlot
	}
	m.mask = uint32(n - 1)
}

// findSlot returns the bucket blk currently occupies (found=true), or the
// slot a Set(blk, ...) should land in: the first tombstone seen along the
// probe chain if any, otherwise the terminating empty bucket.
func (m *BlockMap) findSlot(blk uint32) (idx uint32, found bool) {
	idx = scramble(blk) & m.mask
	reuse, haveReuse := uint32(0), false
	for {
		b := &m.buckets[idx]
		if b.tomb {
			if !haveReuse {
				reuse, haveReuse = idx, true
			}
		} else if b.key == emptySlot {
			if haveReuse {
				return reuse, false
			}
			return idx, false
		} else if b.key == blk {
			return idx, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Get returns the slot pointer for blk, or nil if it is not pinned.
func (m *BlockMap) Get(blk uint32) unsafe.Pointer {
	if len(m.buckets) == 0 {
		return nil
	}
	idx, found := m.findSlot(blk)
	if !found {
		return nil
	}
	return m.buckets[idx].value
}

// Set records slot as the buffer-pool slot pinned for blk.
func (m *BlockMap) Set(blk uint32, slot unsafe.Pointer) {
	if len(m.buckets) == 0 {
		m.initBuckets(16)
	} else if m.count+m.tombs >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx, found := m.findSlot(blk)
	b := &m.buckets[idx]
	if found {
		b.value = slot
		return
	}
	wasTomb := b.tomb
	b.key = blk
	b.value = slot
	b.tomb = false
	m.count++
	if wasTomb {
		m.tombs--
	}
}

// Delete removes blk, e.g. once its last pin is released.
func (m *BlockMap) Delete(blk uint32) {
	if len(m.buckets) == 0 {
		return
	}
	idx, found := m.findSlot(blk)
	if !found {
		return
	}
	b := &m.buckets[idx]
	b.tomb = true
	b.value = nil
	m.count--
	m.tombs++
}

// grow reinserts every live entry into a doubled table, which also
// discards accumulated tombstones: a backward-shift delete would have
// avoided the tombstones entirely, at the cost of touching every entry in
// the probe run on every single Delete instead of amortizing the cleanup
// here.
func (m *BlockMap) grow() {
	old := m.buckets
	newSize := len(old) * 2
	if newSize == 0 {
		newSize = 16
	}
	m.initBuckets(newSize)
	m.count = 0
	m.tombs = 0

	for i := range old {
		if !old[i].tomb && old[i].key != emptySlot {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach iterates over every pinned block, e.g. to flush all dirty pages
// at EndCrit.
func (m *BlockMap) ForEach(fn func(blk uint32, slot unsafe.Pointer)) {
	for i := range m.buckets {
		b := &m.buckets[i]
		if !b.tomb && b.key != emptySlot {
			fn(b.key, b.value)
		}
	}
}

// Clear removes all entries but keeps the backing array.
func (m *BlockMap) Clear() {
	for i := range m.buckets {
		m.buckets[i] = bucket{key: emptySlot}
	}
	m.count = 0
	m.tombs = 0
}

// Len returns the number of pinned blocks.
func (m *BlockMap) Len() int {
	return m.count
}
