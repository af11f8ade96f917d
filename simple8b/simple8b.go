// Package simple8b packs runs of small non-negative integers into 64-bit
// words, 4 selector bits plus up to 60 payload bits per word. It is the
// integer-packing primitive the compressor uses to pack a container's
// per-item length side table before the byte stream is handed to
// the LZ stage (compress.go).
package simple8b

import "fmt"

// selector describes one of the 16 packings: n values of bit-width width
// fit in the 60 payload bits of a word.
type selector struct {
	n     int
	width uint
}

var selectors = [16]selector{
	{240, 0},
	{120, 0},
	{60, 1},
	{30, 2},
	{20, 3},
	{15, 4},
	{12, 5},
	{10, 6},
	{8, 7},
	{7, 8},
	{6, 10},
	{5, 12},
	{4, 15},
	{3, 20},
	{2, 30},
	{1, 60},
}

// maxForWidth is the largest value that fits in width bits (0 for width 0,
// meaning only the value 0 is representable).
func maxForWidth(width uint) uint64 {
	if width == 0 {
		return 0
	}
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// fits reports whether in holds at least sel.n values and the first sel.n
// of them all fit within sel.width bits.
func fits(in []uint64, sel selector) bool {
	if len(in) < sel.n {
		return false
	}
	max := maxForWidth(sel.width)
	for i := 0; i < sel.n; i++ {
		if in[i] > max {
			return false
		}
	}
	return true
}

// Encode packs in (all values must be < 2^60) into a slice of 64-bit
// words, choosing the widest-fitting selector greedily at each step. It is
// lossless: Decode(Encode(in)) reproduces in exactly, including its
// original length, since a selector is only chosen when at least its n
// values remain, so no word is ever padded.
func Encode(in []uint64) ([]uint64, error) {
	out := make([]uint64, 0, len(in)/4+1)
	for len(in) > 0 {
		// Selectors are tried from the most values packed-per-word down,
		// so the encoding favors the most compact representation that
		// still covers the run in front of it.
		chosen := -1
		for s := 0; s < 15; s++ {
			if fits(in, selectors[s]) {
				chosen = s
				break
			}
		}
		if chosen == -1 {
			// Fall back to one 60-bit value per word (selector 15);
			// values must still fit in 60 bits.
			if in[0] > maxForWidth(60) {
				return nil, fmt.Errorf("simple8b: value %d exceeds 60 bits", in[0])
			}
			chosen = 15
		}
		sel := selectors[chosen]
		n := sel.n
		if n > len(in) {
			n = len(in)
		}
		word := uint64(chosen)
		for i := 0; i < n; i++ {
			word |= (in[i] & maxForWidth(sel.width)) << (4 + uint(i)*sel.width)
		}
		out = append(out, word)
		in = in[n:]
	}
	return out, nil
}

// Decode unpacks words back into the values Encode was given.
func Decode(words []uint64) []uint64 {
	out := make([]uint64, 0, len(words)*4)
	for _, word := range words {
		sel := selectors[word&0xF]
		payload := word >> 4
		for i := 0; i < sel.n; i++ {
			if sel.width == 0 {
				out = append(out, 0)
				continue
			}
			out = append(out, (payload>>(uint(i)*sel.width))&maxForWidth(sel.width))
		}
	}
	return out
}

// Count returns how many logical values a single encoded word holds.
func Count(word uint64) int {
	return selectors[word&0xF].n
}
