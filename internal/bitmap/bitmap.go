// Package bitmap is a dense bitset over line IDs.
//
// Line IDs are assigned densely from zero, so a flat []uint64 is smaller and
// faster than a compressed bitmap when most IDs end up set, which is the
// case when marking every line that took part in a pair.
package bitmap

import "math/bits"

// Bitmap represents a bitset backed by a slice of uint64 words.
type Bitmap struct {
	data []uint64
	n    uint32
}

// New allocates a bitmap for IDs in [0, n).
func New(n uint32) *Bitmap {
	return &Bitmap{data: make([]uint64, (uint64(n)+63)/64), n: n}
}

// Add sets id. IDs outside [0, n) are ignored.
func (b *Bitmap) Add(id uint32) {
	if id >= b.n {
		return
	}
	b.data[id/64] |= 1 << (id % 64)
}

// Count returns the number of set IDs.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.data {
		n += bits.OnesCount64(w)
	}
	return n
}
