// Package band converts MinHash signatures into band keys and band keys
// into bucket indices.
//
// Everything here is a pure function of its inputs. The signature is split
// into fixed, non-overlapping bands of Rows consecutive values, processed in
// band order; each band is hashed together with its band index into one
// 64-bit key. Two signatures that agree on every row of some band produce
// the same key for that band.
package band

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"neardup/internal/params"
)

// Layout describes how a signature is cut into bands.
type Layout struct {
	Bands int
	Rows  int
}

// DefaultLayout is params.Bucket bands over a params.NumHash signature.
func DefaultLayout() Layout {
	return Layout{Bands: params.Bucket, Rows: params.NumHash / params.Bucket}
}

// NewLayout returns the layout with rows values per band over numHash values.
func NewLayout(numHash, rows int) (Layout, error) {
	if numHash <= 0 || rows <= 0 {
		return Layout{}, fmt.Errorf("band: rows (%d) and signature size (%d) must be positive", rows, numHash)
	}
	if numHash%rows != 0 {
		return Layout{}, fmt.Errorf("band: %d rows do not divide a %d-value signature", rows, numHash)
	}
	return Layout{Bands: numHash / rows, Rows: rows}, nil
}

// Width is the number of signature values the layout consumes.
func (l Layout) Width() int { return l.Bands * l.Rows }

// Hasher hashes the encoded rows of one band. Swapping it changes band keys
// without touching bucket logic.
type Hasher func([]byte) uint64

// DefaultHasher is xxh3.
func DefaultHasher(b []byte) uint64 { return xxh3.Hash(b) }

// KeysInto writes the band keys of values into dst[:l.Bands]. dst must
// have capacity for l.Bands keys; it lets hot loops reuse one slice.
func KeysInto(dst []uint64, values []uint64, l Layout, h Hasher) error {
	if l.Bands <= 0 || l.Rows <= 0 {
		return fmt.Errorf("band: invalid layout %+v", l)
	}
	if len(values) != l.Width() {
		return fmt.Errorf("band: signature has %d values, layout needs %d", len(values), l.Width())
	}
	if cap(dst) < l.Bands {
		return fmt.Errorf("band: key buffer holds %d keys, layout needs %d", cap(dst), l.Bands)
	}
	if h == nil {
		h = DefaultHasher
	}
	dst = dst[:l.Bands]

	var buf [8 * (params.NumHash + 1)]byte
	for b := 0; b < l.Bands; b++ {
		n := 8 * (l.Rows + 1)
		var enc []byte
		if n <= len(buf) {
			enc = buf[:n]
		} else {
			enc = make([]byte, n)
		}
		// Band index first for domain separation between bands.
		binary.LittleEndian.PutUint64(enc, uint64(b))
		for r := 0; r < l.Rows; r++ {
			binary.LittleEndian.PutUint64(enc[8*(r+1):], values[b*l.Rows+r])
		}
		dst[b] = h(enc)
	}
	return nil
}

// Index maps key to a bucket index in [0, maxBucket). maxBucket must be
// positive.
func Index(key uint64, maxBucket int) int {
	return int(key % uint64(maxBucket))
}
