package band

import (
	"math/rand"
	"testing"

	"neardup/internal/minhash"
	"neardup/internal/params"
	"neardup/internal/shingle"
)

// keysOf returns one key per band for values.
func keysOf(values []uint64, l Layout, h Hasher) ([]uint64, error) {
	keys := make([]uint64, max(l.Bands, 0))
	if err := KeysInto(keys, values, l, h); err != nil {
		return nil, err
	}
	return keys, nil
}

func TestNewLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		numHash, rows int
		want          Layout
		wantErr       bool
	}{
		{128, 8, Layout{Bands: 16, Rows: 8}, false},
		{128, 16, Layout{Bands: 8, Rows: 16}, false},
		{128, 1, Layout{Bands: 128, Rows: 1}, false},
		{128, 3, Layout{}, true},
		{128, 0, Layout{}, true},
		{0, 4, Layout{}, true},
	}
	for _, tc := range tests {
		got, err := NewLayout(tc.numHash, tc.rows)
		if (err != nil) != tc.wantErr {
			t.Fatalf("NewLayout(%d, %d) error = %v, wantErr %v", tc.numHash, tc.rows, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("NewLayout(%d, %d) = %+v, want %+v", tc.numHash, tc.rows, got, tc.want)
		}
	}
	if d := DefaultLayout(); d.Width() != params.NumHash || d.Bands != params.Bucket {
		t.Fatalf("DefaultLayout() = %+v, want %d bands covering %d values", d, params.Bucket, params.NumHash)
	}
}

func TestKeys_SizeMismatch(t *testing.T) {
	t.Parallel()

	if _, err := keysOf(make([]uint64, 10), DefaultLayout(), nil); err == nil {
		t.Fatalf("KeysInto() accepted a short signature")
	}
	if _, err := keysOf(make([]uint64, 8), Layout{}, nil); err == nil {
		t.Fatalf("KeysInto() accepted an empty layout")
	}
	if err := KeysInto(make([]uint64, 0, 2), make([]uint64, params.NumHash), DefaultLayout(), nil); err == nil {
		t.Fatalf("KeysInto() accepted an undersized buffer")
	}
}

func TestKeys_BandOrderAndSeparation(t *testing.T) {
	t.Parallel()

	// Every band holds the same rows; band index must still separate keys.
	vals := make([]uint64, params.NumHash)
	keys, err := keysOf(vals, DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("KeysInto() error = %v", err)
	}
	seen := map[uint64]int{}
	for b, k := range keys {
		if prev, ok := seen[k]; ok {
			t.Fatalf("bands %d and %d share key %x", prev, b, k)
		}
		seen[k] = b
	}

	// Changing one value only changes the key of its band.
	vals[3*8+2] = 99
	changed, _ := keysOf(vals, DefaultLayout(), nil)
	for b := range keys {
		if (b == 3) == (keys[b] == changed[b]) {
			t.Fatalf("band %d: key change = %v, want change only in band 3", b, keys[b] != changed[b])
		}
	}
}

func TestKeys_CustomHasher(t *testing.T) {
	t.Parallel()

	calls := 0
	h := func(b []byte) uint64 {
		calls++
		return uint64(len(b))
	}
	l := Layout{Bands: 4, Rows: 2}
	keys, err := keysOf(make([]uint64, 8), l, h)
	if err != nil {
		t.Fatalf("KeysInto() error = %v", err)
	}
	if calls != 4 {
		t.Fatalf("hasher called %d times, want 4", calls)
	}
	for _, k := range keys {
		if k != 24 {
			t.Fatalf("key = %d, want 24 (band index + 2 rows)", k)
		}
	}
}

func TestIndex_InRange(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for _, mb := range []int{1, 2, 7, 1000, params.MaxBucket} {
		for i := 0; i < 1000; i++ {
			idx := Index(rng.Uint64(), mb)
			if idx < 0 || idx >= mb {
				t.Fatalf("Index(_, %d) = %d out of range", mb, idx)
			}
		}
	}
	if got := Index(^uint64(0), 10); got != 5 {
		t.Fatalf("Index(max, 10) = %d, want 5", got)
	}
}

// Lines with identical shingle sets must share every band and therefore
// every bucket.
func TestKeys_IdenticalSetsCollide(t *testing.T) {
	t.Parallel()

	ex := shingle.New(shingle.Options{})
	f := minhash.Default()
	a := f.Sign(ex.Shingles("abcdefgh abcdefgh"))
	// Same shingle set, different line (repeats do not add shingles).
	b := f.Sign(ex.Shingles("abcdefgh abcdefgh"))
	ka, _ := keysOf(a[:], DefaultLayout(), nil)
	kb, _ := keysOf(b[:], DefaultLayout(), nil)
	for i := range ka {
		if Index(ka[i], params.MaxBucket) != Index(kb[i], params.MaxBucket) {
			t.Fatalf("band %d: identical sets landed in different buckets", i)
		}
	}

	// Distinct text with the same shingle set: "aaaaaa" and "aaaaaaa" both
	// reduce to {"aaaaa"}.
	c := f.Sign(ex.Shingles("aaaaaa"))
	d := f.Sign(ex.Shingles("aaaaaaa"))
	if c != d {
		t.Fatalf("equal shingle sets produced different signatures")
	}
}

// Disjoint shingle sets should only meet in a bucket at roughly the rate
// implied by the slot count.
func TestKeys_DisjointSetsRarelyCollide(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	ex := shingle.New(shingle.Options{})
	f := minhash.Default()
	l := DefaultLayout()
	const (
		pairs     = 1000
		maxBucket = params.MaxBucket
	)

	randLine := func(alphabet string) string {
		b := make([]byte, 40)
		for i := range b {
			b[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(b)
	}

	shared := 0
	for i := 0; i < pairs; i++ {
		// Disjoint alphabets guarantee disjoint shingle sets.
		sa := f.Sign(ex.Shingles(randLine("abcdefghijklm")))
		sb := f.Sign(ex.Shingles(randLine("nopqrstuvwxyz")))
		ka, _ := keysOf(sa[:], l, nil)
		kb, _ := keysOf(sb[:], l, nil)

		slots := map[int]bool{}
		for _, k := range ka {
			slots[Index(k, maxBucket)] = true
		}
		for _, k := range kb {
			if slots[Index(k, maxBucket)] {
				shared++
				break
			}
		}
	}
	// Expected rate is about bands^2/maxBucket = 256/100000 per pair.
	if shared > 20 {
		t.Fatalf("%d of %d disjoint pairs shared a bucket, want at most 20", shared, pairs)
	}
}
