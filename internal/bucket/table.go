// Package bucket holds the bucket table: the concurrent map from bucket
// index to the set of lines whose band keys landed there.
//
// The table is an arena of params.RunParameters.MaxBucket slots addressed
// by index. Slots are grouped into NumKey lock stripes (slot i belongs to
// stripe i % NumKey); an insert only ever holds the lock of the stripe that
// owns the slot, so there is no table-wide lock. Members are roaring
// bitmaps of line IDs, so a line reaching the same slot through two bands
// is stored once.
//
// Capacity. The table plans for at most MaxBucket distinct band keys and
// at most SlotCapacity members per slot. Going past either is a
// params.ErrCapacityExceeded condition, handled per Policy. Under Shed the
// decision is deferred to Seal and made from the final per-band key counts,
// so the sealed table depends only on the set of inserts, never on their
// order.
package bucket

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"neardup/internal/band"
	"neardup/internal/params"
)

// ErrSealed is returned by Insert after Seal.
var ErrSealed = errors.New("bucket: table is sealed")

// Policy decides what happens when the table runs past its capacity.
type Policy int

const (
	// Shed keeps going past capacity. At Seal it drops whole bands, highest
	// index first, until the kept bands fit in MaxBucket keys, then trims
	// oversized slots to their lowest line IDs. Recall degrades; the run
	// survives.
	Shed Policy = iota
	// Fail makes Insert return params.ErrCapacityExceeded.
	Fail
)

// ParsePolicy maps "shed"/"fail" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shed":
		return Shed, nil
	case "fail":
		return Fail, nil
	}
	return Shed, fmt.Errorf("bucket: unknown capacity policy %q (use shed or fail)", s)
}

func (p Policy) String() string {
	if p == Fail {
		return "fail"
	}
	return "shed"
}

// WarningKind classifies a capacity warning.
type WarningKind string

const (
	// KeyOverflow: band 0 alone holds more than MaxBucket distinct keys.
	// Band 0 is never shed, so the excess keys were admitted.
	KeyOverflow WarningKind = "key_overflow"
	// KeyShed: every key of a high-index band was dropped to bring the
	// kept bands within MaxBucket keys.
	KeyShed WarningKind = "key_shed"
	// MemberShed: a slot held more than SlotCapacity lines and was cut back
	// to its lowest line IDs.
	MemberShed WarningKind = "member_shed"
)

// Warning describes one shedding or overflow event. Bucket is -1 for key
// events and Band is -1 for member events.
type Warning struct {
	Kind   WarningKind
	Bucket int
	Band   int
	Count  int64
}

// Options configures a Table.
type Options struct {
	// Layout gives the number of bands per signature. Zero means
	// band.DefaultLayout().
	Layout band.Layout
	// Policy applies when capacity is exceeded.
	Policy Policy
	// SlotCapacity caps members per slot. Zero means MaxBucket.
	SlotCapacity int
	// OnWarning, if set, is called for each warning from Seal, in band
	// order and then slot order. It must not call back into the Table.
	OnWarning func(Warning)
}

type slot struct {
	// byBand holds members per band until Seal (Shed only).
	byBand  []*roaring.Bitmap
	// members is the slot's membership: live under Fail, built by Seal
	// under Shed.
	members *roaring.Bitmap
}

type stripe struct {
	mu sync.Mutex
}

// keySet is the set of distinct keys seen in one band.
type keySet struct {
	mu   sync.Mutex
	keys *roaring64.Bitmap
}

// Table is the bucket arena. Safe for concurrent Insert.
type Table struct {
	maxBucket int
	bands     int
	slotCap   uint64
	policy    Policy
	onWarning func(Warning)

	slots   []slot
	stripes []stripe
	keys    []keySet

	sealed   atomic.Bool
	distinct atomic.Int64
	lines    atomic.Int64

	// Set by Seal.
	keep         int
	overflowKeys int64
	shedKeys     int64
	shedMembers  int64
}

// New allocates the arena for rp.
func New(rp params.RunParameters, opts Options) (*Table, error) {
	if rp.MaxBucket < params.MinMaxBucket || rp.MaxBucket > params.MaxBucket {
		return nil, fmt.Errorf("%w: max_bucket %d outside [%d, %d]",
			params.ErrInvalidConfiguration, rp.MaxBucket, params.MinMaxBucket, params.MaxBucket)
	}
	if rp.NumKey <= 0 {
		return nil, fmt.Errorf("%w: num_key %d must be positive", params.ErrInvalidConfiguration, rp.NumKey)
	}
	l := opts.Layout
	if l.Bands == 0 {
		l = band.DefaultLayout()
	}
	if l.Bands <= 0 {
		return nil, fmt.Errorf("%w: %d bands", params.ErrInvalidConfiguration, l.Bands)
	}
	slotCap := opts.SlotCapacity
	if slotCap <= 0 || slotCap > rp.MaxBucket {
		slotCap = rp.MaxBucket
	}
	nStripes := min(rp.NumKey, rp.MaxBucket)

	t := &Table{
		maxBucket: rp.MaxBucket,
		bands:     l.Bands,
		slotCap:   uint64(slotCap),
		policy:    opts.Policy,
		onWarning: opts.OnWarning,
		slots:     make([]slot, rp.MaxBucket),
		stripes:   make([]stripe, nStripes),
		keys:      make([]keySet, l.Bands),
		keep:      l.Bands,
	}
	for i := range t.keys {
		t.keys[i].keys = roaring64.New()
	}
	return t, nil
}

// MaxBucket is the number of slots.
func (t *Table) MaxBucket() int { return t.maxBucket }

// Insert adds line id to the slot of every band key in keys. keys must
// hold one key per band, in band order.
//
// Under Shed, Insert only fails for a sealed table or malformed input.
// Under Fail, the first capacity breach aborts the remaining bands and is
// returned wrapped around params.ErrCapacityExceeded. Counts only grow, so
// a Fail run errors exactly when the full input is over capacity.
func (t *Table) Insert(id uint32, keys []uint64) error {
	if t.sealed.Load() {
		return ErrSealed
	}
	if len(keys) != t.bands {
		return fmt.Errorf("bucket: got %d band keys, want %d", len(keys), t.bands)
	}
	t.lines.Add(1)

	for b, key := range keys {
		if err := t.observe(b, key); err != nil {
			return err
		}
		idx := band.Index(key, t.maxBucket)
		st := &t.stripes[idx%len(t.stripes)]

		st.mu.Lock()
		err := t.insertLocked(idx, b, id)
		st.mu.Unlock()

		if err != nil {
			return err
		}
	}
	return nil
}

// observe records key as seen in band b.
func (t *Table) observe(b int, key uint64) error {
	ks := &t.keys[b]
	ks.mu.Lock()
	added := ks.keys.CheckedAdd(key)
	ks.mu.Unlock()
	if !added {
		return nil
	}
	if n := t.distinct.Add(1); t.policy == Fail && n > int64(t.maxBucket) {
		return fmt.Errorf("%w: more than %d distinct band keys", params.ErrCapacityExceeded, t.maxBucket)
	}
	return nil
}

func (t *Table) insertLocked(idx, b int, id uint32) error {
	s := &t.slots[idx]
	if t.policy == Fail {
		if s.members == nil {
			s.members = roaring.New()
		}
		if s.members.GetCardinality() >= t.slotCap && !s.members.Contains(id) {
			return fmt.Errorf("%w: bucket %d already holds %d lines", params.ErrCapacityExceeded, idx, t.slotCap)
		}
		s.members.Add(id)
		return nil
	}

	if s.byBand == nil {
		s.byBand = make([]*roaring.Bitmap, t.bands)
	}
	if s.byBand[b] == nil {
		s.byBand[b] = roaring.New()
	}
	s.byBand[b].Add(id)
	return nil
}

// keepBands returns how many of the lowest-index bands fit in MaxBucket
// keys, given the distinct key count of each band. Band 0 is always kept.
// The highest-index bands go first: they are banded last and have the
// fewest lines unique to them.
func (t *Table) keepBands(counts []int64) int {
	var (
		keep  int
		total int64
	)
	for b, c := range counts {
		if b > 0 && total+c > int64(t.maxBucket) {
			break
		}
		total += c
		keep = b + 1
	}
	return keep
}

func (t *Table) warn(w Warning) {
	if t.onWarning != nil {
		t.onWarning(w)
	}
}

// Seal freezes membership. Inserts after Seal fail with ErrSealed. Seal
// must not run concurrently with Insert; calling it again is a no-op.
//
// Under Shed, Seal applies capacity: it keeps the lowest-index bands that
// fit in MaxBucket keys, then trims every slot over SlotCapacity to its
// lowest line IDs. Warnings are reported here.
func (t *Table) Seal() {
	if t.sealed.Swap(true) || t.policy == Fail {
		return
	}

	counts := make([]int64, t.bands)
	for b := range t.keys {
		counts[b] = int64(t.keys[b].keys.GetCardinality())
	}
	t.keep = t.keepBands(counts)
	if over := counts[0] - int64(t.maxBucket); over > 0 {
		t.overflowKeys = over
		t.warn(Warning{Kind: KeyOverflow, Bucket: -1, Band: 0, Count: over})
	}
	for b := t.keep; b < t.bands; b++ {
		if counts[b] == 0 {
			continue
		}
		t.shedKeys += counts[b]
		t.warn(Warning{Kind: KeyShed, Bucket: -1, Band: b, Count: counts[b]})
	}

	live := make([]*roaring.Bitmap, 0, t.keep)
	for i := range t.slots {
		s := &t.slots[i]
		if s.byBand == nil {
			continue
		}
		live = live[:0]
		for _, m := range s.byBand[:t.keep] {
			if m != nil {
				live = append(live, m)
			}
		}
		s.byBand = nil
		if len(live) == 0 {
			continue
		}
		m := roaring.FastOr(live...)
		if n := m.GetCardinality(); n > t.slotCap {
			// Keep the slotCap lowest IDs.
			first, err := m.Select(uint32(t.slotCap))
			if err == nil {
				m.RemoveRange(uint64(first), uint64(math.MaxUint32)+1)
			}
			shed := int64(n - t.slotCap)
			t.shedMembers += shed
			t.warn(Warning{Kind: MemberShed, Bucket: i, Band: -1, Count: shed})
		}
		s.members = m
	}
}

// Stats summarizes the table.
type Stats struct {
	Slots        int
	Stripes      int
	Bands        int   // bands kept after shedding
	Populated    int   // slots with at least one member
	Candidates   int   // slots with at least two members
	Largest      int   // members in the fullest slot
	Memberships  int64 // sum of members over all slots
	Lines        int64 // Insert calls
	DistinctKeys int64 // distinct keys seen, shed bands included
	OverflowKeys int64
	ShedKeys     int64
	ShedMembers  int64
}

// Warnings is the number of capacity events recorded.
func (s Stats) Warnings() int64 { return s.OverflowKeys + s.ShedKeys + s.ShedMembers }

// Stats scans the arena. Membership figures are final only after Seal.
func (t *Table) Stats() Stats {
	st := Stats{
		Slots:        t.maxBucket,
		Stripes:      len(t.stripes),
		Lines:        t.lines.Load(),
		DistinctKeys: t.distinct.Load(),
	}
	if t.sealed.Load() {
		st.Bands = t.keep
		st.OverflowKeys = t.overflowKeys
		st.ShedKeys = t.shedKeys
		st.ShedMembers = t.shedMembers
	}
	t.eachSlot(func(_ int, m *roaring.Bitmap) {
		n := int(m.GetCardinality())
		if n == 0 {
			return
		}
		st.Populated++
		st.Memberships += int64(n)
		if n >= 2 {
			st.Candidates++
		}
		if n > st.Largest {
			st.Largest = n
		}
	})
	return st
}

// Bucket is one candidate group read out of the table.
type Bucket struct {
	Index   int
	Members []uint32 // ascending
}

// Candidates returns every slot with two or more members, in ascending
// slot order. Call it after Seal.
func (t *Table) Candidates() []Bucket {
	var out []Bucket
	t.eachSlot(func(i int, m *roaring.Bitmap) {
		if m.GetCardinality() < 2 {
			return
		}
		out = append(out, Bucket{Index: i, Members: m.ToArray()})
	})
	return out
}

// eachSlot visits slots with settled membership in ascending index order,
// holding the owning stripe's lock during each call.
func (t *Table) eachSlot(fn func(int, *roaring.Bitmap)) {
	for i := range t.slots {
		st := &t.stripes[i%len(t.stripes)]
		st.mu.Lock()
		if m := t.slots[i].members; m != nil {
			fn(i, m)
		}
		st.mu.Unlock()
	}
}
