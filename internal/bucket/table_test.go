package bucket

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"sort"
	"sync"
	"testing"

	"neardup/internal/band"
	"neardup/internal/params"
)

func testParams(numKey, maxBucket int) params.RunParameters {
	return params.RunParameters{NumKey: numKey, MaxBucket: maxBucket, C: params.C}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rp   params.RunParameters
		opts Options
	}{
		{"max_bucket too small", testParams(4, 1), Options{}},
		{"max_bucket too large", testParams(4, params.MaxBucket+1), Options{}},
		{"no keys", testParams(0, 100), Options{}},
		{"negative bands", testParams(4, 100), Options{Layout: band.Layout{Bands: -1, Rows: 8}}},
	}
	for _, tc := range tests {
		if _, err := New(tc.rp, tc.opts); !errors.Is(err, params.ErrInvalidConfiguration) {
			t.Fatalf("%s: New() error = %v, want ErrInvalidConfiguration", tc.name, err)
		}
	}

	tb, err := New(testParams(params.NumKey, 100), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if st := tb.Stats(); st.Stripes != 100 || tb.MaxBucket() != 100 {
		t.Fatalf("stripes/slots = %d/%d, want 100/100", st.Stripes, tb.MaxBucket())
	}
}

func TestInsert_SharedKeysShareBucket(t *testing.T) {
	t.Parallel()

	l := band.Layout{Bands: 2, Rows: 1}
	tb, err := New(testParams(3, 10), Options{Layout: l})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mustInsert(t, tb, 7, []uint64{21, 4})
	mustInsert(t, tb, 2, []uint64{31, 5})
	mustInsert(t, tb, 9, []uint64{40, 8})
	tb.Seal()

	// Slot 1 got lines 7 and 2 through band 0; nothing else pairs.
	got := tb.Candidates()
	if len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("Candidates() = %+v, want only slot 1", got)
	}
	if m := got[0].Members; len(m) != 2 || m[0] != 2 || m[1] != 7 {
		t.Fatalf("slot 1 members = %v, want [2 7]", m)
	}

	st := tb.Stats()
	if st.Lines != 3 || st.DistinctKeys != 6 || st.Populated != 5 || st.Candidates != 1 || st.Largest != 2 || st.Bands != 2 {
		t.Fatalf("Stats() = %+v", st)
	}
	if st.Warnings() != 0 {
		t.Fatalf("Warnings() = %d, want 0", st.Warnings())
	}
}

func TestInsert_SameLineTwiceInSlot(t *testing.T) {
	t.Parallel()

	tb, _ := New(testParams(1, 10), Options{Layout: band.Layout{Bands: 2, Rows: 1}})
	// Both bands land in slot 3.
	mustInsert(t, tb, 1, []uint64{3, 13})
	tb.Seal()
	if m := slotMembers(tb, 3); len(m) != 1 || m[0] != 1 {
		t.Fatalf("slot 3 = %v, want [1]", m)
	}
	if st := tb.Stats(); st.Memberships != 1 || st.DistinctKeys != 2 {
		t.Fatalf("Stats() = %+v, want 1 membership and 2 keys", st)
	}
}

func TestInsert_KeyCountMismatch(t *testing.T) {
	t.Parallel()

	tb, _ := New(testParams(1, 10), Options{})
	if err := tb.Insert(1, []uint64{1, 2}); err == nil {
		t.Fatalf("Insert() accepted 2 keys for %d bands", band.DefaultLayout().Bands)
	}
}

func TestInsert_DistinctKeysOverCapacity_Fail(t *testing.T) {
	t.Parallel()

	tb, _ := New(testParams(2, 4), Options{Layout: band.Layout{Bands: 4, Rows: 1}, Policy: Fail})
	mustInsert(t, tb, 0, []uint64{0, 1, 2, 3})
	// Known keys still go in.
	mustInsert(t, tb, 1, []uint64{0, 1, 2, 3})

	err := tb.Insert(2, []uint64{10, 11, 12, 13})
	if !errors.Is(err, params.ErrCapacityExceeded) {
		t.Fatalf("Insert() error = %v, want ErrCapacityExceeded", err)
	}
	if st := tb.Stats(); st.DistinctKeys != 5 {
		t.Fatalf("DistinctKeys = %d, want 5", st.DistinctKeys)
	}
}

func TestSeal_ShedsHighBands(t *testing.T) {
	t.Parallel()

	var warnings []Warning
	tb, _ := New(testParams(2, 4), Options{
		Layout:    band.Layout{Bands: 4, Rows: 1},
		OnWarning: func(w Warning) { warnings = append(warnings, w) },
	})
	mustInsert(t, tb, 0, []uint64{0, 1, 2, 3})
	mustInsert(t, tb, 1, []uint64{10, 11, 12, 13})
	if len(warnings) != 0 {
		t.Fatalf("warnings before Seal = %+v, want none", warnings)
	}
	tb.Seal()

	// Two keys per band: bands 0 and 1 fill the 4 slots, 2 and 3 are shed.
	st := tb.Stats()
	if st.Bands != 2 || st.OverflowKeys != 0 || st.ShedKeys != 4 || st.DistinctKeys != 8 {
		t.Fatalf("Stats() = %+v, want 2 bands kept, 4 shed, 8 distinct", st)
	}
	want := []Warning{
		{Kind: KeyShed, Bucket: -1, Band: 2, Count: 2},
		{Kind: KeyShed, Bucket: -1, Band: 3, Count: 2},
	}
	if !reflect.DeepEqual(warnings, want) {
		t.Fatalf("warnings = %+v, want %+v", warnings, want)
	}
	// Line 1 reached slot 2 through band 0; line 0's band-2 key 2 was shed.
	if m := slotMembers(tb, 2); len(m) != 1 || m[0] != 1 {
		t.Fatalf("slot 2 = %v, want [1]", m)
	}
	if m := slotMembers(tb, 0); len(m) != 1 || m[0] != 0 {
		t.Fatalf("slot 0 = %v, want [0]", m)
	}
	if err := tb.Insert(2, []uint64{0, 1, 2, 3}); !errors.Is(err, ErrSealed) {
		t.Fatalf("Insert() after Seal error = %v, want ErrSealed", err)
	}
}

func TestSeal_BandZeroOverflows(t *testing.T) {
	t.Parallel()

	var warnings []Warning
	tb, _ := New(testParams(2, 4), Options{
		Layout:    band.Layout{Bands: 2, Rows: 1},
		OnWarning: func(w Warning) { warnings = append(warnings, w) },
	})
	for i := uint32(0); i < 6; i++ {
		mustInsert(t, tb, i, []uint64{uint64(100 + i), 7})
	}
	tb.Seal()

	st := tb.Stats()
	if st.Bands != 1 || st.OverflowKeys != 2 || st.ShedKeys != 1 {
		t.Fatalf("Stats() = %+v, want 1 band kept, 2 overflow, 1 shed", st)
	}
	want := []Warning{
		{Kind: KeyOverflow, Bucket: -1, Band: 0, Count: 2},
		{Kind: KeyShed, Bucket: -1, Band: 1, Count: 1},
	}
	if !reflect.DeepEqual(warnings, want) {
		t.Fatalf("warnings = %+v, want %+v", warnings, want)
	}
	// Band 0 never loses admission.
	for i := uint32(0); i < 6; i++ {
		if m := slotMembers(tb, band.Index(uint64(100+i), 4)); !containsID(m, i) {
			t.Fatalf("line %d missing from its band-0 slot", i)
		}
	}
}

func TestSeal_OrderIndependent(t *testing.T) {
	t.Parallel()

	const lines = 300
	l := band.Layout{Bands: 4, Rows: 1}
	keysOf := func(id uint32) []uint64 {
		// Every third line shares its band keys with line id%7.
		k := uint64(id)
		if id%3 == 0 {
			k = uint64(id % 7)
		}
		return []uint64{k * 4, k*4 + 1, k*4 + 2, k*4 + 3}
	}
	build := func(order []uint32) (Stats, []Bucket) {
		tb, err := New(testParams(8, 256), Options{Layout: l, SlotCapacity: 5})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		for _, id := range order {
			mustInsert(t, tb, id, keysOf(id))
		}
		tb.Seal()
		return tb.Stats(), tb.Candidates()
	}

	fwd := make([]uint32, lines)
	rev := make([]uint32, lines)
	for i := range fwd {
		fwd[i] = uint32(i)
		rev[lines-1-i] = uint32(i)
	}
	rng := rand.New(rand.NewPCG(7, 9))
	shuf := append([]uint32(nil), fwd...)
	rng.Shuffle(len(shuf), func(i, j int) { shuf[i], shuf[j] = shuf[j], shuf[i] })

	wantSt, wantC := build(fwd)
	if wantSt.ShedKeys == 0 || wantSt.ShedMembers == 0 {
		t.Fatalf("Stats() = %+v, want both key and member shedding", wantSt)
	}
	for name, order := range map[string][]uint32{"reverse": rev, "shuffled": shuf} {
		st, c := build(order)
		if st != wantSt {
			t.Fatalf("%s: Stats() = %+v, want %+v", name, st, wantSt)
		}
		if !reflect.DeepEqual(c, wantC) {
			t.Fatalf("%s: Candidates() differ from insertion in ID order", name)
		}
	}
}

func TestKeepBands(t *testing.T) {
	t.Parallel()

	tb, _ := New(testParams(1, 160), Options{})
	tests := []struct {
		counts []int64
		want   int
	}{
		{[]int64{100}, 1},
		{[]int64{500}, 1},
		{[]int64{0, 0}, 2},
		{[]int64{40, 40, 40, 40}, 4},
		{[]int64{50, 50, 50, 50}, 3},
		{[]int64{10, 200, 10}, 1},
		{[]int64{200, 1}, 1},
	}
	for _, tc := range tests {
		if got := tb.keepBands(tc.counts); got != tc.want {
			t.Fatalf("keepBands(%v) = %d, want %d", tc.counts, got, tc.want)
		}
	}
}

func TestInsert_SlotCapacity(t *testing.T) {
	t.Parallel()

	one := band.Layout{Bands: 1, Rows: 1}

	var warnings []Warning
	shed, _ := New(testParams(1, 10), Options{
		Layout:       one,
		SlotCapacity: 2,
		OnWarning:    func(w Warning) { warnings = append(warnings, w) },
	})
	for _, id := range []uint32{3, 1, 2, 1} {
		mustInsert(t, shed, id, []uint64{5})
	}
	shed.Seal()
	// The lowest IDs stay, whatever the insert order.
	if m := slotMembers(shed, 5); len(m) != 2 || m[0] != 1 || m[1] != 2 {
		t.Fatalf("slot 5 = %v, want [1 2]", m)
	}
	if st := shed.Stats(); st.ShedMembers != 1 {
		t.Fatalf("ShedMembers = %d, want 1", st.ShedMembers)
	}
	want := []Warning{{Kind: MemberShed, Bucket: 5, Band: -1, Count: 1}}
	if !reflect.DeepEqual(warnings, want) {
		t.Fatalf("warnings = %+v, want %+v", warnings, want)
	}

	fail, _ := New(testParams(1, 10), Options{Layout: one, SlotCapacity: 2, Policy: Fail})
	mustInsert(t, fail, 1, []uint64{5})
	mustInsert(t, fail, 2, []uint64{5})
	// A member already present is not new.
	mustInsert(t, fail, 1, []uint64{5})
	if err := fail.Insert(3, []uint64{5}); !errors.Is(err, params.ErrCapacityExceeded) {
		t.Fatalf("Insert() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestSeal(t *testing.T) {
	t.Parallel()

	tb, _ := New(testParams(1, 10), Options{Layout: band.Layout{Bands: 1, Rows: 1}})
	mustInsert(t, tb, 1, []uint64{1})
	mustInsert(t, tb, 2, []uint64{1})
	tb.Seal()
	if err := tb.Insert(3, []uint64{1}); !errors.Is(err, ErrSealed) {
		t.Fatalf("Insert() after Seal error = %v, want ErrSealed", err)
	}
	first := tb.Stats()
	tb.Seal()
	if st := tb.Stats(); st != first || st.Candidates != 1 {
		t.Fatalf("Stats() after second Seal = %+v, want %+v", st, first)
	}
}

func TestInsert_Concurrent(t *testing.T) {
	t.Parallel()

	const (
		workers  = 8
		perWork  = 500
		distinct = 100
	)
	l := band.DefaultLayout()
	tb, err := New(testParams(64, params.MaxBucket), Options{Layout: l})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			keys := make([]uint64, l.Bands)
			for j := 0; j < perWork; j++ {
				id := uint32(w*perWork + j)
				for b := range keys {
					keys[b] = uint64(id%distinct)*1000 + uint64(b)
				}
				if err := tb.Insert(id, keys); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Insert() error = %v", err)
	}

	tb.Seal()
	cands := tb.Candidates()
	if len(cands) != distinct*l.Bands {
		t.Fatalf("len(Candidates()) = %d, want %d", len(cands), distinct*l.Bands)
	}
	total := workers * perWork
	if !sort.SliceIsSorted(cands, func(i, j int) bool { return cands[i].Index < cands[j].Index }) {
		t.Fatalf("Candidates() not in slot order")
	}
	for _, c := range cands {
		if len(c.Members) != total/distinct {
			t.Fatalf("slot %d has %d members, want %d", c.Index, len(c.Members), total/distinct)
		}
		if !sort.SliceIsSorted(c.Members, func(i, j int) bool { return c.Members[i] < c.Members[j] }) {
			t.Fatalf("slot %d members not ascending", c.Index)
		}
	}
	if st := tb.Stats(); st.DistinctKeys != int64(distinct*l.Bands) || st.Lines != int64(total) {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Shed, false},
		{"shed", Shed, false},
		{" FAIL ", Fail, false},
		{"drop", Shed, true},
	}
	for _, tc := range tests {
		got, err := ParsePolicy(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %v, %v; want %v, err %v", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
	if Fail.String() != "fail" || Shed.String() != "shed" {
		t.Fatalf("Policy.String() = %q/%q", Fail, Shed)
	}
}

func mustInsert(t *testing.T, tb *Table, id uint32, keys []uint64) {
	t.Helper()
	if err := tb.Insert(id, keys); err != nil {
		t.Fatalf("Insert(%d, %v) error = %v", id, keys, err)
	}
}

// slotMembers reads one slot after Seal.
func slotMembers(tb *Table, idx int) []uint32 {
	if m := tb.slots[idx].members; m != nil {
		return m.ToArray()
	}
	return nil
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
