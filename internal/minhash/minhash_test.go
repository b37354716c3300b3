package minhash

import (
	"fmt"
	"math"
	"testing"

	"neardup/internal/shingle"
)

func TestSign_Deterministic(t *testing.T) {
	t.Parallel()

	ex := shingle.New(shingle.Options{})
	for _, b := range Backends() {
		b := b
		t.Run(string(b), func(t *testing.T) {
			t.Parallel()
			f1, err := NewFamily(b, 42)
			if err != nil {
				t.Fatalf("NewFamily(%s) error = %v", b, err)
			}
			f2, err := NewFamily(b, 42)
			if err != nil {
				t.Fatalf("NewFamily(%s) error = %v", b, err)
			}
			text := "the quick brown fox jumps over the lazy dog"
			s1 := f1.Sign(ex.Shingles(text))
			s2 := f2.Sign(ex.Shingles(text))
			if s1 != s2 {
				t.Fatalf("signatures differ between identical families")
			}
			if again := f1.Sign(ex.Shingles(text)); again != s1 {
				t.Fatalf("signature changed between calls")
			}
		})
	}
}

func TestSign_SeedChangesSignature(t *testing.T) {
	t.Parallel()

	a, _ := NewFamily(XXH3, 1)
	b, _ := NewFamily(XXH3, 2)
	sh := []string{"alpha", "beta", "gamma"}
	sa, sb := a.Sign(sh), b.Sign(sh)
	if sa.Matches(&sb) > 8 {
		t.Fatalf("different seeds agree on %d positions", sa.Matches(&sb))
	}
}

func TestSign_SetSemantics(t *testing.T) {
	t.Parallel()

	f := Default()
	a := f.Sign([]string{"x", "y", "z"})
	b := f.Sign([]string{"z", "y", "x", "x", "y"})
	if a != b {
		t.Fatalf("order or duplicates changed the signature")
	}
}

func TestSign_Empty(t *testing.T) {
	t.Parallel()

	s := Default().Sign(nil)
	if !s.IsEmpty() {
		t.Fatalf("Sign(nil) is not Empty")
	}
	for i, v := range s {
		if v != math.MaxUint64 {
			t.Fatalf("Sign(nil)[%d] = %d, want MaxUint64", i, v)
		}
	}
	nonEmpty := Default().Sign([]string{"a"})
	if nonEmpty.IsEmpty() {
		t.Fatalf("non-empty set produced Empty signature")
	}
}

func TestSimilarity_TracksJaccard(t *testing.T) {
	t.Parallel()

	f := Default()
	// Two sets of 200 elements sharing 150: Jaccard = 150/250 = 0.6.
	var a, b []string
	for i := 0; i < 200; i++ {
		a = append(a, fmt.Sprintf("item-%d", i))
		b = append(b, fmt.Sprintf("item-%d", i+50))
	}
	sa, sb := f.Sign(a), f.Sign(b)
	got := sa.Similarity(&sb)
	if math.Abs(got-0.6) > 0.2 {
		t.Fatalf("Similarity() = %.3f, want about 0.6", got)
	}
	if self := sa.Similarity(&sa); self != 1 {
		t.Fatalf("self Similarity() = %v, want 1", self)
	}

	var c []string
	for i := 0; i < 200; i++ {
		c = append(c, fmt.Sprintf("other-%d", i))
	}
	sc := f.Sign(c)
	if got := sa.Similarity(&sc); got > 0.05 {
		t.Fatalf("disjoint Similarity() = %.3f, want about 0", got)
	}
}

func TestNewFamily_UnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := NewFamily("md5", 0); err == nil {
		t.Fatalf("NewFamily(md5) returned nil error")
	}
	f, err := NewFamily("", 0)
	if err != nil || f.Backend() != XXH3 {
		t.Fatalf("NewFamily(\"\") = %v, %v; want xxh3 default", f, err)
	}
}
