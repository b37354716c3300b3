package shingle

import (
	"reflect"
	"sync"
	"testing"
)

func TestShingles_Chars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		k    int
		in   string
		want []string
	}{
		{"empty", 5, "", nil},
		{"shorter than window", 5, "abc", []string{"abc"}},
		{"exactly window", 5, "abcde", []string{"abcde"}},
		{"sliding", 3, "abcde", []string{"abc", "bcd", "cde"}},
		{"multibyte runes", 2, "čaj", []string{"ča", "aj"}},
		{
			"quick fox", 5, "the quick fox",
			[]string{"the q", "he qu", "e qui", " quic", "quick", "uick ", "ick f", "ck fo", "k fox"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := New(Options{Len: tc.k}).Shingles(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Shingles(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestShingles_Tokens(t *testing.T) {
	t.Parallel()

	e := New(Options{Len: 2, Mode: Tokens})
	got := e.Shingles("  the  quick brown\tfox ")
	want := []string{"the quick", "quick brown", "brown fox"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Shingles() = %q, want %q", got, want)
	}
	if got := e.Shingles("solo"); !reflect.DeepEqual(got, []string{"solo"}) {
		t.Fatalf("Shingles(solo) = %q, want [solo]", got)
	}
	if got := e.Shingles("   "); got != nil {
		t.Fatalf("Shingles(blank) = %q, want nil", got)
	}
}

func TestShingles_DefaultLen(t *testing.T) {
	t.Parallel()

	if got := New(Options{}).Len(); got != 5 {
		t.Fatalf("default Len() = %d, want 5", got)
	}
}

func TestShingles_Fold(t *testing.T) {
	t.Parallel()

	e := New(Options{Len: 3, Fold: true})
	a := e.Shingles("Café Crème")
	b := e.Shingles("cafe creme")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("folded shingles differ: %q vs %q", a, b)
	}
}

func TestFold_Concurrent(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := Fold("Žluťoučký kůň"); got != "zlutoucky kun" {
					t.Errorf("Fold() = %q, want %q", got, "zlutoucky kun")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if m, err := ParseMode("tokens"); err != nil || m != Tokens {
		t.Fatalf("ParseMode(tokens) = %v, %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != Chars {
		t.Fatalf("ParseMode(\"\") = %v, %v", m, err)
	}
	if _, err := ParseMode("bytes"); err == nil {
		t.Fatalf("ParseMode(bytes) returned nil error")
	}
}
