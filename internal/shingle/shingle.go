// Package shingle turns a line of text into its ordered sequence of
// overlapping k-grams.
package shingle

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"neardup/internal/params"
)

// Mode selects the unit the window slides over.
type Mode int

const (
	// Chars slides one rune at a time.
	Chars Mode = iota
	// Tokens slides one whitespace-separated token at a time.
	Tokens
)

// ParseMode maps "chars"/"tokens" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chars", "char":
		return Chars, nil
	case "tokens", "token", "words":
		return Tokens, nil
	}
	return Chars, fmt.Errorf("shingle: unknown mode %q (use chars or tokens)", s)
}

func (m Mode) String() string {
	if m == Tokens {
		return "tokens"
	}
	return "chars"
}

// Options configures an Extractor.
type Options struct {
	// Len is the window length in units of Mode. Zero means params.ShingleLen.
	Len int
	// Mode selects rune or token windows.
	Mode Mode
	// Fold strips combining marks and lower-cases the line before shingling,
	// so "Café" and "cafe" produce the same shingles.
	Fold bool
}

// Extractor produces shingles. It is immutable and safe for concurrent use.
type Extractor struct {
	k    int
	mode Mode
	fold bool
}

// New returns an Extractor for opts.
func New(opts Options) *Extractor {
	k := opts.Len
	if k <= 0 {
		k = params.ShingleLen
	}
	return &Extractor{k: k, mode: opts.Mode, fold: opts.Fold}
}

// Len returns the window length.
func (e *Extractor) Len() int { return e.k }

// Shingles returns the shingles of text in order of position.
//
// A non-empty line shorter than the window yields a single shingle equal
// to the whole line so short lines can still be matched. An empty (or
// all-whitespace in token mode) line yields nil.
func (e *Extractor) Shingles(text string) []string {
	if e.fold {
		text = Fold(text)
	}
	if e.mode == Tokens {
		return windows(strings.Fields(text), e.k)
	}
	return e.charShingles(text)
}

func (e *Extractor) charShingles(text string) []string {
	if text == "" {
		return nil
	}
	n := utf8.RuneCountInString(text)
	if n <= e.k {
		return []string{text}
	}

	// Byte offsets of every rune start, plus the end.
	offs := make([]int, 0, n+1)
	for i := range text {
		offs = append(offs, i)
	}
	offs = append(offs, len(text))

	out := make([]string, 0, n-e.k+1)
	for i := 0; i+e.k <= n; i++ {
		out = append(out, text[offs[i]:offs[i+e.k]])
	}
	return out
}

func windows(tokens []string, k int) []string {
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= k {
		return []string{strings.Join(tokens, " ")}
	}
	out := make([]string, 0, len(tokens)-k+1)
	for i := 0; i+k <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+k], " "))
	}
	return out
}

// transform.Transformer chains carry state, so each goroutine needs its own.
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	},
}

// Fold removes diacritics and lower-cases s.
func Fold(s string) string {
	t := foldPool.Get().(transform.Transformer)
	defer foldPool.Put(t)

	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
