// Package linereader reads the corpus: an ordered list of files, each split
// into lines, every line tagged with a dense corpus-wide ID.
//
// Files are opened through an afero.Fs so tests can run on an in-memory
// filesystem. Lines longer than the rune limit are handled per Policy.
package linereader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"

	"neardup/internal/params"
)

// ErrLineTooLong reports a line over the rune limit under the Fail policy.
var ErrLineTooLong = errors.New("linereader: line too long")

const readBufSize = 1 << 20

// Policy decides what happens to a line over the rune limit.
type Policy int

const (
	Truncate Policy = iota // keep the first MaxLine runes
	Skip                   // drop the line; it gets no ID
	Fail                   // stop with ErrLineTooLong
)

// ParsePolicy maps "truncate"/"skip"/"fail" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "truncate":
		return Truncate, nil
	case "skip":
		return Skip, nil
	case "fail":
		return Fail, nil
	}
	return Truncate, fmt.Errorf("linereader: unknown long-line policy %q (use truncate, skip or fail)", s)
}

func (p Policy) String() string {
	switch p {
	case Skip:
		return "skip"
	case Fail:
		return "fail"
	}
	return "truncate"
}

// Line is one line of the corpus.
type Line struct {
	ID   uint32 // dense across the corpus, in read order
	File int    // index into the reader's path list
	Num  int    // 1-based line number within the file
	Text string // without the line terminator
}

// Options configures a Reader.
type Options struct {
	MaxLine int // rune limit; 0 means params.MaxLine
	Policy  Policy
}

// Stats counts what a Reader has seen so far.
type Stats struct {
	Files     int
	Lines     int64 // lines handed to the callback
	Bytes     int64
	Truncated int64
	Skipped   int64
}

// Reader walks the files in order. It is not safe for concurrent use.
type Reader struct {
	fs    afero.Fs
	paths []string
	opts  Options
	stats Stats
}

// New returns a Reader over paths on fs.
func New(fs afero.Fs, paths []string, opts Options) *Reader {
	if opts.MaxLine <= 0 {
		opts.MaxLine = params.MaxLine
	}
	return &Reader{fs: fs, paths: paths, opts: opts}
}

// Paths returns the file list; Line.File indexes into it.
func (r *Reader) Paths() []string { return r.paths }

// Stats returns the counters so far.
func (r *Reader) Stats() Stats { return r.stats }

// Workload stats every file. Line counts are left to the planner's
// estimate unless exact is set, in which case every file is scanned once
// to count lines.
func (r *Reader) Workload(ctx context.Context, exact bool) (params.Workload, error) {
	w := params.Workload{NumFile: len(r.paths)}
	for _, p := range r.paths {
		if err := ctx.Err(); err != nil {
			return w, err
		}
		fi, err := r.fs.Stat(p)
		if err != nil {
			return w, fmt.Errorf("stat %s: %w", p, err)
		}
		if fi.IsDir() {
			return w, fmt.Errorf("%s is a directory", p)
		}
		w.TotalBytes += fi.Size()
		if exact {
			n, err := r.countLines(ctx, p)
			if err != nil {
				return w, err
			}
			w.TotalLines += n
		}
	}
	return w, nil
}

func (r *Reader) countLines(ctx context.Context, path string) (int64, error) {
	f, err := r.open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	err = scan(ctx, bufio.NewReaderSize(f, readBufSize), r.maxBytes(), func([]byte, int) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", path, err)
	}
	return n, nil
}

func (r *Reader) open(path string) (afero.File, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if fd, ok := f.(interface{ Fd() uintptr }); ok {
		adviseSequential(fd.Fd())
	}
	return f, nil
}

// Each calls fn for every line of every file, in order. IDs continue
// across calls. It stops at the first error from fn, the filesystem, or
// the long-line policy, and returns ctx.Err() once ctx is done.
func (r *Reader) Each(ctx context.Context, fn func(Line) error) error {
	for i, p := range r.paths {
		if err := r.eachInFile(ctx, i, p, fn); err != nil {
			return err
		}
		r.stats.Files++
	}
	return nil
}

func (r *Reader) eachInFile(ctx context.Context, fileIdx int, path string, fn func(Line) error) error {
	f, err := r.open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	num := 0
	err = scan(ctx, bufio.NewReaderSize(f, readBufSize), r.maxBytes(), func(raw []byte, size int) error {
		num++
		r.stats.Bytes += int64(size)

		text, ok, err := r.limit(raw, size)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, num, err)
		}
		if !ok {
			r.stats.Skipped++
			return nil
		}
		if r.stats.Lines >= math.MaxUint32 {
			return fmt.Errorf("%w: corpus has more than %d lines", params.ErrCapacityExceeded, uint32(math.MaxUint32))
		}
		id := uint32(r.stats.Lines)
		r.stats.Lines++
		return fn(Line{ID: id, File: fileIdx, Num: num, Text: text})
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrLineTooLong) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return err
}

// limit applies the rune limit to raw, the first bytes of a line of size
// bytes. ok is false when the line is skipped.
func (r *Reader) limit(raw []byte, size int) (string, bool, error) {
	maxRunes := r.opts.MaxLine
	// Each rune is one to utf8.UTFMax bytes.
	if size <= maxRunes || (size == len(raw) && utf8.RuneCount(raw) <= maxRunes) {
		return string(raw), true, nil
	}
	switch r.opts.Policy {
	case Skip:
		return "", false, nil
	case Fail:
		return "", false, fmt.Errorf("%w: more than %d characters", ErrLineTooLong, maxRunes)
	}
	r.stats.Truncated++
	cut, runes := 0, 0
	for cut < len(raw) && runes < maxRunes {
		_, size := utf8.DecodeRune(raw[cut:])
		cut += size
		runes++
	}
	return string(raw[:cut]), true, nil
}

// maxBytes is the longest prefix scan keeps of any line: enough for the
// rune limit in any encoding.
func (r *Reader) maxBytes() int { return r.opts.MaxLine * utf8.UTFMax }

// scan calls fn with every line of br, without its "\n" or "\r\n". A final
// unterminated line counts. Lines are clipped to their first maxBytes bytes;
// size is the unclipped length. The rest of a clipped line is read and
// discarded, so memory stays bounded by maxBytes plus the read buffer. The
// slice passed to fn is only valid during the call.
func scan(ctx context.Context, br *bufio.Reader, maxBytes int, fn func(line []byte, size int) error) error {
	var (
		carry []byte
		size  int // bytes of the pending line, clipped ones included
		n     int
	)
	keep := func(chunk []byte) {
		if room := maxBytes - len(carry); room > 0 {
			carry = append(carry, chunk[:min(room, len(chunk))]...)
		}
		size += len(chunk)
	}
	for {
		// ctx is checked every 1024 reads.
		if n++; n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		chunk, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			keep(chunk)
			continue
		}
		eof := err == io.EOF
		if err != nil && !eof {
			return err
		}
		if eof && size == 0 && len(chunk) == 0 {
			return nil
		}

		line := chunk
		if size > 0 {
			keep(chunk)
			line = carry
		} else {
			size = len(chunk)
		}
		if len(line) == size {
			line = trimEOL(line)
			size = len(line)
		} else {
			size -= len(chunk) - len(trimEOL(chunk))
		}
		if len(line) > maxBytes {
			line = line[:maxBytes]
		}
		if err := fn(line, size); err != nil {
			return err
		}
		if eof {
			return nil
		}
		carry, size = carry[:0], 0
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
