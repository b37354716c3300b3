// Package report writes near-duplicate pairs and groups.
//
// Three formats are supported:
//
//	text    A<TAB>B<TAB>similarity<TAB>fileA:lineA<TAB>fileB:lineB
//	jsonl   one JSON object per pair
//	groups  one line per group, space-separated IDs, with locations
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"neardup/internal/compare"
)

const bufSize = 4 << 20

// Format selects the output layout.
type Format int

const (
	Text Format = iota
	JSONL
	Groups
)

// ParseFormat maps "text", "jsonl" or "groups" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return Text, nil
	case "jsonl", "json":
		return JSONL, nil
	case "groups":
		return Groups, nil
	}
	return Text, fmt.Errorf("report: unknown format %q (use text, jsonl or groups)", s)
}

func (f Format) String() string {
	switch f {
	case JSONL:
		return "jsonl"
	case Groups:
		return "groups"
	}
	return "text"
}

// Locator resolves a line ID to where it was read from.
type Locator interface {
	Locate(id uint32) (file string, line int, ok bool)
}

// Writer buffers report output. Call Close when done.
type Writer struct {
	bw     *bufio.Writer
	format Format
	loc    Locator
	closer io.Closer
	enc    *json.Encoder
}

// New wraps w. loc may be nil, in which case locations are omitted.
func New(w io.Writer, format Format, loc Locator) *Writer {
	bw := bufio.NewWriterSize(w, bufSize)
	return &Writer{bw: bw, format: format, loc: loc, enc: json.NewEncoder(bw)}
}

// Create opens path on afs for writing, or stdout when path is "-".
func Create(afs afero.Fs, path string, format Format, loc Locator) (*Writer, error) {
	if path == "-" || path == "" {
		return New(os.Stdout, format, loc), nil
	}
	f, err := afs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	w := New(f, format, loc)
	w.closer = f
	return w, nil
}

// Write emits pairs, or groups in Groups format.
func (w *Writer) Write(pairs []compare.Pair, groups [][]uint32) error {
	if w.format == Groups {
		for _, g := range groups {
			if err := w.writeGroup(g); err != nil {
				return err
			}
		}
		return nil
	}
	for _, p := range pairs {
		var err error
		if w.format == JSONL {
			err = w.writeJSON(p)
		} else {
			err = w.writeText(p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) location(id uint32) string {
	if w.loc == nil {
		return ""
	}
	file, line, ok := w.loc.Locate(id)
	if !ok {
		return ""
	}
	return file + ":" + strconv.Itoa(line)
}

func (w *Writer) writeText(p compare.Pair) error {
	var b []byte
	b = strconv.AppendUint(b, uint64(p.A), 10)
	b = append(b, '\t')
	b = strconv.AppendUint(b, uint64(p.B), 10)
	b = append(b, '\t')
	b = strconv.AppendFloat(b, p.Similarity, 'f', 4, 64)
	if w.loc != nil {
		b = append(b, '\t')
		b = append(b, w.location(p.A)...)
		b = append(b, '\t')
		b = append(b, w.location(p.B)...)
	}
	b = append(b, '\n')
	_, err := w.bw.Write(b)
	return err
}

type jsonPair struct {
	A          uint32  `json:"a"`
	B          uint32  `json:"b"`
	Similarity float64 `json:"similarity"`
	AFile      string  `json:"a_file,omitempty"`
	ALine      int     `json:"a_line,omitempty"`
	BFile      string  `json:"b_file,omitempty"`
	BLine      int     `json:"b_line,omitempty"`
}

func (w *Writer) writeJSON(p compare.Pair) error {
	jp := jsonPair{A: p.A, B: p.B, Similarity: p.Similarity}
	if w.loc != nil {
		jp.AFile, jp.ALine, _ = w.loc.Locate(p.A)
		jp.BFile, jp.BLine, _ = w.loc.Locate(p.B)
	}
	return w.enc.Encode(jp)
}

func (w *Writer) writeGroup(g []uint32) error {
	var b []byte
	for i, id := range g {
		if i > 0 {
			b = append(b, ' ')
		}
		b = strconv.AppendUint(b, uint64(id), 10)
	}
	if w.loc != nil {
		for _, id := range g {
			b = append(b, '\t')
			b = append(b, w.location(id)...)
		}
	}
	b = append(b, '\n')
	_, err := w.bw.Write(b)
	return err
}
