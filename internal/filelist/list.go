// Package filelist resolves command-line inputs to corpus files.
//
// An argument is one of:
//
//	path/to/file    used as is
//	path/to/dir     every regular file below it, in lexical order
//	@path/to/list   one path per line; blank lines and # comments skipped
//
// The order of the resulting list fixes line IDs, so it is deterministic.
package filelist

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
)

// ReadList reads a list file and returns its non-empty, non-comment lines
// in order.
func ReadList(afs afero.Fs, path string) ([]string, error) {
	f, err := afs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	return out, nil
}

// Expand resolves args. A path reached twice is kept at its first position.
// List files are not expanded recursively.
func Expand(afs afero.Fs, args []string) ([]string, error) {
	var (
		out  []string
		seen = map[string]bool{}
	)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, arg := range args {
		paths := []string{arg}
		if strings.HasPrefix(arg, "@") {
			listed, err := ReadList(afs, arg[1:])
			if err != nil {
				return nil, err
			}
			paths = listed
		}
		for _, p := range paths {
			fi, err := afs.Stat(p)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", p, err)
			}
			if !fi.IsDir() {
				add(p)
				continue
			}
			err = afero.Walk(afs, p, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.Mode().IsRegular() {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", p, err)
			}
		}
	}
	return out, nil
}
