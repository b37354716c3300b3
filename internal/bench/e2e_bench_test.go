package bench

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"neardup/internal/params"
	"neardup/internal/pipeline"
)

// corpus writes files of synthetic log-like lines. Roughly one line in
// dupEvery is a lightly edited copy of an earlier line.
func corpus(b *testing.B, files, linesPerFile, dupEvery int) (afero.Fs, []string) {
	b.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	words := strings.Fields("request served user cache miss hit shard node timeout retry ok error warn upstream latency bytes")

	afs := afero.NewMemMapFs()
	var (
		paths []string
		prev  []string
	)
	for f := 0; f < files; f++ {
		var sb strings.Builder
		for i := 0; i < linesPerFile; i++ {
			var line string
			if len(prev) > 0 && rng.IntN(dupEvery) == 0 {
				line = prev[rng.IntN(len(prev))] + " x"
			} else {
				n := 6 + rng.IntN(10)
				parts := make([]string, n)
				for j := range parts {
					parts[j] = words[rng.IntN(len(words))]
				}
				line = fmt.Sprintf("%d %s", rng.IntN(1_000_000), strings.Join(parts, " "))
				prev = append(prev, line)
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		p := fmt.Sprintf("f%03d.txt", f)
		if err := afero.WriteFile(afs, p, []byte(sb.String()), 0o644); err != nil {
			b.Fatal(err)
		}
		paths = append(paths, p)
	}
	return afs, paths
}

// BenchmarkEndToEnd exercises the full run over an in-memory corpus:
//   - CPU tier: shingling, signing, banding and bucket inserts
//   - comparator tier: batch planning and CPU scoring
//
// Run with:
//
//	go test -run=^$ -bench ^BenchmarkEndToEnd$ -cpuprofile cpu.out -memprofile mem.out -count=1
func BenchmarkEndToEnd(b *testing.B) {
	log.SetOutput(io.Discard)
	b.Cleanup(func() { log.SetOutput(os.Stderr) })

	afs, paths := corpus(b, 8, 5000, 20)
	e, err := pipeline.New(afs, pipeline.Options{
		Budget: params.Budget{CPUMemory: 1 << 30, GPUMemory: 64 << 20, CellBytes: 4},
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	var pairs int
	for i := 0; i < b.N; i++ {
		res, err := e.Run(context.Background(), paths)
		if err != nil {
			b.Fatal(err)
		}
		pairs = len(res.Pairs)
	}
	b.ReportMetric(float64(pairs), "pairs")
	b.ReportMetric(float64(8*5000*b.N)/b.Elapsed().Seconds(), "lines/s")
}
