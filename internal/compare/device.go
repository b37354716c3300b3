package compare

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"neardup/internal/minhash"
)

// Task is the work for one bucket: score every member pair.
type Task struct {
	Bucket  int
	Members []uint32
	Sigs    []*minhash.Signature
	// Scores is the n×n working area, n = len(Members). The device fills
	// Scores[i*n+j] for i < j; the rest is unspecified.
	Scores []float32
}

// Cells is the size of the working area.
func (t *Task) Cells() int64 {
	n := int64(len(t.Members))
	return n * n
}

// Batch is a group of tasks dispatched to a device together. The sum of
// their working areas never exceeds the comparator's cell budget.
type Batch struct {
	Seq   int
	Tasks []*Task
	Cells int64
}

// Device runs the pairwise kernel. Run must fill every task's Scores and
// return early with ctx.Err() once ctx is done.
type Device interface {
	Run(ctx context.Context, b *Batch) error
	Name() string
}

// CPUDevice scores pairs on the host, splitting rows over goroutines.
type CPUDevice struct {
	Workers int // 0 means GOMAXPROCS
}

func (d CPUDevice) Name() string { return "cpu" }

// rowChunk is how many rows one goroutine handles before checking ctx.
const rowChunk = 64

func (d CPUDevice) Run(ctx context.Context, b *Batch) error {
	workers := d.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, t := range b.Tasks {
		n := len(t.Members)
		for lo := 0; lo < n; lo += rowChunk {
			if err := gctx.Err(); err != nil {
				break
			}
			t, lo, hi := t, lo, min(lo+rowChunk, n)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				scoreRows(t, lo, hi)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// scoreRows fills the upper triangle of rows [lo, hi).
func scoreRows(t *Task, lo, hi int) {
	n := len(t.Members)
	for i := lo; i < hi; i++ {
		si := t.Sigs[i]
		row := t.Scores[i*n : (i+1)*n]
		for j := i + 1; j < n; j++ {
			row[j] = float32(si.Similarity(t.Sigs[j]))
		}
	}
}
