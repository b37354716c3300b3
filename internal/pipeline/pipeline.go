// Package pipeline runs near-duplicate detection end to end.
//
// A run has two tiers separated by a barrier:
//
//  1. CPU tier: a reader goroutine streams lines to workers that shingle,
//     sign and band each line and insert it into the bucket table.
//  2. Comparator tier: after the table is sealed, candidate buckets are
//     scored in memory-bounded batches.
//
// The run parameters are planned once, before any worker starts, and are
// passed by value afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"neardup/internal/band"
	"neardup/internal/bitmap"
	"neardup/internal/bucket"
	"neardup/internal/compare"
	"neardup/internal/linereader"
	"neardup/internal/metrics"
	"neardup/internal/minhash"
	"neardup/internal/params"
	"neardup/internal/shingle"
)

const (
	lineBatch    = 1024
	channelDepth = 64
	warnSample   = 10
)

// Options configures an Engine. Zero values take package defaults.
type Options struct {
	Shingle shingle.Options
	Family  *minhash.Family
	Layout  band.Layout
	Budget  params.Budget

	// CountLines counts every line before planning instead of estimating
	// from byte totals.
	CountLines bool
	Reader     linereader.Options

	Policy       bucket.Policy
	SlotCapacity int

	Compare compare.Options

	// Workers is the CPU tier width. 0 means GOMAXPROCS.
	Workers int
	Verbose bool

	// RunID labels logs and metrics. Empty means a fresh UUID per run.
	RunID string
}

// Engine runs detection over a set of files. It is safe to call Run more
// than once; runs share nothing.
type Engine struct {
	fs   afero.Fs
	opts Options
	ext  *shingle.Extractor
}

// New validates opts and returns an Engine reading from fs.
func New(fs afero.Fs, opts Options) (*Engine, error) {
	if opts.Family == nil {
		opts.Family = minhash.Default()
	}
	if opts.Layout == (band.Layout{}) {
		opts.Layout = band.DefaultLayout()
	}
	if opts.Layout.Width() != params.NumHash {
		return nil, fmt.Errorf("%w: band layout %dx%d does not cover a %d-value signature",
			params.ErrInvalidConfiguration, opts.Layout.Bands, opts.Layout.Rows, params.NumHash)
	}
	if opts.Budget == (params.Budget{}) {
		opts.Budget = params.DefaultBudget()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Compare.Device == nil {
		opts.Compare.Device = compare.CPUDevice{Workers: opts.Workers}
	}
	return &Engine{fs: fs, opts: opts, ext: shingle.New(opts.Shingle)}, nil
}

// Stats summarizes a run.
type Stats struct {
	Read        linereader.Stats
	Empty       int64 // lines with no shingles, never bucketed
	Bucket      bucket.Stats
	Compare     compare.Stats
	PairedLines int
	Groups      int

	Plan, Hash, Score time.Duration
}

// Result is the outcome of a run.
type Result struct {
	RunID  string
	Params params.RunParameters
	Pairs  []compare.Pair
	Groups [][]uint32
	Stats  Stats

	lines *lineIndex
}

// Locate resolves a line ID to its file and 1-based line number.
func (r *Result) Locate(id uint32) (string, int, bool) {
	if r.lines == nil {
		return "", 0, false
	}
	return r.lines.Locate(id)
}

// Run detects near-duplicate lines across paths, in order. IDs are dense
// across all files in read order.
func (e *Engine) Run(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{RunID: e.opts.RunID}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	run := res.RunID
	rd := linereader.New(e.fs, paths, e.opts.Reader)

	// Plan.
	start := time.Now()
	rp, err := e.plan(ctx, rd)
	res.Stats.Plan = time.Since(start)
	metrics.RecordStep(run, "plan", err, res.Stats.Plan)
	if err != nil {
		return nil, err
	}
	res.Params = rp
	log.Printf("plan: run=%s files=%d bytes=%s lines~%d num_key=%d max_bucket=%d c=%d gpu=%s hash=%s seed=%d bands=%dx%d",
		run, rp.Workload.NumFile, humanize.IBytes(uint64(rp.Workload.TotalBytes)), rp.Workload.TotalLines,
		rp.NumKey, rp.MaxBucket, rp.C, humanize.IBytes(uint64(rp.GPUEstimate())),
		e.opts.Family.Backend(), e.opts.Family.Seed(), e.opts.Layout.Bands, e.opts.Layout.Rows)

	// CPU tier.
	warns := newErrAgg(warnSample)
	table, err := bucket.New(rp, bucket.Options{
		Layout:       e.opts.Layout,
		Policy:       e.opts.Policy,
		SlotCapacity: e.opts.SlotCapacity,
		OnWarning: func(w bucket.Warning) {
			warns.add(fmt.Sprintf("%s: bucket=%d band=%d count=%d", w.Kind, w.Bucket, w.Band, w.Count))
		},
	})
	if err != nil {
		return nil, err
	}
	sigs := &sigStore{}
	res.lines = &lineIndex{paths: rd.Paths()}

	start = time.Now()
	empty, err := e.hash(ctx, rd, table, sigs, res.lines)
	res.Stats.Hash = time.Since(start)
	metrics.RecordStep(run, "hash", err, res.Stats.Hash)
	res.Stats.Read = rd.Stats()
	res.Stats.Empty = empty
	if err != nil {
		return nil, err
	}
	table.Seal()
	res.Stats.Bucket = table.Stats()
	e.recordBucket(run, res.Stats, warns)

	// Comparator tier.
	cmp, err := compare.New(rp, e.opts.Compare)
	if err != nil {
		return nil, err
	}
	start = time.Now()
	pairs, cst, err := cmp.Compare(ctx, table.Candidates(), sigs)
	res.Stats.Score = time.Since(start)
	res.Stats.Compare = cst
	metrics.RecordStep(run, "compare", err, res.Stats.Score)
	metrics.RecordBatches(run, int64(cst.Batches))
	metrics.RecordWarnings(run, "sampled", int64(cst.Sampled))
	if err != nil {
		return nil, err
	}
	if cst.Sampled > 0 {
		log.Printf("compare: %d buckets over %d members were sampled", cst.Sampled, cmp.SampleLimit())
	}
	if e.opts.Verbose {
		log.Printf("compare: threshold=%g buckets=%d batches=%d cells=%d scored=%d duplicates=%d",
			cmp.Threshold(), cst.Buckets, cst.Batches, cst.Cells, cst.Scored, cst.Duplicates)
	}

	res.Pairs = pairs
	res.Groups = compare.Group(pairs)
	paired := bitmap.New(uint32(len(res.lines.locs)))
	for _, p := range pairs {
		paired.Add(p.A)
		paired.Add(p.B)
	}
	res.Stats.PairedLines = paired.Count()
	res.Stats.Groups = len(res.Groups)
	metrics.RecordLines(run, "paired", int64(res.Stats.PairedLines))

	logSummary(res)
	return res, nil
}

// plan stats the workload and stores the run parameters.
func (e *Engine) plan(ctx context.Context, rd *linereader.Reader) (params.RunParameters, error) {
	w, err := rd.Workload(ctx, e.opts.CountLines)
	if err != nil {
		return params.RunParameters{}, err
	}
	store := params.NewStore(e.opts.Budget)
	if err := store.SetWorkload(w); err != nil {
		return params.RunParameters{}, err
	}
	return store.Params()
}

// hash runs the CPU tier. It returns the number of empty lines.
func (e *Engine) hash(ctx context.Context, rd *linereader.Reader, table *bucket.Table, sigs *sigStore, idx *lineIndex) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan []linereader.Line, channelDepth)

	g.Go(func() error {
		defer close(lines)
		batch := make([]linereader.Line, 0, lineBatch)
		send := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case lines <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]linereader.Line, 0, lineBatch)
			return nil
		}
		err := rd.Each(gctx, func(l linereader.Line) error {
			idx.add(l.File, l.Num)
			batch = append(batch, l)
			if len(batch) == lineBatch {
				return send()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return send()
	})

	var (
		mu    sync.Mutex
		empty int64
	)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			keys := make([]uint64, e.opts.Layout.Bands)
			var n int64
			defer func() {
				mu.Lock()
				empty += n
				mu.Unlock()
			}()
			for batch := range lines {
				for _, l := range batch {
					if err := gctx.Err(); err != nil {
						return err
					}
					sig := e.opts.Family.Sign(e.ext.Shingles(l.Text))
					if sig.IsEmpty() {
						n++
						continue
					}
					sigs.put(l.ID, &sig)
					if err := band.KeysInto(keys, sig[:], e.opts.Layout, nil); err != nil {
						return err
					}
					if err := table.Insert(l.ID, keys); err != nil {
						return fmt.Errorf("line %d: %w", l.ID, err)
					}
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return empty, err
}

func (e *Engine) recordBucket(run string, st Stats, warns *errAgg) {
	metrics.RecordLines(run, "read", st.Read.Lines)
	metrics.RecordLines(run, "truncated", st.Read.Truncated)
	metrics.RecordLines(run, "skipped", st.Read.Skipped)
	metrics.RecordLines(run, "empty", st.Empty)
	metrics.RecordLines(run, "bucketed", st.Bucket.Lines)
	metrics.RecordWarnings(run, string(bucket.KeyOverflow), st.Bucket.OverflowKeys)
	metrics.RecordWarnings(run, string(bucket.KeyShed), st.Bucket.ShedKeys)
	metrics.RecordWarnings(run, string(bucket.MemberShed), st.Bucket.ShedMembers)

	if e.opts.Verbose {
		log.Printf("bucket: stripes=%d bands=%d populated=%d candidates=%d largest=%d distinct_keys=%d",
			st.Bucket.Stripes, st.Bucket.Bands, st.Bucket.Populated, st.Bucket.Candidates, st.Bucket.Largest, st.Bucket.DistinctKeys)
	}
	if warns.count > 0 {
		log.Printf("bucket: capacity warnings: %d (showing first %d)", warns.count, len(warns.first))
		for i, s := range warns.first {
			log.Printf("  #%03d: %s", i+1, s)
		}
	}
}

// logSummary prints final aggregated statistics for the run.
//
// Every line read is either empty or bucketed:
//
//	read == empty + bucketed
func logSummary(res *Result) {
	st := res.Stats
	log.Printf(
		"summary: run=%s read=%d truncated=%d skipped=%d empty=%d bucketed=%d buckets=%d batches=%d scored=%d pairs=%d groups=%d paired_lines=%d",
		res.RunID,
		st.Read.Lines,
		st.Read.Truncated,
		st.Read.Skipped,
		st.Empty,
		st.Bucket.Lines,
		st.Compare.Buckets,
		st.Compare.Batches,
		st.Compare.Scored,
		len(res.Pairs),
		st.Groups,
		st.PairedLines,
	)
	if st.Read.Lines != st.Empty+st.Bucket.Lines {
		log.Printf("WARNING: line accounting mismatch: read=%d empty=%d bucketed=%d",
			st.Read.Lines, st.Empty, st.Bucket.Lines)
	}
}

// errAgg keeps a count of warnings and the first few messages.
type errAgg struct {
	mu    sync.Mutex
	limit int
	count int
	first []string
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit}
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	if a.count < a.limit {
		a.first = append(a.first, msg)
	}
	a.count++
	a.mu.Unlock()
}

// IsCapacity reports whether err is a capacity failure, as opposed to a
// configuration or I/O error.
func IsCapacity(err error) bool {
	return errors.Is(err, params.ErrCapacityExceeded) || errors.Is(err, linereader.ErrLineTooLong)
}
