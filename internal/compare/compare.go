// Package compare scores candidate buckets and emits near-duplicate pairs.
//
// Buckets are packed into batches whose combined n×n working areas fit in
// max_bucket² cells, then handed to a Device. Buckets larger than the
// sample limit are thinned first, so no single working area can exceed the
// budget either.
package compare

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"neardup/internal/bucket"
	"neardup/internal/minhash"
	"neardup/internal/params"
)

const (
	// DefaultThreshold is the estimated Jaccard similarity a pair must
	// exceed to be reported.
	DefaultThreshold = 0.5
	// DefaultSampleLimit caps members scored per bucket unless configured.
	DefaultSampleLimit = 2048
	// DefaultBatchSize caps buckets per batch.
	DefaultBatchSize = 256
)

// Pair is a near-duplicate pair of line IDs, A < B.
type Pair struct {
	A, B       uint32
	Similarity float64
}

// Signatures resolves a line ID to its signature.
type Signatures interface {
	Signature(id uint32) *minhash.Signature
}

// Options configures a Comparator. Zero values take defaults.
type Options struct {
	Threshold   float64
	SampleLimit int // ≤ max_bucket
	BatchSize   int
	Concurrency int // batches in flight; 0 means 1
	Device      Device
}

// Comparator turns sealed buckets into pairs.
type Comparator struct {
	threshold   float64
	sampleLimit int
	batchSize   int
	concurrency int
	budget      int64 // max_bucket² cells per batch
	device      Device
}

// New builds a Comparator sized for rp.
func New(rp params.RunParameters, opts Options) (*Comparator, error) {
	if rp.MaxBucket < params.MinMaxBucket {
		return nil, fmt.Errorf("%w: max_bucket %d", params.ErrInvalidConfiguration, rp.MaxBucket)
	}
	c := &Comparator{
		threshold:   opts.Threshold,
		sampleLimit: opts.SampleLimit,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		budget:      int64(rp.MaxBucket) * int64(rp.MaxBucket),
		device:      opts.Device,
	}
	if c.threshold == 0 {
		c.threshold = DefaultThreshold
	}
	// Pairs must score strictly above the threshold, so 1 would report nothing.
	if c.threshold < 0 || c.threshold >= 1 {
		return nil, fmt.Errorf("%w: threshold %v outside (0, 1)", params.ErrInvalidConfiguration, opts.Threshold)
	}
	if c.sampleLimit == 0 {
		c.sampleLimit = min(DefaultSampleLimit, rp.MaxBucket)
	}
	if c.sampleLimit < 2 || c.sampleLimit > rp.MaxBucket {
		return nil, fmt.Errorf("%w: sample limit %d outside [2, %d]",
			params.ErrInvalidConfiguration, opts.SampleLimit, rp.MaxBucket)
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	if c.device == nil {
		c.device = CPUDevice{}
	}
	return c, nil
}

// Threshold reports the effective threshold.
func (c *Comparator) Threshold() float64 { return c.threshold }

// SampleLimit reports the effective per-bucket member cap.
func (c *Comparator) SampleLimit() int { return c.sampleLimit }

// Stats summarizes one Compare call.
type Stats struct {
	Buckets    int
	Batches    int
	Sampled    int   // buckets thinned to SampleLimit (each one is a warning)
	Cells      int64 // total working area
	Scored     int64 // pairs scored
	Emitted    int   // distinct pairs above threshold
	Duplicates int64 // pairs already emitted from another bucket
}

// Compare scores every bucket and returns the distinct pairs whose
// similarity exceeds the threshold, sorted by (A, B). Once ctx is done no new batch is
// dispatched; batches already running finish, their results are dropped,
// and ctx.Err() is returned.
func (c *Comparator) Compare(ctx context.Context, buckets []bucket.Bucket, sigs Signatures) ([]Pair, Stats, error) {
	var st Stats
	st.Buckets = len(buckets)

	batches, err := c.plan(buckets, sigs, &st)
	if err != nil {
		return nil, st, err
	}
	st.Batches = len(batches)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]float64)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, b := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// The slot may free up only after cancellation.
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := b.attach()
			defer b.release(buf)
			if err := c.device.Run(gctx, b); err != nil {
				return fmt.Errorf("compare: batch %d on %s: %w", b.Seq, c.device.Name(), err)
			}
			pairs, scored := c.collect(b)
			mu.Lock()
			st.Scored += scored
			for _, p := range pairs {
				k := uint64(p.A)<<32 | uint64(p.B)
				if _, dup := seen[k]; dup {
					st.Duplicates++
					continue
				}
				seen[k] = p.Similarity
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, st, err
	}
	if err := ctx.Err(); err != nil {
		return nil, st, err
	}

	out := make([]Pair, 0, len(seen))
	for k, s := range seen {
		out = append(out, Pair{A: uint32(k >> 32), B: uint32(k), Similarity: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	st.Emitted = len(out)
	return out, st, nil
}

// plan samples oversized buckets and packs tasks into batches.
func (c *Comparator) plan(buckets []bucket.Bucket, sigs Signatures, st *Stats) ([]*Batch, error) {
	var (
		out []*Batch
		cur = &Batch{}
	)
	for _, bk := range buckets {
		members := bk.Members
		if len(members) < 2 {
			continue
		}
		if len(members) > c.sampleLimit {
			members = Sample(members, c.sampleLimit, bk.Index)
			st.Sampled++
		}
		n := int64(len(members))
		cells := n * n
		if cells > c.budget {
			return nil, fmt.Errorf("%w: bucket %d needs %d cells, budget %d",
				params.ErrCapacityExceeded, bk.Index, cells, c.budget)
		}
		if len(cur.Tasks) > 0 && (cur.Cells+cells > c.budget || len(cur.Tasks) >= c.batchSize) {
			out = append(out, cur)
			cur = &Batch{Seq: len(out)}
		}

		t := &Task{
			Bucket:  bk.Index,
			Members: members,
			Sigs:    make([]*minhash.Signature, len(members)),
		}
		for i, id := range members {
			s := sigs.Signature(id)
			if s == nil {
				return nil, fmt.Errorf("compare: no signature for line %d in bucket %d", id, bk.Index)
			}
			t.Sigs[i] = s
		}
		cur.Tasks = append(cur.Tasks, t)
		cur.Cells += cells
		st.Cells += cells
	}
	if len(cur.Tasks) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

// collect reads pairs above threshold out of a finished batch.
func (c *Comparator) collect(b *Batch) ([]Pair, int64) {
	var (
		out    []Pair
		scored int64
	)
	for _, t := range b.Tasks {
		n := len(t.Members)
		for i := 0; i < n; i++ {
			row := t.Scores[i*n : (i+1)*n]
			for j := i + 1; j < n; j++ {
				scored++
				s := float64(row[j])
				if s <= c.threshold {
					continue
				}
				a, bID := t.Members[i], t.Members[j]
				if a > bID {
					a, bID = bID, a
				}
				out = append(out, Pair{A: a, B: bID, Similarity: s})
			}
		}
	}
	return out, scored
}

// scratch recycles batch working areas.
var scratch = sync.Pool{
	New: func() any { return new([]float32) },
}

// attach gives every task its slice of one pooled working area.
func (b *Batch) attach() *[]float32 {
	buf := scratch.Get().(*[]float32)
	if int64(cap(*buf)) < b.Cells {
		*buf = make([]float32, b.Cells)
	}
	area := (*buf)[:b.Cells]
	clear(area)
	var off int64
	for _, t := range b.Tasks {
		c := t.Cells()
		t.Scores = area[off : off+c : off+c]
		off += c
	}
	return buf
}

func (b *Batch) release(buf *[]float32) {
	for _, t := range b.Tasks {
		t.Scores = nil
	}
	scratch.Put(buf)
}

// Sample picks limit members of an ascending member list by stride
// sampling. The start offset depends on the bucket index only, so the
// choice is reproducible. The result stays ascending.
func Sample(members []uint32, limit, bucketIndex int) []uint32 {
	n := len(members)
	if n <= limit || limit <= 0 {
		return members
	}
	step := n / limit
	start := 0
	if step > 1 {
		start = bucketIndex % step
		if start < 0 {
			start = -start
		}
	}
	out := make([]uint32, limit)
	for k := range out {
		out[k] = members[start+k*step]
	}
	return out
}
