// Package params sizes a near-duplicate detection run.
//
// A run is described by three working parameters derived once from the
// input workload and the memory budget:
//
//   - NumKey: how many key partitions the corpus is split into. Each
//     partition is one lock stripe of the bucket table and one unit of the
//     CPU memory estimate (TotalBytes / NumKey * C).
//   - MaxBucket: the number of bucket slots, and the side of the square
//     comparator working area (MaxBucket * MaxBucket cells must fit the
//     accelerator memory).
//   - C: the CPU expansion factor applied to each partition's share of the
//     input when estimating resident memory.
//
// The constants below are ceilings and defaults. Plan never exceeds them.
package params

import "github.com/dustin/go-humanize"

const (
	// NumHash is the number of independent hash functions in a signature.
	NumHash = 128

	// MaxLine bounds the length of a single input line, in characters.
	MaxLine = 30000

	// Bucket is the number of bands a signature is split into.
	Bucket = 16

	// ShingleLen is the default shingle (k-gram) length.
	ShingleLen = 5

	// MaxBucket caps the number of bucket slots. MaxBucket * MaxBucket
	// comparator cells must stay below the accelerator memory.
	MaxBucket = 100000

	// NumKey caps the number of key partitions.
	NumKey = 10240

	// C is the CPU expansion factor: TotalBytes / NumKey * C < CPU memory.
	C = 1024
)

const (
	// MinMaxBucket is the smallest usable slot count; anything below it
	// cannot hold a candidate pair.
	MinMaxBucket = 2

	// LinesPerFile estimates line count per file when the caller does not
	// know it yet.
	LinesPerFile = 30000

	// BytesPerLine estimates the average encoded line size.
	BytesPerLine = 80

	// DefaultCellBytes is the size of one comparator score cell (float32).
	DefaultCellBytes = 4
)

// Budget describes the memory ceilings a run must respect.
type Budget struct {
	// CPUMemory is the host memory available to the hashing tier, in bytes.
	CPUMemory int64
	// GPUMemory is the accelerator memory available to the comparator, in bytes.
	GPUMemory int64
	// CellBytes is the size of one comparator cell. Zero means DefaultCellBytes.
	CellBytes int64
}

// DefaultBudget returns an 8 GiB host / 8 GiB accelerator budget.
func DefaultBudget() Budget {
	return Budget{
		CPUMemory: 8 << 30,
		GPUMemory: 8 << 30,
		CellBytes: DefaultCellBytes,
	}
}

// Workload describes the corpus being sized. Only NumFile is required;
// zero totals are estimated.
type Workload struct {
	NumFile    int
	TotalBytes int64
	TotalLines int64
}

// RunParameters is the immutable sizing of a single run.
type RunParameters struct {
	NumKey    int
	MaxBucket int
	C         int

	// Workload and Budget record what the parameters were derived from,
	// with estimated totals filled in.
	Workload Workload
	Budget   Budget
}

// CPUEstimate returns ceil(TotalBytes / NumKey) * C, the resident-memory
// estimate that must stay below Budget.CPUMemory.
func (p RunParameters) CPUEstimate() int64 {
	if p.NumKey <= 0 {
		return 0
	}
	share := ceilDiv(p.Workload.TotalBytes, int64(p.NumKey))
	est, ok := mulChecked(share, int64(p.C))
	if !ok {
		return maxInt64
	}
	return est
}

// GPUEstimate returns MaxBucket * MaxBucket * CellBytes, the size of the
// largest comparator working area.
func (p RunParameters) GPUEstimate() int64 {
	area, ok := mulChecked(int64(p.MaxBucket), int64(p.MaxBucket))
	if !ok {
		return maxInt64
	}
	est, ok := mulChecked(area, p.Budget.cellBytes())
	if !ok {
		return maxInt64
	}
	return est
}

// String renders the parameters for logs.
func (p RunParameters) String() string {
	return "num_key=" + humanize.Comma(int64(p.NumKey)) +
		" max_bucket=" + humanize.Comma(int64(p.MaxBucket)) +
		" c=" + humanize.Comma(int64(p.C)) +
		" cpu_est=" + humanize.IBytes(uint64(p.CPUEstimate())) +
		" gpu_est=" + humanize.IBytes(uint64(p.GPUEstimate()))
}

func (b Budget) cellBytes() int64 {
	if b.CellBytes <= 0 {
		return DefaultCellBytes
	}
	return b.CellBytes
}
