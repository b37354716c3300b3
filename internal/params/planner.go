package params

import (
	"fmt"
	"math"
	"math/bits"
)

const maxInt64 = math.MaxInt64

// Plan derives the RunParameters for w under budget b.
//
// MaxBucket is chosen from the accelerator bound alone: the largest value
// not above the MaxBucket ceiling with MaxBucket^2 * CellBytes < GPUMemory.
//
// NumKey is then the smallest partition count that keeps
// ceil(TotalBytes/NumKey) * C below CPUMemory, raised to the line coverage
// floor ceil(TotalLines/MaxBucket) (capped at the NumKey ceiling). If the
// CPU bound needs more partitions than the ceiling allows, NumKey is pinned
// to the ceiling and C is lowered to the largest factor that still fits.
//
// Plan is pure; it never touches process state.
func Plan(w Workload, b Budget) (RunParameters, error) {
	if w.NumFile <= 0 {
		return RunParameters{}, fmt.Errorf("%w: num_file must be positive, got %d", ErrInvalidConfiguration, w.NumFile)
	}
	if b.CPUMemory <= 0 || b.GPUMemory <= 0 {
		return RunParameters{}, fmt.Errorf("%w: memory ceilings must be positive (cpu=%d gpu=%d)",
			ErrInvalidConfiguration, b.CPUMemory, b.GPUMemory)
	}
	if w.TotalBytes < 0 || w.TotalLines < 0 {
		return RunParameters{}, fmt.Errorf("%w: negative workload totals", ErrInvalidConfiguration)
	}
	b.CellBytes = b.cellBytes()

	w, err := estimate(w)
	if err != nil {
		return RunParameters{}, err
	}

	maxBucket := gpuMaxBucket(b.GPUMemory, b.CellBytes)
	if maxBucket < MinMaxBucket {
		return RunParameters{}, fmt.Errorf("%w: accelerator memory %d holds a %dx%d working area, need at least %dx%d",
			ErrInvalidConfiguration, b.GPUMemory, maxBucket, maxBucket, MinMaxBucket, MinMaxBucket)
	}

	numKey, c, err := cpuNumKey(w.TotalBytes, b.CPUMemory)
	if err != nil {
		return RunParameters{}, err
	}
	cover := ceilDiv(w.TotalLines, int64(maxBucket))
	if cover > NumKey {
		cover = NumKey
	}
	if int64(numKey) < cover {
		numKey = int(cover)
	}

	return RunParameters{
		NumKey:    numKey,
		MaxBucket: maxBucket,
		C:         c,
		Workload:  w,
		Budget:    b,
	}, nil
}

// estimate fills in zero totals. Lines are preferred from bytes when bytes
// are known, otherwise from the file count; bytes follow from lines.
func estimate(w Workload) (Workload, error) {
	if w.TotalLines == 0 {
		if w.TotalBytes > 0 {
			w.TotalLines = ceilDiv(w.TotalBytes, BytesPerLine)
		} else {
			lines, ok := mulChecked(int64(w.NumFile), LinesPerFile)
			if !ok {
				return w, fmt.Errorf("%w: line estimate overflows for %d files", ErrInvalidConfiguration, w.NumFile)
			}
			w.TotalLines = lines
		}
	}
	if w.TotalBytes == 0 {
		size, ok := mulChecked(w.TotalLines, BytesPerLine)
		if !ok {
			return w, fmt.Errorf("%w: size estimate overflows for %d lines", ErrInvalidConfiguration, w.TotalLines)
		}
		w.TotalBytes = size
	}
	return w, nil
}

// gpuMaxBucket returns the largest m <= MaxBucket with m*m*cell < mem.
func gpuMaxBucket(mem, cell int64) int {
	cells := (mem - 1) / cell
	m := int64(math.Sqrt(float64(cells)))
	// Float sqrt can be off by one either way near perfect squares.
	for m > 0 && m*m > cells {
		m--
	}
	for (m+1)*(m+1) <= cells {
		m++
	}
	if m > MaxBucket {
		m = MaxBucket
	}
	return int(m)
}

// cpuNumKey returns the smallest partition count with
// ceil(total/k) * C < mem, or the NumKey ceiling with a reduced factor.
func cpuNumKey(total, mem int64) (int, int, error) {
	if total == 0 {
		return 1, C, nil
	}
	perKey := (mem - 1) / C // largest share with share*C < mem
	if perKey >= 1 {
		k := ceilDiv(total, perKey)
		if k <= NumKey {
			return int(max(k, 1)), C, nil
		}
	}

	share := ceilDiv(total, NumKey)
	c := (mem - 1) / share
	if c < 1 {
		return 0, 0, fmt.Errorf("%w: %d bytes over %d partitions needs more than %d bytes of host memory",
			ErrInvalidConfiguration, total, NumKey, mem)
	}
	if c > C {
		c = C
	}
	return NumKey, int(c), nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// mulChecked multiplies two non-negative int64 values, reporting overflow.
func mulChecked(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > maxInt64 {
		return 0, false
	}
	return int64(lo), true
}
