package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"

	"neardup/internal/band"
	"neardup/internal/bucket"
	"neardup/internal/linereader"
	"neardup/internal/minhash"
	"neardup/internal/params"
	"neardup/internal/shingle"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is reported but does not block the run.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding. Path names the flag (or run file
// key) at fault.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate lints a Config without modifying it. Callers decide what to do
// with warnings.
func Validate(c Config) []Issue {
	var issues []Issue
	errorf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(c.Files) == 0 {
		errorf("files", "no input files; pass them as arguments or list them in the run file")
	}

	// Shingling and hashing.
	if c.Shingle < 1 {
		errorf("shingle", "shingle length must be at least 1, got %d", c.Shingle)
	}
	if _, err := shingle.ParseMode(c.Mode); err != nil {
		errorf("mode", "%v", err)
	}
	if _, err := minhash.NewFamily(minhash.Backend(c.Hash), c.Seed); err != nil {
		errorf("hash", "%v", err)
	}
	if _, err := band.NewLayout(params.NumHash, c.Rows); err != nil {
		errorf("rows", "%v", err)
	} else if c.Rows > params.NumHash/params.Bucket {
		warnf("rows", "%d rows per band leaves %d bands; moderately similar lines may never share a bucket",
			c.Rows, params.NumHash/c.Rows)
	}

	// Budget.
	if c.CellBytes < 1 {
		errorf("cell_bytes", "cell_bytes must be positive, got %d", c.CellBytes)
	}
	cpu, errCPU := parseSize("cpu_mem", c.CPUMem)
	if errCPU != nil {
		errorf("cpu_mem", "%v", errCPU)
	}
	gpu, errGPU := parseSize("gpu_mem", c.GPUMem)
	if errGPU != nil {
		errorf("gpu_mem", "%v", errGPU)
	}
	if errGPU == nil && c.CellBytes >= 1 {
		need := int64(params.MinMaxBucket*params.MinMaxBucket) * int64(c.CellBytes)
		if gpu <= need {
			errorf("gpu_mem", "%s cannot hold a %dx%d working area", humanize.IBytes(uint64(gpu)),
				params.MinMaxBucket, params.MinMaxBucket)
		}
	}
	if errCPU == nil && cpu < 64<<20 {
		warnf("cpu_mem", "%s is very small; the planner will lower the expansion factor", humanize.IBytes(uint64(cpu)))
	}

	// Capacity handling.
	if _, err := bucket.ParsePolicy(c.Policy); err != nil {
		errorf("policy", "%v", err)
	}
	if c.SlotCapacity < 0 {
		errorf("slot_capacity", "slot_capacity must not be negative, got %d", c.SlotCapacity)
	}
	if _, err := linereader.ParsePolicy(c.LongLines); err != nil {
		errorf("long_lines", "%v", err)
	}

	// Comparison.
	if c.Threshold <= 0 || c.Threshold >= 1 {
		errorf("threshold", "threshold must be in (0, 1), got %v", c.Threshold)
	} else if c.Threshold < 0.3 {
		warnf("threshold", "threshold %v will report many unrelated pairs", c.Threshold)
	}
	if c.SampleLimit < 0 || c.SampleLimit == 1 {
		errorf("sample_limit", "sample_limit must be 0 (default) or at least 2, got %d", c.SampleLimit)
	}
	if c.BatchSize < 1 {
		errorf("batch_size", "batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Workers < 0 {
		errorf("workers", "workers must not be negative, got %d", c.Workers)
	} else if n := runtime.NumCPU(); c.Workers > 4*n {
		warnf("workers", "%d workers on %d CPUs", c.Workers, n)
	}

	// Output.
	switch c.Format {
	case "text", "jsonl", "groups":
	default:
		errorf("format", "unknown format %q (use text, jsonl or groups)", c.Format)
	}
	if strings.TrimSpace(c.Output) == "" {
		errorf("out", "output path must not be empty; use - for stdout")
	}

	// Metrics.
	switch c.MetricsBackend {
	case "", "none":
	case "pushgateway":
		if c.PushgatewayURL == "" {
			errorf("pushgateway-url", "pushgateway backend needs -pushgateway-url")
		}
	case "datadog":
		if c.StatsdAddr == "" {
			errorf("statsd-addr", "datadog backend needs -statsd-addr")
		}
	default:
		errorf("metrics-backend", "unknown metrics backend %q (use none, pushgateway or datadog)", c.MetricsBackend)
	}
	if strings.TrimSpace(c.Job) == "" {
		warnf("job", "empty job name; metrics will be grouped under the backend default")
	}

	return issues
}
