// Package metrics is a small, backend-agnostic layer for recording what a
// near-duplicate run did.
//
// Callers use the Record* helpers; the installed Backend decides where the
// numbers go. The default backend discards everything, so instrumentation
// is always safe to call. Concrete systems live in subpackages
// (prompush for a Prometheus Pushgateway, datadog for DogStatsD).
//
// Metric names:
//
//	neardup_step_total              counter   run, step, status
//	neardup_step_duration_seconds   histogram run, step, status
//	neardup_lines_total             counter   run, kind
//	neardup_batches_total           counter   run
//	neardup_warnings_total          counter   run, kind
package metrics

import "time"

const (
	StepTotal     = "neardup_step_total"
	StepDuration  = "neardup_step_duration_seconds"
	LinesTotal    = "neardup_lines_total"
	BatchesTotal  = "neardup_batches_total"
	WarningsTotal = "neardup_warnings_total"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing
// backend. Call it before the run starts.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep counts one execution of a pipeline step (plan, read, bucket,
// compare, report) and records how long it took.
func RecordStep(run, step string, err error, d time.Duration) {
	status := statusSuccess
	if err != nil {
		status = statusFailure
	}
	lbls := Labels{"run": run, "step": step, "status": status}
	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordLines adds delta lines of the given kind, e.g. "read", "skipped",
// "truncated", "empty", "bucketed".
func RecordLines(run, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(LinesTotal, float64(delta), Labels{"run": run, "kind": kind})
}

// RecordBatches adds delta comparator batches.
func RecordBatches(run string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(delta), Labels{"run": run})
}

// RecordWarnings adds delta capacity warnings of the given kind, e.g.
// "key_shed", "member_shed", "sampled".
func RecordWarnings(run, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(WarningsTotal, float64(delta), Labels{"run": run, "kind": kind})
}
