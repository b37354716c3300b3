package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"strconv"

	"github.com/spf13/afero"
)

// Run is the JSON run file. Every field is optional; a zero value leaves
// the flag default alone.
//
// Example:
//
//	{
//	  "job": "nightly",
//	  "files": ["logs/a.txt", "logs/b.txt"],
//	  "shingle": { "len": 5, "mode": "chars", "fold": true },
//	  "hash":    { "backend": "xxh3", "seed": 42, "rows": 8 },
//	  "budget":  { "cpu_mem": "16GiB", "gpu_mem": "8GiB" },
//	  "bucket":  { "policy": "shed" },
//	  "compare": { "threshold": 0.8, "sample_limit": 4096 },
//	  "input":   { "long_lines": "skip" },
//	  "output":  { "format": "jsonl", "path": "pairs.jsonl" },
//	  "metrics": { "backend": "pushgateway", "options": { "url": "http://pgw:9091" } }
//	}
type Run struct {
	Job     string     `json:"job"`
	Files   []string   `json:"files"`
	Shingle RunShingle `json:"shingle"`
	Hash    RunHash    `json:"hash"`
	Budget  RunBudget  `json:"budget"`
	Bucket  RunBucket  `json:"bucket"`
	Compare RunCompare `json:"compare"`
	Input   RunInput   `json:"input"`
	Output  RunOutput  `json:"output"`
	Metrics RunMetrics `json:"metrics"`
	Runtime RunRuntime `json:"runtime"`
}

type RunShingle struct {
	Len  int    `json:"len"`
	Mode string `json:"mode"`
	Fold *bool  `json:"fold"`
}

type RunHash struct {
	Backend string  `json:"backend"`
	Seed    *uint64 `json:"seed"`
	Rows    int     `json:"rows"`
}

type RunBudget struct {
	CPUMem    string `json:"cpu_mem"`
	GPUMem    string `json:"gpu_mem"`
	CellBytes int    `json:"cell_bytes"`
}

type RunBucket struct {
	Policy       string `json:"policy"`
	SlotCapacity int    `json:"slot_capacity"`
}

type RunCompare struct {
	Threshold   float64 `json:"threshold"`
	SampleLimit int     `json:"sample_limit"`
	BatchSize   int     `json:"batch_size"`
}

type RunInput struct {
	LongLines  string `json:"long_lines"`
	CountLines *bool  `json:"count_lines"`
}

type RunOutput struct {
	Format string `json:"format"`
	Path   string `json:"path"`
}

type RunRuntime struct {
	Workers int `json:"workers"`
}

// RunMetrics selects a metrics backend. Options carries backend-specific
// keys: "url" for pushgateway, "addr" for datadog.
type RunMetrics struct {
	Backend string  `json:"backend"`
	Options Options `json:"options"`
}

// LoadRunFile reads and decodes a run file. Unknown fields are rejected so
// typos surface early.
func LoadRunFile(afs afero.Fs, path string) (Run, error) {
	f, err := afs.Open(path)
	if err != nil {
		return Run{}, fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	var r Run
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Run{}, fmt.Errorf("decode run file %s: %w", path, err)
	}
	return r, nil
}

// flagValues maps flag names to the run file's non-zero settings.
func (r Run) flagValues() map[string]string {
	out := map[string]string{}
	set := func(name, v string) {
		if v != "" {
			out[name] = v
		}
	}
	setInt := func(name string, v int) {
		if v != 0 {
			out[name] = strconv.Itoa(v)
		}
	}
	setBool := func(name string, v *bool) {
		if v != nil {
			out[name] = strconv.FormatBool(*v)
		}
	}

	set("job", r.Job)
	setInt("shingle", r.Shingle.Len)
	set("mode", r.Shingle.Mode)
	setBool("fold", r.Shingle.Fold)
	set("hash", r.Hash.Backend)
	if r.Hash.Seed != nil {
		out["seed"] = strconv.FormatUint(*r.Hash.Seed, 10)
	}
	setInt("rows", r.Hash.Rows)
	set("cpu_mem", r.Budget.CPUMem)
	set("gpu_mem", r.Budget.GPUMem)
	setInt("cell_bytes", r.Budget.CellBytes)
	set("policy", r.Bucket.Policy)
	setInt("slot_capacity", r.Bucket.SlotCapacity)
	if r.Compare.Threshold != 0 {
		out["threshold"] = strconv.FormatFloat(r.Compare.Threshold, 'g', -1, 64)
	}
	setInt("sample_limit", r.Compare.SampleLimit)
	setInt("batch_size", r.Compare.BatchSize)
	set("long_lines", r.Input.LongLines)
	setBool("count_lines", r.Input.CountLines)
	set("format", r.Output.Format)
	set("out", r.Output.Path)
	setInt("workers", r.Runtime.Workers)
	set("metrics-backend", r.Metrics.Backend)
	set("pushgateway-url", r.Metrics.Options.String("url", ""))
	set("statsd-addr", r.Metrics.Options.String("addr", ""))
	return out
}

// apply sets every run file value whose flag is not in explicit.
func (r Run) apply(fs *flag.FlagSet, explicit map[string]bool) error {
	for name, v := range r.flagValues() {
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("%s=%q: %w", name, v, err)
		}
	}
	return nil
}

// Options fetches typed values from a free-form JSON object, returning
// the default when a key is absent or of another type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// UnmarshalJSON makes a missing or null object decode to an empty map.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
