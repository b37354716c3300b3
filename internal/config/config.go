// Package config centralizes neardup configuration. Every tunable is a
// command-line flag whose default is seeded from a NEARDUP_* environment
// variable, so `-help` lists all knobs. An optional JSON run file (-config)
// fills in whatever neither a flag nor the environment set.
//
// Precedence, highest first: explicit flag, environment, run file, built-in
// default.
//
// Typical usage:
//
//	cfg, err := config.Load()
//
// For tests, LoadFromArgs keeps things hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return env[k] }
//	cfg, err := config.LoadFromArgs(fs, getenv, []string{"-threshold=0.8", "a.txt"})
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"neardup/internal/compare"
	"neardup/internal/minhash"
	"neardup/internal/params"
)

// EnvPrefix prefixes every environment fallback.
const EnvPrefix = "NEARDUP_"

// Config holds all process configuration. It is a plain value and safe to
// copy after construction.
type Config struct {
	// Files are the corpus files, in ID order.
	Files []string

	// Shingling and hashing.
	Shingle int
	Mode    string // chars | tokens
	Fold    bool
	Hash    string // xxh3 | xxhash | siphash
	Seed    uint64
	Rows    int // signature rows per band

	// Memory budget, human-readable ("8GiB", "512MB").
	CPUMem    string
	GPUMem    string
	CellBytes int

	// Capacity handling.
	Policy       string // shed | fail
	SlotCapacity int
	LongLines    string // truncate | skip | fail
	CountLines   bool

	// Comparison.
	Threshold   float64
	SampleLimit int
	BatchSize   int
	Workers     int

	// Output.
	Format string // text | jsonl | groups
	Output string // "-" is stdout

	// Metrics.
	Job            string
	MetricsBackend string // none | pushgateway | datadog
	PushgatewayURL string
	StatsdAddr     string

	ConfigFile   string
	ValidateOnly bool
	Verbose      bool
}

// LoadFromArgs defines flags on fs, seeds their defaults from getenv,
// parses args, then applies the run file named by -config (read from the
// OS filesystem) to every flag that neither args nor the environment set.
// Positional arguments become Files; the run file's files are used when
// there are none.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	return loadFromArgs(afero.NewOsFs(), fs, getenv, args)
}

func loadFromArgs(afs afero.Fs, fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := &Config{}
	envSet := map[string]bool{}

	env := func(name string) string {
		v := getenv(EnvKey(name))
		if v != "" {
			envSet[name] = true
		}
		return v
	}
	str := func(name, d string) string {
		if v := env(name); v != "" {
			return v
		}
		return d
	}
	integer := func(name string, d int) int {
		if v := env(name); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	float := func(name string, d float64) float64 {
		if v := env(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return d
	}
	uint64v := func(name string, d uint64) uint64 {
		if v := env(name); v != "" {
			if u, err := strconv.ParseUint(v, 0, 64); err == nil {
				return u
			}
		}
		return d
	}
	boolean := func(name string, d bool) bool {
		switch strings.ToLower(env(name)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return d
	}

	def := params.DefaultBudget()

	fs.IntVar(&cfg.Shingle, "shingle", integer("shingle", params.ShingleLen), "Shingle length (characters or tokens)")
	fs.StringVar(&cfg.Mode, "mode", str("mode", "chars"), "Shingle mode: chars or tokens")
	fs.BoolVar(&cfg.Fold, "fold", boolean("fold", false), "Fold case and strip diacritics before shingling")
	fs.StringVar(&cfg.Hash, "hash", str("hash", string(minhash.XXH3)), "Base hash: xxh3, xxhash or siphash")
	fs.Uint64Var(&cfg.Seed, "seed", uint64v("seed", minhash.DefaultSeed), "Hash family seed")
	fs.IntVar(&cfg.Rows, "rows", integer("rows", params.NumHash/params.Bucket), "Signature rows per band")

	fs.StringVar(&cfg.CPUMem, "cpu_mem", str("cpu_mem", humanize.IBytes(uint64(def.CPUMemory))), "Host memory ceiling")
	fs.StringVar(&cfg.GPUMem, "gpu_mem", str("gpu_mem", humanize.IBytes(uint64(def.GPUMemory))), "Comparator (device) memory ceiling")
	fs.IntVar(&cfg.CellBytes, "cell_bytes", integer("cell_bytes", int(def.CellBytes)), "Bytes per pairwise score cell")

	fs.StringVar(&cfg.Policy, "policy", str("policy", "shed"), "Over-capacity policy: shed or fail")
	fs.IntVar(&cfg.SlotCapacity, "slot_capacity", integer("slot_capacity", 0), "Max lines per bucket (0 = max_bucket)")
	fs.StringVar(&cfg.LongLines, "long_lines", str("long_lines", "truncate"), "Lines over the length limit: truncate, skip or fail")
	fs.BoolVar(&cfg.CountLines, "count_lines", boolean("count_lines", false), "Count lines before planning instead of estimating")

	fs.Float64Var(&cfg.Threshold, "threshold", float("threshold", compare.DefaultThreshold), "Estimated Jaccard similarity a pair must exceed")
	fs.IntVar(&cfg.SampleLimit, "sample_limit", integer("sample_limit", 0), "Max lines compared per bucket (0 = default)")
	fs.IntVar(&cfg.BatchSize, "batch_size", integer("batch_size", compare.DefaultBatchSize), "Max buckets per comparator batch")
	fs.IntVar(&cfg.Workers, "workers", integer("workers", 0), "Hashing workers (0 = GOMAXPROCS)")

	fs.StringVar(&cfg.Format, "format", str("format", "text"), "Output format: text, jsonl or groups")
	fs.StringVar(&cfg.Output, "out", str("out", "-"), "Output file (- for stdout)")

	fs.StringVar(&cfg.Job, "job", str("job", "neardup"), "Job name for metrics")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", str("metrics-backend", "none"), "Metrics backend: none, pushgateway or datadog")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway-url", str("pushgateway-url", ""), "Prometheus Pushgateway URL")
	fs.StringVar(&cfg.StatsdAddr, "statsd-addr", str("statsd-addr", ""), "DogStatsD address")

	fs.StringVar(&cfg.ConfigFile, "config", str("config", ""), "JSON run file")
	fs.BoolVar(&cfg.ValidateOnly, "validate", boolean("validate", false), "Validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", boolean("v", false), "Verbose logging")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Files = fs.Args()

	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	run, err := LoadRunFile(afs, cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name := range envSet {
		explicit[name] = true
	}
	if err := run.apply(fs, explicit); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfg.ConfigFile, err)
	}
	if len(cfg.Files) == 0 {
		cfg.Files = append([]string(nil), run.Files...)
	}
	return cfg, nil
}

// EnvKey is the environment variable that seeds flag name.
func EnvKey(name string) string {
	if name == "v" {
		name = "verbose"
	}
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Load is the production entry point: flag.CommandLine, os.Getenv and
// os.Args[1:].
func Load() (*Config, error) {
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}

// Budget converts the memory settings into a planner budget.
func (c *Config) Budget() (params.Budget, error) {
	cpu, err := parseSize("cpu_mem", c.CPUMem)
	if err != nil {
		return params.Budget{}, err
	}
	gpu, err := parseSize("gpu_mem", c.GPUMem)
	if err != nil {
		return params.Budget{}, err
	}
	return params.Budget{CPUMemory: cpu, GPUMemory: gpu, CellBytes: int64(c.CellBytes)}, nil
}

func parseSize(name, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 || n > uint64(1<<62) {
		return 0, fmt.Errorf("%s: %q out of range", name, s)
	}
	return int64(n), nil
}
