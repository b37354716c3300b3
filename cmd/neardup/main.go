// Command neardup reports near-duplicate lines across text files.
//
// Usage:
//
//	neardup [flags] FILE|DIR|@LIST...
//
// Every flag has a NEARDUP_* environment fallback; -config names a JSON run
// file for anything left unset.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"neardup/internal/band"
	"neardup/internal/bucket"
	"neardup/internal/compare"
	"neardup/internal/config"
	"neardup/internal/filelist"
	"neardup/internal/linereader"
	"neardup/internal/metrics"
	"neardup/internal/metrics/datadog"
	"neardup/internal/metrics/prompush"
	"neardup/internal/minhash"
	"neardup/internal/params"
	"neardup/internal/pipeline"
	"neardup/internal/report"
	"neardup/internal/shingle"
)

// Exit codes.
const (
	exitConfig   = 2
	exitCapacity = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf(exitConfig, "config: %v", err)
	}

	issues := config.Validate(*cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("configuration is invalid")
		os.Exit(exitConfig)
	}
	if cfg.ValidateOnly {
		log.Printf("configuration is valid")
		os.Exit(0)
	}

	runID := uuid.NewString()
	flush := setupMetrics(cfg, runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	start := time.Now()
	err = run(ctx, cfg, runID)
	stop()
	flush()

	if err != nil {
		code := 1
		if pipeline.IsCapacity(err) {
			code = exitCapacity
		}
		fatalf(code, "%v", err)
	}
	if cfg.Verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

func run(ctx context.Context, cfg *config.Config, runID string) error {
	opts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	opts.RunID = runID
	format, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	afs := afero.NewOsFs()
	files, err := filelist.Expand(afs, cfg.Files)
	if err != nil {
		return err
	}
	if cfg.Verbose {
		log.Printf("input: %d files", len(files))
	}
	eng, err := pipeline.New(afs, opts)
	if err != nil {
		return err
	}
	res, err := eng.Run(ctx, files)
	if err != nil {
		return err
	}

	start := time.Now()
	w, err := report.Create(afs, cfg.Output, format, res)
	if err == nil {
		err = w.Write(res.Pairs, res.Groups)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	metrics.RecordStep(runID, "report", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// engineOptions maps a validated Config onto pipeline options.
func engineOptions(cfg *config.Config) (pipeline.Options, error) {
	var errs []error
	mode, err := shingle.ParseMode(cfg.Mode)
	errs = append(errs, err)
	fam, err := minhash.NewFamily(minhash.Backend(cfg.Hash), cfg.Seed)
	errs = append(errs, err)
	layout, err := band.NewLayout(params.NumHash, cfg.Rows)
	errs = append(errs, err)
	budget, err := cfg.Budget()
	errs = append(errs, err)
	policy, err := bucket.ParsePolicy(cfg.Policy)
	errs = append(errs, err)
	long, err := linereader.ParsePolicy(cfg.LongLines)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %w", params.ErrInvalidConfiguration, err)
	}

	return pipeline.Options{
		Shingle:      shingle.Options{Len: cfg.Shingle, Mode: mode, Fold: cfg.Fold},
		Family:       fam,
		Layout:       layout,
		Budget:       budget,
		CountLines:   cfg.CountLines,
		Reader:       linereader.Options{Policy: long},
		Policy:       policy,
		SlotCapacity: cfg.SlotCapacity,
		Compare: compare.Options{
			Threshold:   cfg.Threshold,
			SampleLimit: cfg.SampleLimit,
			BatchSize:   cfg.BatchSize,
		},
		Workers: cfg.Workers,
		Verbose: cfg.Verbose,
	}, nil
}

// setupMetrics installs the configured backend and returns its flush.
func setupMetrics(cfg *config.Config, runID string) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch cfg.MetricsBackend {
	case "pushgateway":
		b, err = prompush.NewBackend(cfg.Job, cfg.PushgatewayURL, runID)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       cfg.StatsdAddr,
			GlobalTags: []string{"job:" + cfg.Job},
		})
	case "", "none":
		if cfg.Verbose {
			log.Printf("metrics: disabled")
		}
		return func() {}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", cfg.MetricsBackend)
		return func() {}
	}
	if err != nil {
		log.Printf("metrics: failed to init %s backend: %v; using nop", cfg.MetricsBackend, err)
		return func() {}
	}

	log.Printf("metrics: backend=%s job=%s run=%s", cfg.MetricsBackend, cfg.Job, runID)
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}
}

func fatalf(code int, format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(code)
}
