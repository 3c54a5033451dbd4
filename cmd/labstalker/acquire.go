package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/labstalker/internal/acquire"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/loader"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/aggregate"
)

func runAcquire(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	cfgPath := fs.String("config", "acquire.yaml", "acquisition file")
	output := fs.String("output", "", "store path (overrides config)")
	samples := fs.Int("samples", -1, "polls per device, 0 until interrupted (overrides config)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	logFormat := fs.String("log-format", "", "auto, text or json (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		return err
	}

	// CLI overrides
	if *output != "" {
		cfg.Output = *output
	}
	if *samples >= 0 {
		cfg.Samples = *samples
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}
	setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	log := logging.Component("cli")
	log.Info("labstalker starting", "version", Version, "config", *cfgPath)

	devs, err := loader.BuildDevices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range devs {
			if err := d.Deactivate(); err != nil {
				log.Warn("deactivate", "device", d.Name(), "error", err)
			}
		}
	}()

	runID := uuid.NewString()
	sinks, err := loader.Sinks(cfg, runID)
	if err != nil {
		return err
	}

	runner, err := acquire.New(cfg.Acquire(), devs, acquire.WithSinks(sinks...), acquire.WithRunID(runID))
	if err != nil {
		for _, s := range sinks {
			s.Close()
		}
		return err
	}

	res, runErr := runner.Run(ctx)
	if res != nil {
		printResult(stdout, res, devs)
	}
	return runErr
}

func printResult(w io.Writer, res *acquire.Result, devs []device.Device) {
	fmt.Fprintf(w, "run %s: %d records in %v\n", res.RunID, res.Total(), res.Finished.Sub(res.Started).Round(time.Millisecond))
	if res.Failures > 0 || res.Resets > 0 || res.Rejected > 0 {
		fmt.Fprintf(w, "failed queries %d, resets %d, rejected appends %d\n", res.Failures, res.Resets, res.Rejected)
	}
	if res.Mirror.Offered > 0 {
		fmt.Fprintf(w, "mirrored %d of %d records (%d dropped, %d sink failures)\n",
			res.Mirror.Written, res.Mirror.Offered, res.Mirror.Dropped, res.Mirror.Failures)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tRECORDS")
	for _, d := range devs {
		fmt.Fprintf(tw, "%s\t%d\n", d.Name(), res.Records[d.Name()])
	}
	tw.Flush()

	if len(res.Summaries) > 0 {
		fmt.Fprintln(w)
		printSummaries(w, res.Summaries)
	}
}

func printSummaries(w io.Writer, sums []aggregate.Summary) {
	sort.SliceStable(sums, func(i, j int) bool { return sums[i].Key() < sums[j].Key() })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCHANNEL\tROLE\tUNIT\tCOUNT\tMISSING\tMIN\tMEAN\tMAX\tP50\tP95")
	for _, s := range sums {
		p50, p95 := math.NaN(), math.NaN()
		if s.HasQuantiles() {
			p50, p95 = *s.P50, *s.P95
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\n",
			s.Device, s.Channel, s.Role, s.Unit, s.Count, s.Missing, s.Min, s.Mean, s.Max, p50, p95)
	}
	tw.Flush()
}
