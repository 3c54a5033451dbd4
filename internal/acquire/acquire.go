// Package acquire runs an acquisition: it polls devices at a fixed
// interval and appends every sample to one store.
//
// Pollers query devices and send records over a channel to a single writer
// goroutine, which owns the store appender, the per-channel summaries and
// the mirror queue. In sequential mode one poller visits every device in
// turn each interval; in parallel mode each device gets its own poller.
// Per-device append order always equals query order.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/sink"
	"github.com/xtxerr/labstalker/internal/storage"
	"github.com/xtxerr/labstalker/internal/storage/aggregate"
	"github.com/xtxerr/labstalker/internal/storage/parquet"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds acquisition settings.
type Config struct {
	// Output is the store path; its extension selects the format.
	Output string

	// Interval is the time between polls of one device.
	Interval time.Duration

	// Samples is the number of polls per device. Zero polls until the
	// context is cancelled.
	Samples int

	// Parallel polls every device from its own goroutine.
	Parallel bool

	// ResetOnTransportError resets a device after a transport failure and
	// keeps retrying on each poll while the device is not activated.
	ResetOnTransportError bool

	// StoreOptions are passed to storage.Open.
	StoreOptions []storage.Option

	// SummaryPath, when set, receives the per-channel summaries as Parquet
	// at the end of the run.
	SummaryPath string

	// SummaryBucket splits summaries into time buckets. Zero summarizes
	// the whole run.
	SummaryBucket time.Duration

	// SummaryRaw also summarizes raw values.
	SummaryRaw bool

	// Mirror configures the mirror queue. Ignored without sinks.
	Mirror sink.MirrorOptions
}

// DefaultConfig returns default acquisition settings.
func DefaultConfig() Config {
	return Config{
		Interval: config.DefaultInterval,
		Samples:  config.DefaultSamples,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.Output == "" {
		errs.AddMissing("output")
	}
	if c.Interval <= 0 {
		errs.Add(fmt.Errorf("interval %v: %w", c.Interval, errors.ErrInvalidInterval))
	}
	if c.Samples < 0 {
		errs.Add(errors.NewInvalidValue("samples", c.Samples, "must not be negative"))
	}
	if c.SummaryBucket < 0 {
		errs.Add(errors.NewInvalidValue("summary_bucket", c.SummaryBucket, "must not be negative"))
	}
	return errs.Err()
}

// =============================================================================
// Result
// =============================================================================

// Result describes a finished run.
type Result struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	// Records counts appended records per device.
	Records map[string]int64

	Failures int64 // failed queries
	Resets   int64 // reset attempts after transport errors
	Rejected int64 // appends rejected for capacity

	Summaries []aggregate.Summary
	Mirror    sink.Stats
}

// Total returns the number of appended records.
func (r *Result) Total() int64 {
	var n int64
	for _, c := range r.Records {
		n += c
	}
	return n
}

// =============================================================================
// Runner
// =============================================================================

// Runner runs one acquisition.
type Runner struct {
	cfg     Config
	devices []device.Device
	sinks   []sink.Sink
	runID   string
	clock   clock.Clock
	log     *slog.Logger

	failures atomic.Int64
	resets   atomic.Int64
	rejected atomic.Int64

	mu      sync.Mutex
	records map[string]int64

	// completed holds bucket summaries flushed during the run. Only the
	// writer touches it until the pollers are done.
	completed []aggregate.Summary
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock driving the poll ticker.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithSinks mirrors every appended record to sinks. The runner closes
// them when the run ends.
func WithSinks(sinks ...sink.Sink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithRunID sets the run ID instead of generating one. Sinks created
// before the run use it to tag what they publish.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a runner over devices.
func New(cfg Config, devices []device.Device, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.NewMissingField("devices")
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d.Name()] {
			return nil, fmt.Errorf("duplicate device %q: %w", d.Name(), errors.ErrInvalidName)
		}
		seen[d.Name()] = true
	}

	r := &Runner{
		cfg:     cfg,
		devices: devices,
		clock:   clock.New(),
		records: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Component("acquire")
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.cfg.Mirror.Clock == nil {
		r.cfg.Mirror.Clock = r.clock
	}
	return r, nil
}

// Run activates devices that are not yet activated, polls them until the
// sample count is reached or ctx is cancelled, and closes the store.
//
// Cancellation ends the run without error. Scan failures, schema
// mismatches and store failures end it with an error; records appended
// before the error stay in the store.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: r.runID, Started: r.clock.Now()}
	ctx = logging.ContextWithRunID(ctx, res.RunID)
	log := r.log.With("run_id", res.RunID)

	for _, d := range r.devices {
		if d.State() == device.StateActivated {
			continue
		}
		if err := d.Scan(ctx); err != nil {
			return res, errors.Wrapf(err, "scan %s", d.Name())
		}
	}

	app, err := storage.Open(r.cfg.Output, r.cfg.StoreOptions...)
	if err != nil {
		return res, err
	}

	var aggOpts []aggregate.Option
	if r.cfg.SummaryBucket > 0 {
		aggOpts = append(aggOpts, aggregate.WithBucket(r.cfg.SummaryBucket))
	}
	if r.cfg.SummaryRaw {
		aggOpts = append(aggOpts, aggregate.WithRaw())
	}
	summaries := aggregate.NewManager(aggOpts...)

	var mirror *sink.Mirror
	mirrorDone := make(chan struct{})
	stopMirror := func() {}
	if len(r.sinks) > 0 {
		mirror = sink.NewMirror(r.sinks, r.cfg.Mirror)
		// The mirror outlives the pollers so it can drain what they left.
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stopMirror = cancel
		go func() {
			defer close(mirrorDone)
			mirror.Run(mctx)
		}()
	} else {
		close(mirrorDone)
	}

	log.Info("acquisition started",
		"output", app.Path(),
		"devices", len(r.devices),
		"interval", r.cfg.Interval,
		"samples", r.cfg.Samples,
		"parallel", r.cfg.Parallel)

	records := make(chan types.Record, len(r.devices))
	g, gctx := errgroup.WithContext(ctx)

	var pollers sync.WaitGroup
	if r.cfg.Parallel {
		for _, d := range r.devices {
			d := d
			pollers.Add(1)
			g.Go(func() error {
				defer pollers.Done()
				return r.pollLoop(gctx, []device.Device{d}, records)
			})
		}
	} else {
		pollers.Add(1)
		g.Go(func() error {
			defer pollers.Done()
			return r.pollLoop(gctx, r.devices, records)
		})
	}
	go func() {
		pollers.Wait()
		close(records)
	}()

	g.Go(func() error {
		return r.write(gctx, log, app, summaries, mirror, records)
	})

	runErr := g.Wait()
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		runErr = nil
	}

	if err := app.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close %s: %w", r.cfg.Output, err)
	}

	stopMirror()
	<-mirrorDone
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Warn("closing mirrors", "error", err)
		}
		res.Mirror = mirror.Stats()
	}

	res.Summaries = append(r.completed, summaries.FlushAll()...)
	aggregate.SortSummaries(res.Summaries)
	if r.cfg.SummaryPath != "" && len(res.Summaries) > 0 {
		if err := parquet.WriteSummaries(r.cfg.SummaryPath, res.Summaries, parquet.Options{}); err != nil && runErr == nil {
			runErr = err
		}
	}

	res.Finished = r.clock.Now()
	res.Failures = r.failures.Load()
	res.Resets = r.resets.Load()
	res.Rejected = r.rejected.Load()
	r.mu.Lock()
	res.Records = make(map[string]int64, len(r.records))
	for k, v := range r.records {
		res.Records[k] = v
	}
	r.mu.Unlock()

	if runErr != nil {
		log.Error("acquisition failed", "error", runErr, "records", res.Total())
		return res, runErr
	}
	log.Info("acquisition finished",
		"records", res.Total(),
		"failures", res.Failures,
		"resets", res.Resets,
		"rejected", res.Rejected,
		"duration", res.Finished.Sub(res.Started))
	return res, nil
}

// pollLoop polls devs once per interval. The first poll is immediate.
func (r *Runner) pollLoop(ctx context.Context, devs []device.Device, out chan<- types.Record) error {
	ticker := r.clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()

	for n := 0; r.cfg.Samples == 0 || n < r.cfg.Samples; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		for _, d := range devs {
			if err := r.poll(logging.ContextWithSample(ctx, uint64(n)), d, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// poll queries one device and hands the sample to the writer. A failed
// query skips the sample. With ResetOnTransportError a transport failure
// resets the device, and a device left deactivated by a failed reset is
// reset again on every later poll until it comes back.
func (r *Runner) poll(ctx context.Context, d device.Device, out chan<- types.Record) error {
	log := logging.WithContext(ctx).With("device", d.Name())

	if r.cfg.ResetOnTransportError && d.State() != device.StateActivated {
		if err := r.reset(ctx, d, log); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.failures.Add(1)
			return nil
		}
	}

	if _, err := d.Query(ctx, false); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.failures.Add(1)
		log.Warn("query failed", "error", err)

		if r.cfg.ResetOnTransportError && errors.IsTransport(err) {
			r.reset(ctx, d, log)
		}
		return nil
	}

	rec, err := d.LastRecord()
	if err != nil {
		return err
	}
	select {
	case out <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) reset(ctx context.Context, d device.Device, log *slog.Logger) error {
	r.resets.Add(1)
	if err := d.Reset(ctx); err != nil {
		log.Warn("reset failed", "error", err)
		return err
	}
	log.Info("device reset")
	return nil
}

// write appends records until the pollers are done. Capacity rejections
// are counted and skipped; every other store error ends the run. With a
// summary bucket set, each bucket is logged as soon as a later record
// completes it.
func (r *Runner) write(ctx context.Context, log *slog.Logger, app storage.Appender, summaries *aggregate.Manager, mirror *sink.Mirror, records <-chan types.Record) error {
	for rec := range records {
		if err := app.Append(rec); err != nil {
			if errors.Is(err, errors.ErrCapacityExhausted) {
				r.rejected.Add(1)
				continue
			}
			// Unblock pollers waiting to send.
			go func() {
				for range records {
				}
			}()
			return errors.Wrapf(err, "append %s", rec.Device)
		}

		r.mu.Lock()
		r.records[rec.Device]++
		r.mu.Unlock()

		summaries.Process(rec)
		for _, s := range summaries.FlushCompleted() {
			log.Info("summary bucket completed",
				"series", s.Key(),
				"bucket_start", time.UnixMilli(s.BucketStart).UTC(),
				"count", s.Count,
				"mean", s.Mean)
			r.completed = append(r.completed, s)
		}
		if mirror != nil {
			mirror.Offer(rec)
		}
	}
	return ctx.Err()
}
