package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/labstalker/internal/calib"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/validation"
)

// Instrument implements Device on top of a Driver.
//
// Lifecycle operations are serialized. Accessors may be called at any time
// and return copies.
type Instrument struct {
	name      string
	driver    Driver
	clock     clock.Clock
	log       *slog.Logger
	health    *Health
	storeOpts []storage.Option

	// initial holds construction-time config overrides, applied by index
	// as channels are discovered.
	initial Config

	opMu   sync.Mutex
	resets singleflight.Group

	mu          sync.RWMutex
	state       State
	connected   bool
	probed      bool
	established bool
	params      Params
	rawUnits    []string
	cfg         Config
	last        *Sample
}

var _ Device = (*Instrument)(nil)

// Option configures an Instrument.
type Option func(*Instrument)

// WithClock sets the clock used for sample timestamps.
func WithClock(c clock.Clock) Option {
	return func(d *Instrument) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Instrument) { d.log = l }
}

// WithConfig sets config overrides. Entries apply by channel index when
// the channel is first discovered; Extra applies immediately.
func WithConfig(c Config) Option {
	return func(d *Instrument) { d.initial = c.Clone() }
}

// WithStoreOptions sets the options Log passes to the store.
func WithStoreOptions(opts ...storage.Option) Option {
	return func(d *Instrument) { d.storeOpts = append(d.storeOpts, opts...) }
}

// New creates an uninitialized instrument. params is copied.
func New(driver Driver, params Params, opts ...Option) (*Instrument, error) {
	if driver == nil {
		return nil, errors.NewMissingField("driver")
	}
	if err := validation.ValidateDeviceName(params.Name); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidName, "device %q: %v", params.Name, err)
	}

	d := &Instrument{
		name:   params.Name,
		driver: driver,
		clock:  clock.New(),
		params: params.Clone(),
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.Component("device").With("device", d.name)
	}
	d.health = newHealth(d.clock)
	d.cfg.Extra = d.initial.Extra

	if !calib.Finite(d.initial.Scale) || !calib.Finite(d.initial.Offset) {
		return nil, &errors.ConfigurationError{Device: d.name, Field: "scale/offset", Reason: "not finite"}
	}
	return d, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Name returns the device name.
func (d *Instrument) Name() string {
	return d.name
}

// State returns the lifecycle state.
func (d *Instrument) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Connected reports whether the channel is open.
func (d *Instrument) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Params returns a copy of the params, including derived fields.
func (d *Instrument) Params() Params {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.Clone()
}

// Config returns a copy of the current config.
func (d *Instrument) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Clone()
}

// NumChannels returns the number of established channels.
func (d *Instrument) NumChannels() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cfg.ChannelNames)
}

// Channels returns the channel descriptors.
func (d *Instrument) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Channel, len(d.cfg.ChannelNames))
	for i := range out {
		out[i] = Channel{
			Index:   i,
			Name:    d.cfg.ChannelNames[i],
			RawUnit: d.rawUnits[i],
			EngUnit: d.cfg.EngUnits[i],
			Scale:   d.cfg.Scale[i],
			Offset:  d.cfg.Offset[i],
		}
	}
	return out
}

// Last returns the last sample.
func (d *Instrument) Last() (Sample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return Sample{}, false
	}
	return Sample{
		Timestamp: d.last.Timestamp,
		Raw:       cloneValues(d.last.Raw),
		Scaled:    cloneValues(d.last.Scaled),
	}, true
}

// Health returns the health counters.
func (d *Instrument) Health() HealthSnapshot {
	return d.health.Snapshot()
}

func (d *Instrument) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Scan probes the hardware. On success the device is activated. On failure
// the state is left as it was and the error satisfies errors.IsNotFound.
func (d *Instrument) Scan(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.scanLocked(ctx)
}

func (d *Instrument) scanLocked(ctx context.Context) error {
	prev := d.State()
	if prev == StateActivated {
		return nil
	}

	d.setState(StateScanning)
	p := d.Params()
	if err := d.driver.Probe(ctx, &p); err != nil {
		d.setState(prev)
		err = fmt.Errorf("%s: probe: %w: %w", d.name, errors.ErrDeviceNotFound, err)
		d.log.Warn("device not found", "error", err)
		return err
	}

	p.Name = d.name
	d.mu.Lock()
	d.params = p
	d.probed = true
	d.mu.Unlock()

	return d.activateLocked(ctx)
}

// Activate opens a previously probed device and establishes its channels.
func (d *Instrument) Activate(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.RLock()
	st, probed := d.state, d.probed
	d.mu.RUnlock()

	if st == StateActivated {
		return nil
	}
	if !probed {
		return fmt.Errorf("%s: activate before scan: %w", d.name, errors.ErrInvalidState)
	}
	return d.activateLocked(ctx)
}

func (d *Instrument) activateLocked(ctx context.Context) error {
	if err := d.driver.Open(ctx); err != nil {
		d.setState(StateDeactivated)
		err = d.transportError("open", err)
		d.log.Warn("activation failed", "error", err)
		return err
	}

	d.mu.Lock()
	d.established = false
	cfg := d.cfg.Clone()
	d.mu.Unlock()

	// A reactivated device gets its settings back.
	if len(cfg.ChannelNames) > 0 {
		if err := d.driver.Apply(ctx, cfg); err != nil {
			d.abortActivation()
			err = &errors.ConfigurationError{Device: d.name, Field: "config", Reason: "rejected on activation", Err: err}
			d.log.Warn("activation failed", "error", err)
			return err
		}
	}

	if _, err := d.queryLocked(ctx, true); err != nil {
		d.abortActivation()
		d.health.RecordFailure(err.Error())
		d.log.Warn("activation failed", "error", err)
		return err
	}
	d.health.RecordSuccess()

	d.mu.Lock()
	d.connected = true
	d.state = StateActivated
	n := len(d.cfg.ChannelNames)
	d.mu.Unlock()

	d.log.Info("device activated", "channels", n)
	return nil
}

func (d *Instrument) abortActivation() {
	if err := d.driver.Close(); err != nil {
		d.log.Debug("close after failed activation", "error", err)
	}
	d.mu.Lock()
	d.connected = false
	d.state = StateDeactivated
	d.mu.Unlock()
}

// Deactivate releases the channel. Repeated calls are no-ops.
func (d *Instrument) Deactivate() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.deactivateLocked()
}

func (d *Instrument) deactivateLocked() error {
	d.mu.Lock()
	if d.state != StateActivated {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	d.established = false
	d.state = StateDeactivated
	d.mu.Unlock()

	if err := d.driver.Close(); err != nil {
		return d.transportError("close", err)
	}
	d.log.Info("device deactivated")
	return nil
}

// Reset deactivates the device and scans again. Concurrent calls collapse
// into one. On failure the device stays deactivated.
func (d *Instrument) Reset(ctx context.Context) error {
	_, err, _ := d.resets.Do(d.name, func() (interface{}, error) {
		d.opMu.Lock()
		defer d.opMu.Unlock()

		if err := d.deactivateLocked(); err != nil {
			d.log.Debug("close during reset", "error", err)
		}
		if err := d.scanLocked(ctx); err != nil {
			d.log.Warn("reset failed", "error", err)
			return nil, err
		}
		return nil, nil
	})
	return err
}

// =============================================================================
// Configuration
// =============================================================================

// ApplyConfig pushes the current config to the hardware.
func (d *Instrument) ApplyConfig(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.RLock()
	st := d.state
	cfg := d.cfg.Clone()
	d.mu.RUnlock()

	if st != StateActivated {
		return fmt.Errorf("%s: apply config in state %s: %w", d.name, st, errors.ErrNotActivated)
	}
	if err := d.driver.Apply(ctx, cfg); err != nil {
		return &errors.ConfigurationError{Device: d.name, Field: "config", Reason: "rejected by hardware", Err: err}
	}
	return nil
}

// UpdateConfig runs mutate on a copy of the config, validates the copy,
// pushes it to the hardware when connected and only then commits it. On any
// failure the config is unchanged and a ConfigurationError is returned.
func (d *Instrument) UpdateConfig(ctx context.Context, mutate func(*Config)) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.RLock()
	next := d.cfg.Clone()
	n := len(d.cfg.ChannelNames)
	connected := d.state == StateActivated
	d.mu.RUnlock()

	if n == 0 {
		return &errors.ConfigurationError{Device: d.name, Field: "config", Reason: "no channels established yet"}
	}

	mutate(&next)
	if err := next.validate(d.name, n); err != nil {
		d.log.Warn("config rejected", "error", err)
		return err
	}

	if connected {
		if err := d.driver.Apply(ctx, next.Clone()); err != nil {
			err = &errors.ConfigurationError{Device: d.name, Field: "config", Reason: "rejected by hardware", Err: err}
			d.log.Warn("config rejected", "error", err)
			return err
		}
	}

	d.mu.Lock()
	d.cfg = next
	d.mu.Unlock()

	d.log.Info("config updated")
	return nil
}

// =============================================================================
// Query
// =============================================================================

// Query reads one sample set. With reset, or on the first call after
// activation, the channel metadata is re-established first.
//
// Channels the driver could not read are NaN after scaling. Channels the
// poll did not report at all are padded with NaN; the channel count never
// shrinks. Only a failed transport returns an error.
func (d *Instrument) Query(ctx context.Context, reset bool) ([]types.Value, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if st := d.State(); st != StateActivated {
		return nil, fmt.Errorf("%s: query in state %s: %w", d.name, st, errors.ErrNotActivated)
	}

	d.setState(StateQuerying)
	raw, err := d.queryLocked(ctx, reset)
	d.setState(StateActivated)

	if err != nil {
		d.health.RecordFailure(err.Error())
		d.log.Warn("query failed", "error", err)
		return nil, err
	}
	d.health.RecordSuccess()
	return raw, nil
}

func (d *Instrument) queryLocked(ctx context.Context, reset bool) ([]types.Value, error) {
	d.mu.RLock()
	established := d.established
	d.mu.RUnlock()

	if reset || !established {
		info, err := d.driver.Channels(ctx)
		if err != nil {
			return nil, d.transportError("channels", err)
		}
		d.mu.Lock()
		d.growTo(max(len(info), len(d.params.ChannelNames), d.params.NChannels), info)
		d.established = true
		d.mu.Unlock()
	}

	values, err := d.driver.Read(ctx)
	if err != nil {
		return nil, d.transportError("read", err)
	}
	ts := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(values) > len(d.cfg.ChannelNames) {
		d.growTo(len(values), nil)
	}

	n := len(d.cfg.ChannelNames)
	raw := make([]types.Value, n)
	for i := range raw {
		switch {
		case i < len(values):
			raw[i] = values[i].Clone()
		case d.last != nil && i < len(d.last.Raw):
			raw[i] = nanLike(d.last.Raw[i])
		default:
			raw[i] = types.NaN()
		}
	}

	d.last = &Sample{
		Timestamp: ts,
		Raw:       raw,
		Scaled:    calib.Scale(raw, d.cfg.Scale, d.cfg.Offset),
	}
	return cloneValues(raw), nil
}

// growTo extends every per-channel slice in lockstep to n entries.
// Existing entries are never touched. Must be called with mu held.
func (d *Instrument) growTo(n int, info []ChannelInfo) {
	for i := len(d.cfg.ChannelNames); i < n; i++ {
		name := pick(i, d.initial.ChannelNames, d.params.ChannelNames)
		if name == "" && i < len(info) {
			name = info[i].Name
		}
		if name == "" {
			name = fmt.Sprintf("Value%d", i+1)
		}
		name = d.uniqueName(name)

		rawUnit := pick(i, d.params.RawUnits)
		if rawUnit == "" && i < len(info) {
			rawUnit = info[i].RawUnit
		}
		engUnit := pick(i, d.initial.EngUnits)
		if engUnit == "" {
			engUnit = rawUnit
		}

		scale, offset := 1.0, 0.0
		if i < len(d.initial.Scale) {
			scale = d.initial.Scale[i]
		}
		if i < len(d.initial.Offset) {
			offset = d.initial.Offset[i]
		}

		d.cfg.ChannelNames = append(d.cfg.ChannelNames, name)
		d.rawUnits = append(d.rawUnits, rawUnit)
		d.cfg.EngUnits = append(d.cfg.EngUnits, engUnit)
		d.cfg.Scale = append(d.cfg.Scale, scale)
		d.cfg.Offset = append(d.cfg.Offset, offset)
	}
	if len(d.cfg.ChannelNames) > d.params.NChannels {
		d.params.NChannels = len(d.cfg.ChannelNames)
	}
}

func (d *Instrument) uniqueName(name string) string {
	if !slices.Contains(d.cfg.ChannelNames, name) {
		return name
	}
	for k := 2; ; k++ {
		candidate := fmt.Sprintf("%s_%d", name, k)
		if !slices.Contains(d.cfg.ChannelNames, candidate) {
			return candidate
		}
	}
}

// pick returns the first non-empty i-th entry of the given lists.
func pick(i int, lists ...[]string) string {
	for _, l := range lists {
		if i < len(l) && l[i] != "" {
			return l[i]
		}
	}
	return ""
}

// nanLike returns a NaN reading with the shape of v so padded channels keep
// their stored shape.
func nanLike(v types.Value) types.Value {
	switch v.Kind {
	case types.KindVector, types.KindImage:
		c := v.Clone()
		for i := range c.Data {
			c.Data[i] = math.NaN()
		}
		return c
	default:
		return types.NaN()
	}
}

func cloneValues(vs []types.Value) []types.Value {
	out := make([]types.Value, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out
}

func (d *Instrument) transportError(op string, err error) error {
	var te *errors.TransportError
	if errors.As(err, &te) {
		return err
	}
	return errors.NewTransport(d.name, op, err)
}

// =============================================================================
// Logging to a store
// =============================================================================

// LastRecord returns the last sample with the current metadata and
// attribute snapshot.
func (d *Instrument) LastRecord() (types.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.last == nil {
		return types.Record{}, fmt.Errorf("%s: %w", d.name, errors.ErrNoSample)
	}
	// Channels established after the sample (a reset whose read failed)
	// are not part of it.
	n := len(d.last.Raw)
	return types.Record{
		Device:    d.name,
		Attrs:     attributes(d.params, d.cfg),
		Channels:  slices.Clone(d.cfg.ChannelNames[:n]),
		RawUnits:  slices.Clone(d.rawUnits[:n]),
		EngUnits:  slices.Clone(d.cfg.EngUnits[:n]),
		Timestamp: d.last.Timestamp,
		Raw:       cloneValues(d.last.Raw),
		Scaled:    cloneValues(d.last.Scaled),
	}, nil
}

// Log appends the last sample to the store at path. The format is chosen
// by extension.
func (d *Instrument) Log(path string) error {
	rec, err := d.LastRecord()
	if err != nil {
		return err
	}
	if err := storage.Append(path, rec, d.storeOpts...); err != nil {
		return errors.Wrapf(err, "%s: log to %s", d.name, path)
	}
	return nil
}
