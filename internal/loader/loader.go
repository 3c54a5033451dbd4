// Package loader loads and validates acquisition files and turns them into
// devices, mirrors and runner settings.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/labstalker/internal/acquire"
	"github.com/xtxerr/labstalker/internal/calib"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/sink"
	"github.com/xtxerr/labstalker/internal/storage"
	"github.com/xtxerr/labstalker/internal/storage/wal"
	"github.com/xtxerr/labstalker/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads an acquisition file. Environment variables are expanded
// before parsing; unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses an acquisition file.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration and reports every problem found.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Output == "" {
		errs.AddMissing("output")
	} else if _, err := validation.OutputFormat(cfg.Output); err != nil {
		errs.AddField("output", err.Error())
	}
	if cfg.Interval.Duration() <= 0 {
		errs.AddField("interval", "must be positive")
	}
	if cfg.Samples < 0 {
		errs.AddField("samples", "cannot be negative")
	}

	// Store validation
	if cfg.Store.MaxRecords <= 0 {
		errs.AddField("store.max_records", "must be positive")
	}
	switch cfg.Store.SyncMode {
	case wal.SyncAsync, wal.SyncSync, wal.SyncFsync:
	default:
		errs.AddField("store.sync_mode", fmt.Sprintf("%q is not async, sync or fsync", cfg.Store.SyncMode))
	}

	switch cfg.Logging.Format {
	case "", "auto", "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("%q is not auto, text or json", cfg.Logging.Format))
	}

	if cfg.Summary.Bucket.Duration() < 0 {
		errs.AddField("summary.bucket", "cannot be negative")
	}

	// Mirror validation
	if cfg.Mirror.BufferSize <= 0 {
		errs.AddField("mirror.buffer_size", "must be positive")
	}
	if cfg.Mirror.BatchSize <= 0 {
		errs.AddField("mirror.batch_size", "must be positive")
	}
	if cfg.Mirror.MQTT != nil {
		errs.Add(cfg.Mirror.MQTT.Validate())
	}
	if cfg.Mirror.Influx != nil {
		errs.Add(cfg.Mirror.Influx.Validate())
	}

	// Device validation
	if len(cfg.Devices) == 0 {
		errs.AddField("devices", "at least one device is required")
	}
	seen := make(map[string]bool)
	for i, d := range cfg.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		if err := validation.ValidateDeviceName(d.Name); err != nil {
			errs.AddField(field+".name", err.Error())
		} else if seen[d.Name] {
			errs.AddField(field+".name", fmt.Sprintf("duplicate device %q", d.Name))
		}
		seen[d.Name] = true

		if d.Driver == "" && d.VendorID == 0 {
			errs.AddField(field+".driver", "driver or vendor_id is required")
		}
		for j, ch := range d.Config.ChannelNames {
			if err := validation.ValidateChannelName(ch); err != nil {
				errs.AddField(fmt.Sprintf("%s.config.channel_names[%d]", field, j), err.Error())
			}
		}
		if !calib.Finite(d.Config.Scale) || !calib.Finite(d.Config.Offset) {
			errs.AddField(field+".config", "scale and offset must be finite")
		}
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// StoreOptions returns the options stores are opened with.
func (c *Config) StoreOptions() []storage.Option {
	return []storage.Option{
		storage.WithMaxRecords(c.Store.MaxRecords),
		storage.WithSyncMode(c.Store.SyncMode),
	}
}

// Acquire returns the runner settings.
func (c *Config) Acquire() acquire.Config {
	return acquire.Config{
		Output:                c.Output,
		Interval:              c.Interval.Duration(),
		Samples:               c.Samples,
		Parallel:              c.Parallel,
		ResetOnTransportError: c.ResetOnError,
		StoreOptions:          c.StoreOptions(),
		SummaryPath:           c.Summary.Path,
		SummaryBucket:         c.Summary.Bucket.Duration(),
		SummaryRaw:            c.Summary.Raw,
		Mirror: sink.MirrorOptions{
			BufferSize:    c.Mirror.BufferSize,
			BatchSize:     c.Mirror.BatchSize,
			FlushInterval: c.Mirror.FlushInterval.Duration(),
		},
	}
}

// BuildDevices builds every configured device through the driver registry.
// Devices are returned uninitialized, in file order.
func BuildDevices(cfg *Config, opts ...device.Option) ([]device.Device, error) {
	devs := make([]device.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		dopts := append([]device.Option{
			device.WithConfig(dc.Config),
			device.WithStoreOptions(cfg.StoreOptions()...),
		}, opts...)
		d, err := device.Build(dc.Params, dopts...)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// Sinks connects the configured mirrors. On error every sink connected so
// far is closed.
func Sinks(cfg *Config, runID string) ([]sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if cfg.Mirror.MQTT != nil {
		m, err := sink.NewMQTT(*cfg.Mirror.MQTT, runID)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, m)
	}
	if cfg.Mirror.Influx != nil {
		s, err := sink.NewInflux(*cfg.Mirror.Influx, runID)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
