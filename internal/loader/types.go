// Package loader - Configuration Types
//
// Defines the YAML acquisition file read by labstalker.
//
//	output:    store path (.h5/.hdf5 binary, .txt/.csv/.log text)
//	interval:  time between polls of one device
//	samples:   polls per device, 0 until interrupted
//	store:     capacity and durability of the store
//	summary:   per-channel summaries written at the end of a run
//	mirror:    live MQTT / InfluxDB copies of every record
//	devices:   params (fixed at discovery) and config (mutable) per device
package loader

import (
	"strconv"
	"time"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/sink"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root of an acquisition file.
type Config struct {
	// Output is the store path. The extension selects the format.
	Output string `yaml:"output"`

	// Interval is the time between polls of one device.
	// Default: 1s
	Interval Duration `yaml:"interval"`

	// Samples is the number of polls per device; 0 runs until interrupted.
	// Default: 0
	Samples int `yaml:"samples"`

	// Parallel polls each device from its own goroutine.
	// Default: false
	Parallel bool `yaml:"parallel"`

	// ResetOnError resets a device after a transport failure.
	// Default: false
	ResetOnError bool `yaml:"reset_on_error"`

	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Summary SummaryConfig `yaml:"summary"`
	Mirror  MirrorConfig  `yaml:"mirror"`

	Devices []DeviceConfig `yaml:"devices"`
}

// StoreConfig configures the store.
type StoreConfig struct {
	// MaxRecords is the capacity of new binary datasets.
	// Default: 4096
	MaxRecords int `yaml:"max_records"`

	// SyncMode determines durability vs. performance.
	//   async  - buffer appends, flush on close
	//   sync   - flush after each append
	//   fsync  - fsync after each append
	// Default: sync
	SyncMode string `yaml:"sync_mode"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text, json, or auto (json when stderr is not a terminal).
	// Default: auto
	Format string `yaml:"format"`
}

// SummaryConfig configures per-channel summaries.
type SummaryConfig struct {
	// Path receives the summaries as Parquet. Empty disables the file;
	// summaries are still logged.
	Path string `yaml:"path"`

	// Bucket splits summaries into time buckets; 0 summarizes the run.
	Bucket Duration `yaml:"bucket"`

	// Raw also summarizes raw values.
	Raw bool `yaml:"raw"`
}

// MirrorConfig configures live mirrors. Without mqtt or influx nothing
// is mirrored.
type MirrorConfig struct {
	// BufferSize is the queue between acquisition and the mirror worker.
	// Default: 1024
	BufferSize int `yaml:"buffer_size"`

	// BatchSize is how many records the worker drains at once.
	// Default: 64
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often the worker drains the queue.
	// Default: 500ms
	FlushInterval Duration `yaml:"flush_interval"`

	MQTT   *sink.MQTTConfig   `yaml:"mqtt,omitempty"`
	Influx *sink.InfluxConfig `yaml:"influx,omitempty"`
}

// DeviceConfig is one device: its hardware params inline, and its
// initial configuration.
type DeviceConfig struct {
	device.Params `yaml:",inline"`

	Config device.Config `yaml:"config"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration an empty file yields.
func DefaultConfig() *Config {
	return &Config{
		Interval: Duration(config.DefaultInterval),
		Samples:  config.DefaultSamples,
		Store: StoreConfig{
			MaxRecords: config.DefaultMaxRecords,
			SyncMode:   config.DefaultSyncMode,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Mirror: MirrorConfig{
			BufferSize:    config.DefaultMirrorBufferSize,
			BatchSize:     config.DefaultMirrorBatchSize,
			FlushInterval: Duration(config.DefaultMirrorFlushInterval),
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Plain numbers are seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
