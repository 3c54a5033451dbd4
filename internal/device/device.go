// Package device implements the lifecycle every instrument goes through.
//
// An Instrument wraps a Driver, which knows only how to talk to one kind of
// hardware, and adds what every instrument shares: the state machine, the
// per-channel metadata that only ever grows, calibration into engineering
// units, health tracking and logging to a store.
//
//	Uninitialized -> Scan -> Activated <-> Querying
//	                           |
//	                      Deactivate -> Deactivated -> Reset -> Scanning
package device

import (
	"context"
	"time"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// State is the lifecycle state of a device.
type State string

const (
	// StateUninitialized is the state of a freshly constructed device.
	StateUninitialized State = "uninitialized"

	// StateScanning indicates a probe of the hardware path is in progress.
	StateScanning State = "scanning"

	// StateActivated indicates the channel is open and ready to query.
	StateActivated State = "activated"

	// StateQuerying indicates a query is in progress.
	StateQuerying State = "querying"

	// StateDeactivated indicates the channel was released.
	StateDeactivated State = "deactivated"
)

// Device is the contract every instrument satisfies.
type Device interface {
	Name() string
	State() State

	// Scan probes the hardware and activates the device on success.
	Scan(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate() error
	Reset(ctx context.Context) error

	// ApplyConfig pushes the current configuration to the hardware.
	ApplyConfig(ctx context.Context) error
	// UpdateConfig changes the configuration all-or-nothing.
	UpdateConfig(ctx context.Context, mutate func(*Config)) error

	// Query reads one sample set and returns the raw values.
	Query(ctx context.Context, reset bool) ([]types.Value, error)
	// LastRecord returns the last sample as a store record.
	LastRecord() (types.Record, error)
	// Log appends the last sample to the store at path.
	Log(path string) error
}

// ChannelInfo is what a driver knows about one channel.
// Empty fields leave the instrument's defaults in place.
type ChannelInfo struct {
	Name    string
	RawUnit string
}

// Driver is the hardware-specific part of an instrument.
//
// Drivers enforce their own transport timeouts. Read reports an unreadable
// channel as types.None() and returns an error only when the transport as a
// whole failed.
type Driver interface {
	// Probe checks that the hardware is reachable. It may fill derived
	// fields of p (resolved address, discovered channel count).
	Probe(ctx context.Context, p *Params) error
	Open(ctx context.Context) error
	Close() error

	// Channels reports the live channel metadata. It is called on the first
	// query and on every query with reset.
	Channels(ctx context.Context) ([]ChannelInfo, error)
	Read(ctx context.Context) ([]types.Value, error)

	// Apply pushes settings to the hardware. Drivers without settings
	// return nil.
	Apply(ctx context.Context, cfg Config) error
}

// Channel describes one channel of a device.
type Channel struct {
	Index   int
	Name    string
	RawUnit string
	EngUnit string
	Scale   float64
	Offset  float64
}

// Sample is the result of one successful query.
type Sample struct {
	Timestamp time.Time
	Raw       []types.Value
	Scaled    []types.Value
}
