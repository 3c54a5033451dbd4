package testing

import (
	"context"
	"sync"

	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// FakeDriver is a scriptable device.Driver.
//
// Reads are served from Script in order; the last entry repeats once the
// script is exhausted. Errors set on the fields are returned by the matching
// call until cleared. ProbeErrs and ReadErrs are consumed one entry per
// call, a nil entry letting that call proceed, which scripts outages of a
// given length. FakeDriver is safe for concurrent use.
type FakeDriver struct {
	mu sync.Mutex

	Info   []device.ChannelInfo
	Script [][]types.Value

	// Derived params filled in by Probe.
	Address string

	ProbeErr error
	OpenErr  error
	ReadErr  error
	ApplyErr error

	ProbeErrs []error
	ReadErrs  []error

	Calls   map[string]int
	Applied []device.Config
	open    bool
	reads   int
}

var _ device.Driver = (*FakeDriver)(nil)

// NewFakeDriver returns a driver that reads the given sample sets.
func NewFakeDriver(script ...[]types.Value) *FakeDriver {
	return &FakeDriver{Script: script, Calls: make(map[string]int)}
}

// Scalars is shorthand for a sample set of scalar readings.
func Scalars(v ...float64) []types.Value {
	out := make([]types.Value, len(v))
	for i, x := range v {
		out[i] = types.Scalar(x)
	}
	return out
}

func (f *FakeDriver) call(name string) {
	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}
	f.Calls[name]++
}

// next pops the first queued error.
func next(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

// Count returns how often a method was called.
func (f *FakeDriver) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

// Set runs fn with the driver locked, for changing the script or errors
// while an instrument uses the driver.
func (f *FakeDriver) Set(fn func(f *FakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// IsOpen reports whether Open was called more recently than Close.
func (f *FakeDriver) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *FakeDriver) Probe(_ context.Context, p *device.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Probe")
	if err := next(&f.ProbeErrs); err != nil {
		return err
	}
	if f.ProbeErr != nil {
		return f.ProbeErr
	}
	if f.Address != "" {
		p.Address = f.Address
	}
	return nil
}

func (f *FakeDriver) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Open")
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.open = true
	return nil
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Close")
	f.open = false
	return nil
}

func (f *FakeDriver) Channels(context.Context) ([]device.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Channels")
	return append([]device.ChannelInfo(nil), f.Info...), nil
}

func (f *FakeDriver) Read(context.Context) ([]types.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Read")
	if err := next(&f.ReadErrs); err != nil {
		return nil, err
	}
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	if len(f.Script) == 0 {
		return nil, nil
	}
	i := min(f.reads, len(f.Script)-1)
	f.reads++

	out := make([]types.Value, len(f.Script[i]))
	for j, v := range f.Script[i] {
		out[j] = v.Clone()
	}
	return out, nil
}

func (f *FakeDriver) Apply(_ context.Context, cfg device.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Apply")
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Applied = append(f.Applied, cfg.Clone())
	return nil
}
