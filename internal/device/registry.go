package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/labstalker/internal/errors"
)

// Factory creates a driver for the given params.
type Factory func(p Params) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available to Build under name. It is meant to be
// called from driver package init functions and panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("device: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("device: Register called twice for driver " + name)
	}
	registry[name] = f
}

// Drivers returns the registered driver names in order.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates an instrument through the driver registry. When p.Driver is
// empty the driver is looked up in the known hardware table by vendor,
// product and serial.
func Build(p Params, opts ...Option) (*Instrument, error) {
	p = p.Clone()
	if p.Driver == "" {
		hw, ok := LookupHardware(p.VendorID, p.ProductID, p.Serial)
		if !ok {
			return nil, fmt.Errorf("device %q: no driver for %04x:%04x: %w",
				p.Name, p.VendorID, p.ProductID, errors.ErrDriverNotFound)
		}
		p.Driver = hw.Driver
		for k, v := range hw.Extra {
			if _, set := p.Extra[k]; !set {
				if p.Extra == nil {
					p.Extra = make(map[string]string)
				}
				p.Extra[k] = v
			}
		}
	}

	registryMu.RLock()
	f, ok := registry[p.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %q: driver %q: %w", p.Name, p.Driver, errors.ErrDriverNotFound)
	}

	drv, err := f(p)
	if err != nil {
		return nil, errors.Wrapf(err, "device %q: driver %q", p.Name, p.Driver)
	}
	return New(drv, p, opts...)
}
