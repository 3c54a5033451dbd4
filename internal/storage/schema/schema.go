// Package schema freezes what a store accepts for each device.
//
// The first append of a device fixes its attribute snapshot and, per
// channel and role, the shape of the first sample that is not absent. Every later append is
// checked against those shapes. Stores rebuild a Registry from their file
// when opened, so the freeze survives restarts.
package schema

import (
	"fmt"
	"maps"
	"math"
	"sync"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/validation"
)

// Role names the two series every channel stores.
type Role string

const (
	RoleRaw    Role = "Raw values"
	RoleScaled Role = "Scaled values"
)

// Roles lists the roles in storage order.
var Roles = []Role{RoleRaw, RoleScaled}

// ChannelSchema is the frozen description of one channel.
type ChannelSchema struct {
	Name    string
	RawUnit string
	EngUnit string
	Raw     types.Shape
	Scaled  types.Shape
}

// Shape returns the frozen shape for a role.
func (c *ChannelSchema) Shape(r Role) types.Shape {
	if r == RoleScaled {
		return c.Scaled
	}
	return c.Raw
}

// DeviceSchema is the frozen description of one device.
type DeviceSchema struct {
	Device   string
	Attrs    map[string]string
	channels map[string]*ChannelSchema
	order    []string
}

// Channel returns the frozen channel, if any.
func (d *DeviceSchema) Channel(name string) (*ChannelSchema, bool) {
	c, ok := d.channels[name]
	return c, ok
}

// Channels returns the channel names in the order they were frozen.
func (d *DeviceSchema) Channels() []string {
	return append([]string(nil), d.order...)
}

// Registry holds the schemas of all devices of one store.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*DeviceSchema)}
}

// Device returns the schema of a device, if frozen.
func (r *Registry) Device(name string) (*DeviceSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// Devices returns the number of frozen devices.
func (r *Registry) Devices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Check validates rec against the frozen schema without changing it.
// Unknown devices and channels pass; they are frozen by Observe.
func (r *Registry) Check(rec *types.Record) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[rec.Device]
	if !ok {
		return nil
	}
	for i, ch := range rec.Channels {
		c, ok := d.channels[ch]
		if !ok {
			continue
		}
		if err := check(rec.Device, ch, RoleRaw, c.Raw, rec.Raw[i]); err != nil {
			return err
		}
		if err := check(rec.Device, ch, RoleScaled, c.Scaled, rec.Scaled[i]); err != nil {
			return err
		}
	}
	return nil
}

// Observe freezes everything rec introduces: the device with its
// attributes on first sight, and every channel not seen before.
// It returns the channels that were new.
func (r *Registry) Observe(rec *types.Record) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[rec.Device]
	if !ok {
		d = &DeviceSchema{
			Device:   rec.Device,
			Attrs:    maps.Clone(rec.Attrs),
			channels: make(map[string]*ChannelSchema),
		}
		r.devices[rec.Device] = d
	}

	var added []string
	for i, ch := range rec.Channels {
		if c, ok := d.channels[ch]; ok {
			if c.Raw.IsZero() {
				c.Raw = shapeOf(rec.Raw[i])
			}
			if c.Scaled.IsZero() {
				c.Scaled = shapeOf(rec.Scaled[i])
			}
			continue
		}
		d.channels[ch] = &ChannelSchema{
			Name:    ch,
			RawUnit: rec.RawUnits[i],
			EngUnit: rec.EngUnits[i],
			Raw:     shapeOf(rec.Raw[i]),
			Scaled:  shapeOf(rec.Scaled[i]),
		}
		d.order = append(d.order, ch)
		added = append(added, ch)
	}
	return added
}

// shapeOf is the shape v freezes a role to. Absent values leave the role
// unfrozen until the first real reading arrives.
func shapeOf(v types.Value) types.Shape {
	if IsAbsent(v) {
		return types.Shape{}
	}
	return types.ShapeOf(v)
}

// IsNew reports whether the device has not been frozen yet.
func (r *Registry) IsNew(device string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[device]
	return !ok
}

// RestoreDevice registers a device read back from a store file.
func (r *Registry) RestoreDevice(device string, attrs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[device]; ok {
		return
	}
	r.devices[device] = &DeviceSchema{
		Device:   device,
		Attrs:    maps.Clone(attrs),
		channels: make(map[string]*ChannelSchema),
	}
}

// RestoreChannel registers the shape of one channel role read back from a
// store file. The device must have been restored first.
func (r *Registry) RestoreChannel(device, channel string, role Role, unit string, shape types.Shape) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[device]
	if !ok {
		return
	}
	c, ok := d.channels[channel]
	if !ok {
		c = &ChannelSchema{Name: channel}
		d.channels[channel] = c
		d.order = append(d.order, channel)
	}
	if role == RoleScaled {
		c.Scaled = shape
		c.EngUnit = unit
	} else {
		c.Raw = shape
		c.RawUnit = unit
	}
}

// check applies the compatibility rules of a frozen shape to a value.
func check(device, channel string, role Role, frozen types.Shape, v types.Value) error {
	if frozen.IsZero() || Compatible(frozen, v) {
		return nil
	}
	return &errors.SchemaMismatchError{
		Device:   device,
		Channel:  channel,
		Role:     string(role),
		Expected: frozen.String(),
		Actual:   types.ShapeOf(v).String(),
	}
}

// Compatible reports whether v may be written to a dataset frozen as frozen.
//
//   - float scalars take numbers and absent values (written as NaN)
//   - string scalars take any scalar, written as its string form
//   - vectors take vectors of the same length; absent values and NaN
//     scalars fill the slot with NaN
//   - images take frames of any size; absent values skip the frame
func Compatible(frozen types.Shape, v types.Value) bool {
	switch frozen.Class {
	case types.ClassScalar:
		switch v.Kind {
		case types.KindScalar, types.KindNone:
			return true
		case types.KindText:
			return frozen.DType == types.DTypeString
		}
		return false
	case types.ClassVector:
		if IsAbsent(v) {
			return true
		}
		return v.Kind == types.KindVector && len(frozen.Dims) == 1 && len(v.Data) == frozen.Dims[0]
	case types.ClassImage:
		return v.Kind == types.KindImage || IsAbsent(v)
	}
	return false
}

// IsAbsent reports whether v marks a missing reading: no value at all, or
// the NaN a failed read is scaled to.
func IsAbsent(v types.Value) bool {
	return v.Kind == types.KindNone || (v.Kind == types.KindScalar && math.IsNaN(v.Num))
}

// ValidateRecord checks the internal consistency of a record.
func ValidateRecord(rec *types.Record) error {
	if err := validation.ValidateDeviceName(rec.Device); err != nil {
		return fmt.Errorf("device %q: %v: %w", rec.Device, err, errors.ErrInvalidName)
	}
	n := len(rec.Channels)
	if len(rec.RawUnits) != n || len(rec.EngUnits) != n || len(rec.Raw) != n || len(rec.Scaled) != n {
		return fmt.Errorf("record %s: %d channels but %d raw units, %d eng units, %d raw, %d scaled: %w",
			rec.Device, n, len(rec.RawUnits), len(rec.EngUnits), len(rec.Raw), len(rec.Scaled), errors.ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, n)
	for _, ch := range rec.Channels {
		if err := validation.ValidateChannelName(ch); err != nil {
			return fmt.Errorf("record %s: channel %q: %v: %w", rec.Device, ch, err, errors.ErrInvalidName)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("record %s: duplicate channel %q: %w", rec.Device, ch, errors.ErrInvalidName)
		}
		seen[ch] = struct{}{}
	}
	return nil
}
