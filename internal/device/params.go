package device

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/xtxerr/labstalker/internal/calib"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/validation"
)

// Params are the hardware descriptors of a device. They are fixed at
// discovery; a Probe may only fill derived fields (Address, NChannels).
type Params struct {
	Name      string `yaml:"name"`
	Driver    string `yaml:"driver"`
	Address   string `yaml:"address,omitempty"`
	VendorID  uint16 `yaml:"vendor_id,omitempty"`
	ProductID uint16 `yaml:"product_id,omitempty"`
	Serial    string `yaml:"serial,omitempty"`

	// RawUnits and ChannelNames fix per-channel metadata the hardware
	// cannot report.
	RawUnits     []string `yaml:"raw_units,omitempty"`
	ChannelNames []string `yaml:"channel_names,omitempty"`
	NChannels    int      `yaml:"n_channels,omitempty"`

	// Extra holds driver-specific settings (baud rate, OIDs, registers).
	Extra map[string]string `yaml:"extra,omitempty"`
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	c := p
	c.RawUnits = slices.Clone(p.RawUnits)
	c.ChannelNames = slices.Clone(p.ChannelNames)
	c.Extra = maps.Clone(p.Extra)
	return c
}

// Get returns an extra setting or def when it is unset.
func (p Params) Get(key, def string) string {
	if v, ok := p.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

// GetInt returns an integer extra setting or def when it is unset.
func (p Params) GetInt(key string, def int) (int, error) {
	v, ok := p.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.NewInvalidValue(key, v, "not an integer")
	}
	return n, nil
}

// List returns a comma-separated extra setting split into trimmed fields.
func (p Params) List(key string) []string {
	v := p.Extra[key]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Config holds the mutable settings of a device. All slices are index
// aligned with the channels.
type Config struct {
	ChannelNames []string          `yaml:"channel_names,omitempty"`
	EngUnits     []string          `yaml:"eng_units,omitempty"`
	Scale        []float64         `yaml:"scale,omitempty"`
	Offset       []float64         `yaml:"offset,omitempty"`
	Extra        map[string]string `yaml:"extra,omitempty"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	return Config{
		ChannelNames: slices.Clone(c.ChannelNames),
		EngUnits:     slices.Clone(c.EngUnits),
		Scale:        slices.Clone(c.Scale),
		Offset:       slices.Clone(c.Offset),
		Extra:        maps.Clone(c.Extra),
	}
}

// validate checks c against a device with n channels.
func (c Config) validate(device string, n int) error {
	check := func(field string, got int) error {
		if got != n {
			return &errors.ConfigurationError{
				Device: device,
				Field:  field,
				Reason: fmt.Sprintf("length %d does not match %d channels", got, n),
			}
		}
		return nil
	}
	if err := check("channel_names", len(c.ChannelNames)); err != nil {
		return err
	}
	if err := check("eng_units", len(c.EngUnits)); err != nil {
		return err
	}
	if err := check("scale", len(c.Scale)); err != nil {
		return err
	}
	if err := check("offset", len(c.Offset)); err != nil {
		return err
	}

	if !calib.Finite(c.Scale) {
		return &errors.ConfigurationError{Device: device, Field: "scale", Reason: "not finite"}
	}
	if !calib.Finite(c.Offset) {
		return &errors.ConfigurationError{Device: device, Field: "offset", Reason: "not finite"}
	}

	seen := make(map[string]struct{}, n)
	for i, name := range c.ChannelNames {
		if err := validation.ValidateChannelName(name); err != nil {
			return &errors.ConfigurationError{
				Device: device,
				Field:  fmt.Sprintf("channel_names[%d]", i),
				Reason: "invalid name",
				Err:    err,
			}
		}
		if _, dup := seen[name]; dup {
			return &errors.ConfigurationError{
				Device: device,
				Field:  fmt.Sprintf("channel_names[%d]", i),
				Reason: fmt.Sprintf("duplicate name %q", name),
			}
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Attribute key prefixes used in store snapshots.
const (
	AttrParamsPrefix = "params."
	AttrConfigPrefix = "config."
)

// attributes flattens params and config into the string snapshot that
// stores record at first append.
func attributes(p Params, c Config) map[string]string {
	a := map[string]string{
		AttrParamsPrefix + "name":          p.Name,
		AttrParamsPrefix + "driver":        p.Driver,
		AttrParamsPrefix + "raw_units":     formatStrings(p.RawUnits),
		AttrParamsPrefix + "channel_names": formatStrings(p.ChannelNames),
		AttrParamsPrefix + "n_channels":    strconv.Itoa(p.NChannels),
		AttrConfigPrefix + "channel_names": formatStrings(c.ChannelNames),
		AttrConfigPrefix + "eng_units":     formatStrings(c.EngUnits),
		AttrConfigPrefix + "scale":         formatFloats(c.Scale),
		AttrConfigPrefix + "offset":        formatFloats(c.Offset),
	}
	if p.Address != "" {
		a[AttrParamsPrefix+"address"] = p.Address
	}
	if p.VendorID != 0 || p.ProductID != 0 {
		a[AttrParamsPrefix+"vendor_id"] = fmt.Sprintf("0x%04x", p.VendorID)
		a[AttrParamsPrefix+"product_id"] = fmt.Sprintf("0x%04x", p.ProductID)
	}
	if p.Serial != "" {
		a[AttrParamsPrefix+"serial"] = p.Serial
	}
	for k, v := range p.Extra {
		a[AttrParamsPrefix+k] = v
	}
	for k, v := range c.Extra {
		a[AttrConfigPrefix+k] = v
	}
	return a
}

func formatStrings(s []string) string {
	return "[" + strings.Join(s, ", ") + "]"
}

func formatFloats(f []float64) string {
	parts := make([]string, len(f))
	for i, x := range f {
		parts[i] = types.FormatFloat(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
