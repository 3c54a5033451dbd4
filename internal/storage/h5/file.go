package h5

import (
	"fmt"
	"maps"
	"math"
	"path"
	"strings"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/schema"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/storage/wal"
)

// Group is a node of the hierarchy that holds attributes and children.
type Group struct {
	path     string
	attrs    map[string]string
	children []string
}

// Path returns the absolute path of the group.
func (g *Group) Path() string { return g.path }

// Attrs returns a copy of the attributes.
func (g *Group) Attrs() map[string]string { return maps.Clone(g.attrs) }

// Attr returns one attribute.
func (g *Group) Attr(key string) (string, bool) {
	v, ok := g.attrs[key]
	return v, ok
}

// Children returns the child names in creation order.
func (g *Group) Children() []string { return append([]string(nil), g.children...) }

// Dataset is a typed array. Series datasets grow along a trailing time axis
// up to MaxRecords; image frames are written once.
type Dataset struct {
	path       string
	attrs      map[string]string
	class      types.Class
	dtype      types.DType
	dims       []int
	maxRecords int
	frame      bool

	written int
	floats  []float64
	strings []string
}

// Path returns the absolute path of the dataset.
func (d *Dataset) Path() string { return d.path }

// Attrs returns a copy of the attributes.
func (d *Dataset) Attrs() map[string]string { return maps.Clone(d.attrs) }

// Attr returns one attribute.
func (d *Dataset) Attr(key string) (string, bool) {
	v, ok := d.attrs[key]
	return v, ok
}

// IsFrame reports whether the dataset is an image frame.
func (d *Dataset) IsFrame() bool { return d.frame }

// SampleShape returns the per-sample shape without the time axis.
func (d *Dataset) SampleShape() types.Shape {
	return types.Shape{Class: d.class, DType: d.dtype, Dims: append([]int(nil), d.dims...)}
}

// Shape returns the current extent: the sample dims followed by the number
// of written records. Frames report their image dims.
func (d *Dataset) Shape() []int {
	if d.frame {
		return append([]int(nil), d.dims...)
	}
	return append(append([]int(nil), d.dims...), d.written)
}

// MaxShape returns the capacity: the sample dims followed by MaxRecords.
func (d *Dataset) MaxShape() []int {
	if d.frame {
		return append([]int(nil), d.dims...)
	}
	return append(append([]int(nil), d.dims...), d.maxRecords)
}

// Len returns the number of records along the time axis.
func (d *Dataset) Len() int {
	if d.frame {
		return 1
	}
	return d.written
}

// MaxRecords returns the capacity along the time axis.
func (d *Dataset) MaxRecords() int { return d.maxRecords }

func (d *Dataset) slotSize() int {
	n := 1
	for _, x := range d.dims {
		n *= x
	}
	return n
}

// Float64At returns record i of a float scalar series.
func (d *Dataset) Float64At(i int) (float64, error) {
	if d.dtype != types.DTypeFloat64 || d.class != types.ClassScalar {
		return 0, fmt.Errorf("%s is %s, not a float scalar series", d.path, d.SampleShape())
	}
	if i < 0 || i >= d.written {
		return 0, fmt.Errorf("%s: index %d out of range [0,%d)", d.path, i, d.written)
	}
	return d.floats[i], nil
}

// StringAt returns record i of a string series.
func (d *Dataset) StringAt(i int) (string, error) {
	if d.dtype != types.DTypeString {
		return "", fmt.Errorf("%s is %s, not a string series", d.path, d.SampleShape())
	}
	if i < 0 || i >= d.written {
		return "", fmt.Errorf("%s: index %d out of range [0,%d)", d.path, i, d.written)
	}
	return d.strings[i], nil
}

// Slot returns a copy of the values of record i of a float series.
func (d *Dataset) Slot(i int) ([]float64, error) {
	if d.dtype != types.DTypeFloat64 || d.frame {
		return nil, fmt.Errorf("%s has no float slots", d.path)
	}
	if i < 0 || i >= d.written {
		return nil, fmt.Errorf("%s: index %d out of range [0,%d)", d.path, i, d.written)
	}
	n := d.slotSize()
	return append([]float64(nil), d.floats[i*n:(i+1)*n]...), nil
}

// Data returns a copy of all float values in row-major order.
func (d *Dataset) Data() []float64 {
	return append([]float64(nil), d.floats...)
}

// Strings returns a copy of all written strings.
func (d *Dataset) Strings() []string {
	return append([]string(nil), d.strings...)
}

// File is an in-memory view of a store file.
type File struct {
	groups   map[string]*Group
	datasets map[string]*Dataset
	frames   map[string]int // device group -> frames stored

	// Stats of the replay that produced the view.
	Records   int64
	TornBytes int64
}

func newFile() *File {
	return &File{
		groups:   map[string]*Group{"/": {path: "/"}},
		datasets: make(map[string]*Dataset),
		frames:   make(map[string]int),
	}
}

// ReadFile replays the store file at path. A torn tail is ignored and
// reported in TornBytes; the file is not modified.
func ReadFile(p string) (*File, error) {
	f := newFile()
	stats, err := wal.Replay(p, logOptions(Options{}), func(payload []byte) error {
		ops, err := decodeOps(payload)
		if err != nil {
			return err
		}
		return f.apply(ops)
	})
	if err != nil {
		return nil, err
	}
	f.Records = stats.RecordsRead
	f.TornBytes = stats.TornBytes
	return f, nil
}

// Group returns the group at an absolute path.
func (f *File) Group(p string) (*Group, bool) {
	g, ok := f.groups[cleanPath(p)]
	return g, ok
}

// Dataset returns the dataset at an absolute path.
func (f *File) Dataset(p string) (*Dataset, bool) {
	d, ok := f.datasets[cleanPath(p)]
	return d, ok
}

// Devices returns the device group names in creation order.
func (f *File) Devices() []string {
	return f.groups["/"].Children()
}

// Frames returns the frame dataset paths of a device in order.
func (f *File) Frames(device string) []string {
	g, ok := f.groups["/"+device]
	if !ok {
		return nil
	}
	var out []string
	for _, c := range g.children {
		if d, ok := f.datasets[g.path+"/"+c]; ok && d.frame {
			out = append(out, d.path)
		}
	}
	return out
}

// Walk visits every node depth-first in creation order. Exactly one of
// g and d is non-nil.
func (f *File) Walk(fn func(p string, g *Group, d *Dataset)) {
	var visit func(p string)
	visit = func(p string) {
		if g, ok := f.groups[p]; ok {
			fn(p, g, nil)
			for _, c := range g.children {
				visit(join(p, c))
			}
			return
		}
		if d, ok := f.datasets[p]; ok {
			fn(p, nil, d)
		}
	}
	visit("/")
}

// Registry rebuilds the schema registry from the hierarchy.
func (f *File) Registry() *schema.Registry {
	reg := schema.NewRegistry()
	for _, dev := range f.Devices() {
		g := f.groups["/"+dev]
		reg.RestoreDevice(dev, g.attrs)

		for _, c := range g.children {
			p := g.path + "/" + c
			if d, ok := f.datasets[p]; ok {
				if d.frame {
					role := schema.Role(d.attrs[attrRole])
					reg.RestoreChannel(dev, d.attrs[attrChannel], role, d.attrs[attrUnits], d.SampleShape())
				}
				continue
			}
			for _, role := range schema.Roles {
				if d, ok := f.datasets[p+"/"+string(role)]; ok {
					reg.RestoreChannel(dev, c, role, d.attrs[attrUnits], d.SampleShape())
				}
			}
		}
	}
	return reg
}

// apply validates a batch of ops against the hierarchy and applies it.
// Nothing is changed when validation fails.
func (f *File) apply(ops []op) error {
	if err := f.check(ops); err != nil {
		return err
	}
	for _, o := range ops {
		switch o.kind {
		case opGroup:
			f.groups[o.path] = &Group{path: o.path, attrs: o.attrs}
			f.link(o.path)
		case opDataset:
			f.datasets[o.path] = &Dataset{
				path:       o.path,
				attrs:      o.attrs,
				class:      o.class,
				dtype:      o.dtype,
				dims:       o.dims,
				maxRecords: o.maxRecords,
			}
			f.link(o.path)
		case opWrite:
			f.datasets[o.path].write(o)
		case opFrame:
			f.datasets[o.path] = &Dataset{
				path:    o.path,
				attrs:   o.attrs,
				class:   types.ClassImage,
				dtype:   types.DTypeFloat64,
				dims:    o.dims,
				frame:   true,
				written: 1,
				floats:  o.floats,
			}
			f.link(o.path)
			f.frames[path.Dir(o.path)]++
		}
	}
	return nil
}

func (f *File) check(ops []op) error {
	created := make(map[string]opKind)
	exists := func(p string) (opKind, bool) {
		if k, ok := created[p]; ok {
			return k, true
		}
		if _, ok := f.groups[p]; ok {
			return opGroup, true
		}
		if _, ok := f.datasets[p]; ok {
			return opDataset, true
		}
		return 0, false
	}

	for _, o := range ops {
		if o.path != cleanPath(o.path) || o.path == "/" {
			return fmt.Errorf("invalid path %q: %w", o.path, errors.ErrCorruptRecord)
		}
		switch o.kind {
		case opGroup, opDataset, opFrame:
			if _, ok := exists(o.path); ok {
				return fmt.Errorf("%s already exists: %w", o.path, errors.ErrCorruptRecord)
			}
			if k, ok := exists(path.Dir(o.path)); !ok || k != opGroup {
				return fmt.Errorf("%s: parent is not a group: %w", o.path, errors.ErrCorruptRecord)
			}
			if o.kind == opFrame && len(o.floats) != product(o.dims) {
				return fmt.Errorf("%s: %d values for dims %v: %w", o.path, len(o.floats), o.dims, errors.ErrCorruptRecord)
			}
			created[o.path] = o.kind
		case opWrite:
			maxRecords, slotSize, dtype, ok := f.target(o.path, ops)
			if !ok {
				return fmt.Errorf("%s: write to missing dataset: %w", o.path, errors.ErrCorruptRecord)
			}
			if o.slot < 0 || o.slot >= maxRecords {
				return fmt.Errorf("%s: slot %d beyond capacity %d: %w", o.path, o.slot, maxRecords, errors.ErrCapacityExhausted)
			}
			if o.dtype != dtype {
				return fmt.Errorf("%s: write of %s into %s: %w", o.path, o.dtype, dtype, errors.ErrCorruptRecord)
			}
			if dtype == types.DTypeFloat64 && len(o.floats) != slotSize {
				return fmt.Errorf("%s: %d values for slot of %d: %w", o.path, len(o.floats), slotSize, errors.ErrCorruptRecord)
			}
		default:
			return fmt.Errorf("unknown op kind %d: %w", o.kind, errors.ErrCorruptRecord)
		}
	}
	return nil
}

// target finds the dataset a write refers to, either existing or created
// earlier in the same batch.
func (f *File) target(p string, ops []op) (maxRecords, slotSize int, dtype types.DType, ok bool) {
	if d, found := f.datasets[p]; found && !d.frame {
		return d.maxRecords, d.slotSize(), d.dtype, true
	}
	for _, o := range ops {
		if o.kind == opDataset && o.path == p {
			return o.maxRecords, product(o.dims), o.dtype, true
		}
	}
	return 0, 0, 0, false
}

func (f *File) link(p string) {
	parent := f.groups[path.Dir(p)]
	parent.children = append(parent.children, path.Base(p))
}

// write stores a record at its slot, padding skipped slots.
func (d *Dataset) write(o op) {
	if d.dtype == types.DTypeString {
		for len(d.strings) <= o.slot {
			d.strings = append(d.strings, types.None().String())
		}
		d.strings[o.slot] = o.text
	} else {
		n := d.slotSize()
		for len(d.floats) < (o.slot+1)*n {
			d.floats = append(d.floats, math.NaN())
		}
		copy(d.floats[o.slot*n:], o.floats)
	}
	if o.slot+1 > d.written {
		d.written = o.slot + 1
	}
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
