// Package dummy provides a synthetic instrument.
//
// Channels are described by the "channels" extra as a comma-separated list
// of kinds: "scalar", "vector:<n>", "image:<h>x<w>" or "image:<h>x<w>x<c>".
// Readings are deterministic functions of the read count so tests can
// predict them. Faults are injected with:
//
//	missing      comma-separated channel indexes read as None
//	fail_every   every n-th read fails as a whole
//	absent       probe fails
package dummy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// DriverName is the registry name.
const DriverName = "dummy"

func init() {
	device.Register(DriverName, func(p device.Params) (device.Driver, error) {
		return New(p)
	})
}

type channel struct {
	kind types.Kind
	dims []int
}

// Driver is the synthetic driver.
type Driver struct {
	log       *slog.Logger
	channels  []channel
	missing   map[int]bool
	failEvery int
	absent    bool

	mu    sync.Mutex
	open  bool
	reads int
}

var _ device.Driver = (*Driver)(nil)

// New creates a dummy driver from params.
func New(p device.Params) (*Driver, error) {
	d := &Driver{
		log:     logging.Component("dummy").With("device", p.Name),
		missing: make(map[int]bool),
		absent:  p.Get("absent", "false") == "true",
	}

	spec := p.List("channels")
	if len(spec) == 0 {
		spec = []string{"scalar"}
	}
	for _, s := range spec {
		c, err := parseChannel(s)
		if err != nil {
			return nil, err
		}
		d.channels = append(d.channels, c)
	}

	for _, s := range p.List("missing") {
		i, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.NewInvalidValue("missing", s, "not a channel index")
		}
		d.missing[i] = true
	}

	n, err := p.GetInt("fail_every", 0)
	if err != nil {
		return nil, err
	}
	d.failEvery = n
	return d, nil
}

func parseChannel(s string) (channel, error) {
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "scalar":
		return channel{kind: types.KindScalar}, nil
	case "vector":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return channel{}, errors.NewInvalidValue("channels", s, "vector needs a positive length")
		}
		return channel{kind: types.KindVector, dims: []int{n}}, nil
	case "image":
		var dims []int
		for _, part := range strings.Split(arg, "x") {
			d, err := strconv.Atoi(part)
			if err != nil || d <= 0 {
				return channel{}, errors.NewInvalidValue("channels", s, "bad image dims")
			}
			dims = append(dims, d)
		}
		if len(dims) != 2 && len(dims) != 3 {
			return channel{}, errors.NewInvalidValue("channels", s, "image needs 2 or 3 dims")
		}
		return channel{kind: types.KindImage, dims: dims}, nil
	default:
		return channel{}, errors.NewInvalidValue("channels", s, "unknown channel kind")
	}
}

func (d *Driver) Probe(_ context.Context, p *device.Params) error {
	if d.absent {
		return fmt.Errorf("dummy device %q is absent", p.Name)
	}
	if p.Address == "" {
		p.Address = "dummy://" + p.Name
	}
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Channels reports a unit for every channel.
func (d *Driver) Channels(context.Context) ([]device.ChannelInfo, error) {
	info := make([]device.ChannelInfo, len(d.channels))
	for i, c := range d.channels {
		info[i].RawUnit = "V"
		if c.kind == types.KindImage {
			info[i].RawUnit = "counts"
		}
	}
	return info, nil
}

// Read returns one synthetic reading per channel. Reading n of channel k is
// n*(k+1) for scalars; element j of an array channel adds j.
func (d *Driver) Read(ctx context.Context) ([]types.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil, fmt.Errorf("dummy: read on closed device")
	}
	d.reads++
	n := d.reads
	if d.failEvery > 0 && n%d.failEvery == 0 {
		d.log.Debug("injected read failure", "read", n)
		return nil, fmt.Errorf("dummy: injected failure on read %d", n)
	}

	out := make([]types.Value, len(d.channels))
	for k, c := range d.channels {
		if d.missing[k] {
			out[k] = types.None()
			continue
		}
		base := float64(n * (k + 1))
		switch c.kind {
		case types.KindScalar:
			out[k] = types.Scalar(base)
		case types.KindVector:
			out[k] = types.Vector(ramp(base, c.dims[0]))
		case types.KindImage:
			size := 1
			for _, dim := range c.dims {
				size *= dim
			}
			img, err := types.Image(ramp(base, size), c.dims...)
			if err != nil {
				return nil, err
			}
			out[k] = img
		}
	}
	return out, nil
}

func ramp(base float64, n int) []float64 {
	out := make([]float64, n)
	for j := range out {
		out[j] = base + float64(j)
	}
	return out
}

// Apply accepts any configuration.
func (d *Driver) Apply(context.Context, device.Config) error {
	return nil
}

// Reads returns the number of reads served.
func (d *Driver) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}
