// Package i2cdev reads register-mapped sensors on an I2C bus.
//
// Params.Address is the 7-bit device address ("0x48"). Extras:
//
//	bus        bus name passed to i2creg.Open; empty picks the first bus
//	registers  comma-separated register addresses, one channel each
//	signed     "true" to read registers as two's complement
//
// Each register is read as a 16-bit big-endian word. A register that fails
// to read is a missing reading; the poll only fails when every register
// failed.
package i2cdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// DriverName is the registry name.
const DriverName = "i2c"

func init() {
	device.Register(DriverName, func(p device.Params) (device.Driver, error) {
		return New(p)
	})
}

// Bus is the part of a periph I2C bus the driver uses.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

var hostInit sync.Once

// OpenBus opens an I2C bus by name. It's a variable so tests can
// substitute a bus.
var OpenBus = func(name string) (Bus, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("host init: %w", initErr)
	}
	return i2creg.Open(name)
}

// Driver reads one device on one bus.
type Driver struct {
	log       *slog.Logger
	busName   string
	addr      uint16
	registers []byte
	signed    bool

	mu  sync.Mutex
	bus Bus
}

var _ device.Driver = (*Driver)(nil)

// New creates an I2C driver from params.
func New(p device.Params) (*Driver, error) {
	addr, err := ParseAddress(p.Address)
	if err != nil {
		return nil, err
	}

	regs := p.List("registers")
	if len(regs) == 0 {
		return nil, errors.NewMissingField("registers")
	}
	d := &Driver{
		log:     logging.Component("i2c").With("device", p.Name, "addr", fmt.Sprintf("0x%02x", addr)),
		busName: p.Get("bus", config.DefaultI2CBus),
		addr:    addr,
		signed:  p.Get("signed", "false") == "true",
	}
	for _, r := range regs {
		n, err := strconv.ParseUint(r, 0, 8)
		if err != nil {
			return nil, errors.NewInvalidValue("registers", r, "not a byte")
		}
		d.registers = append(d.registers, byte(n))
	}
	return d, nil
}

// ParseAddress parses a 7-bit I2C address such as "0x48" or "72".
func ParseAddress(s string) (uint16, error) {
	if s == "" {
		return 0, errors.NewMissingField("address")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil || n > 0x7f {
		return 0, errors.NewInvalidValue("address", s, "not a 7-bit I2C address")
	}
	return uint16(n), nil
}

// Probe opens the bus and reads the first register.
func (d *Driver) Probe(_ context.Context, p *device.Params) error {
	bus, err := OpenBus(d.busName)
	if err != nil {
		return fmt.Errorf("open bus %q: %w", d.busName, err)
	}
	defer bus.Close()

	if _, err := readWord(bus, d.addr, d.registers[0]); err != nil {
		return fmt.Errorf("no device at 0x%02x: %w", d.addr, err)
	}
	p.NChannels = len(d.registers)
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus != nil {
		return nil
	}
	bus, err := OpenBus(d.busName)
	if err != nil {
		return fmt.Errorf("open bus %q: %w", d.busName, err)
	}
	d.bus = bus
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil
	}
	err := d.bus.Close()
	d.bus = nil
	return err
}

// Channels names each channel after its register.
func (d *Driver) Channels(context.Context) ([]device.ChannelInfo, error) {
	info := make([]device.ChannelInfo, len(d.registers))
	for i, r := range d.registers {
		info[i].Name = fmt.Sprintf("reg_0x%02x", r)
	}
	return info, nil
}

func (d *Driver) Read(ctx context.Context) ([]types.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bus == nil {
		return nil, fmt.Errorf("bus %q not open", d.busName)
	}

	out := make([]types.Value, len(d.registers))
	var lastErr error
	failed := 0
	for i, reg := range d.registers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, err := readWord(d.bus, d.addr, reg)
		if err != nil {
			d.log.Debug("register read failed", "register", reg, "error", err)
			out[i] = types.None()
			lastErr = err
			failed++
			continue
		}
		if d.signed {
			out[i] = types.Scalar(float64(int16(w)))
		} else {
			out[i] = types.Scalar(float64(w))
		}
	}
	if failed == len(d.registers) {
		return nil, fmt.Errorf("all %d registers failed: %w", failed, lastErr)
	}
	return out, nil
}

// Apply writes cfg.Extra["init"], a comma-separated list of
// register=value pairs, as 16-bit big-endian words.
func (d *Driver) Apply(_ context.Context, cfg device.Config) error {
	spec := cfg.Extra["init"]
	if spec == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return fmt.Errorf("bus %q not open", d.busName)
	}
	for _, pair := range strings.Split(spec, ",") {
		reg, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return errors.NewInvalidValue("init", pair, "want register=value")
		}
		r, err := strconv.ParseUint(reg, 0, 8)
		if err != nil {
			return errors.NewInvalidValue("init", pair, "bad register")
		}
		v, err := strconv.ParseUint(val, 0, 16)
		if err != nil {
			return errors.NewInvalidValue("init", pair, "bad value")
		}
		w := []byte{byte(r), 0, 0}
		binary.BigEndian.PutUint16(w[1:], uint16(v))
		if err := d.bus.Tx(d.addr, w, nil); err != nil {
			return fmt.Errorf("write register 0x%02x: %w", r, err)
		}
	}
	return nil
}

func readWord(bus Bus, addr uint16, reg byte) (uint16, error) {
	r := make([]byte, 2)
	if err := bus.Tx(addr, []byte{reg}, r); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r), nil
}
