// Package serialdev drives line-oriented serial instruments.
//
// Each poll optionally writes a query command, then reads one line and
// splits it into channel values. Tokens that do not parse as numbers are
// kept as text; empty tokens are missing readings. Once a field has read
// as a number, a later token that does not parse is a missing reading, so
// a garbled line cannot change the field's type.
//
// Params.Address is the port path. Extras:
//
//	baud          line speed (default 9600)
//	command       query written before each read, e.g. "MEAS?"
//	terminator    appended to command (default "\r\n")
//	delimiter     field separator (default ",")
//	read_timeout  bound on one line read (default 2s)
package serialdev

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	ser "go.bug.st/serial"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/device"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// DriverName is the registry name.
const DriverName = "serial"

func init() {
	device.Register(DriverName, func(p device.Params) (device.Driver, error) {
		return New(p)
	})
}

// pollInterval bounds each blocking port read so the line deadline is
// honoured.
const pollInterval = 100 * time.Millisecond

// Open opens a port. It's a variable so tests can substitute a fake port.
var Open = func(path string, baud int) (io.ReadWriteCloser, error) {
	port, err := ser.Open(path, &ser.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// ListPorts lists port paths. It's a variable for tests.
var ListPorts = ser.GetPortsList

// Driver talks to one serial instrument.
type Driver struct {
	log         *slog.Logger
	baud        int
	command     string
	delimiter   string
	readTimeout time.Duration

	mu      sync.Mutex
	path    string
	port    io.ReadWriteCloser
	pending []byte
	fields  int
	numeric []bool // fields that have read as numbers
}

var _ device.Driver = (*Driver)(nil)

// New creates a serial driver from params.
func New(p device.Params) (*Driver, error) {
	baud, err := p.GetInt("baud", config.DefaultSerialBaudRate)
	if err != nil {
		return nil, err
	}
	if baud <= 0 {
		return nil, errors.NewInvalidValue("baud", baud, "must be positive")
	}

	timeout := config.DefaultSerialReadTimeout
	if v := p.Get("read_timeout", ""); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			return nil, errors.NewInvalidValue("read_timeout", v, "not a positive duration")
		}
	}

	d := &Driver{
		log:         logging.Component("serial").With("device", p.Name),
		baud:        baud,
		delimiter:   p.Get("delimiter", ","),
		readTimeout: timeout,
		path:        p.Address,
	}
	if cmd := p.Get("command", ""); cmd != "" {
		d.command = cmd + p.Get("terminator", "\r\n")
	}
	return d, nil
}

// Probe checks the port can be opened. Without an address the first port
// the host reports is used and written back to p.
func (d *Driver) Probe(_ context.Context, p *device.Params) error {
	path := p.Address
	if path == "" {
		ports, err := ListPorts()
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}
		if len(ports) == 0 {
			return fmt.Errorf("no serial ports")
		}
		path = ports[0]
	}

	port, err := Open(path, d.baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	port.Close()

	d.mu.Lock()
	d.path = path
	d.mu.Unlock()
	p.Address = path
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}
	port, err := Open(d.path, d.baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	d.port = port
	d.pending = nil
	d.log.Debug("port opened", "path", d.path, "baud", d.baud)
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Channels reports as many channels as the last line had fields.
func (d *Driver) Channels(context.Context) ([]device.ChannelInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return make([]device.ChannelInfo, d.fields), nil
}

// Read polls one line.
func (d *Driver) Read(ctx context.Context) ([]types.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil, fmt.Errorf("port %s not open", d.path)
	}
	if d.command != "" {
		if _, err := io.WriteString(d.port, d.command); err != nil {
			return nil, fmt.Errorf("write command: %w", err)
		}
	}

	line, err := d.readLine(ctx)
	if err != nil {
		return nil, err
	}
	values := ParseLine(line, d.delimiter)
	d.keepNumeric(values)
	d.fields = len(values)
	return values, nil
}

// keepNumeric turns text on numeric fields into None.
// Must be called with mu held.
func (d *Driver) keepNumeric(values []types.Value) {
	for i, v := range values {
		if i == len(d.numeric) {
			d.numeric = append(d.numeric, false)
		}
		switch {
		case v.Kind == types.KindScalar:
			d.numeric[i] = true
		case v.Kind == types.KindText && d.numeric[i]:
			d.log.Debug("unparsable token on numeric field", "field", i, "token", v.Text)
			values[i] = types.None()
		}
	}
}

// readLine reads up to the next newline within the read timeout.
// Must be called with mu held.
func (d *Driver) readLine(ctx context.Context) (string, error) {
	deadline := time.Now().Add(d.readTimeout)
	buf := make([]byte, 256)

	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(d.pending[:i])
			d.pending = d.pending[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("read %s: no line within %s: %w", d.path, d.readTimeout, errors.ErrTimeout)
		}

		n, err := d.port.Read(buf)
		d.pending = append(d.pending, buf[:n]...)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read %s: %w", d.path, err)
		}
		if n == 0 {
			// Port read timeouts return no data and no error.
			time.Sleep(time.Millisecond)
		}
	}
}

// ParseLine splits a line into values. Numbers become scalars, empty
// fields None and anything else text.
func ParseLine(line, delimiter string) []types.Value {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Split(line, delimiter)
	out := make([]types.Value, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
			out[i] = types.None()
		default:
			if v, err := strconv.ParseFloat(f, 64); err == nil {
				out[i] = types.Scalar(v)
			} else {
				out[i] = types.Text(f)
			}
		}
	}
	return out
}

// Apply sends a settings command when the config carries one.
func (d *Driver) Apply(_ context.Context, cfg device.Config) error {
	cmd := cfg.Extra["setup_command"]
	if cmd == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return fmt.Errorf("port %s not open", d.path)
	}
	_, err := io.WriteString(d.port, cmd+"\r\n")
	return err
}
