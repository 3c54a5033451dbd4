// Package textlog implements the human-readable sample store.
//
// A text store is a plain append-only file. The first append writes the
// title line, the first append of each device writes its header block, and
// every append writes one block per channel:
//
//	# PyLabDataLogger text file
//	# DEVICE = psu
//	# CONFIG: scale = [1, 2]
//	# PARAMS: address = /dev/ttyUSB0
//	# CHANNELS: Voltage, Current
//	# CHANNEL = Voltage, TIMESTAMP = 1709294400.000000, DEV = psu
//	# Raw values (V) shape=scalar()/float64
//	12.01
//	# Scaled values (V) shape=scalar()/float64
//	12.01
//
// Vectors are written as one comma-delimited line, images as one line per
// row. Opening an existing file scans the section headers to restore the
// frozen shapes, so appends after a restart are checked like the first run.
package textlog

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/schema"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Header and section markers.
const (
	Title         = "# PyLabDataLogger text file"
	devicePrefix  = "# DEVICE = "
	configPrefix  = "# CONFIG: "
	paramsPrefix  = "# PARAMS: "
	channelsLine  = "# CHANNELS: "
	channelPrefix = "# CHANNEL = "
	tsSep         = ", TIMESTAMP = "
	devSep        = ", DEV = "
	shapeSep      = ") shape="

	attrParams = "params."
	attrConfig = "config."
)

// Options configures a Store.
type Options struct {
	// Fsync forces an fsync after every append.
	Fsync bool

	Logger *slog.Logger
}

// Stats holds store statistics.
type Stats struct {
	Appends          int64
	SchemaRejections int64
	BytesWritten     int64
}

// Store appends records to a text file.
type Store struct {
	mu sync.Mutex

	path     string
	f        *os.File
	w        *bufio.Writer
	registry *schema.Registry
	titled   bool
	opts     Options
	logger   *slog.Logger
	closed   bool

	stats Stats
}

// Open opens or creates the text store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Component("textlog")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open text store: %w", err)
	}

	reg, titled, err := scan(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek: %w", err)
	}

	return &Store{
		path:     path,
		f:        f,
		w:        bufio.NewWriter(f),
		registry: reg,
		titled:   titled,
		opts:     opts,
		logger:   opts.Logger.With("path", path),
	}, nil
}

// Registry returns the schemas restored from the file and frozen since.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Append writes one record. The record is checked against the frozen
// schema first; on error nothing is written.
func (s *Store) Append(rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrStoreClosed
	}
	if err := s.registry.Check(&rec); err != nil {
		if errors.IsSchemaMismatch(err) {
			s.stats.SchemaRejections++
		}
		return err
	}

	var b strings.Builder
	if !s.titled {
		b.WriteString(Title + "\n")
	}
	if s.registry.IsNew(rec.Device) {
		writeHeader(&b, &rec)
	}

	d, _ := s.registry.Device(rec.Device)
	ts := rec.TimestampString()
	for i, ch := range rec.Channels {
		fmt.Fprintf(&b, "%s%s%s%s%s%s\n", channelPrefix, ch, tsSep, ts, devSep, rec.Device)
		for _, role := range schema.Roles {
			v, unit := rec.Raw[i], rec.RawUnits[i]
			if role == schema.RoleScaled {
				v, unit = rec.Scaled[i], rec.EngUnits[i]
			}
			var shape types.Shape
			if d != nil {
				if c, ok := d.Channel(ch); ok {
					shape = c.Shape(role)
				}
			}
			// Frames keep their own dims. Absent readings of an unfrozen
			// role are written with shape "none".
			if (shape.IsZero() && !schema.IsAbsent(v)) || (shape.Class == types.ClassImage && v.Kind == types.KindImage) {
				shape = types.ShapeOf(v)
			}
			fmt.Fprintf(&b, "# %s (%s%s%s\n", role, unit, shapeSep, shape)
			writeValue(&b, v)
		}
	}

	n, err := s.w.WriteString(b.String())
	s.stats.BytesWritten += int64(n)
	if err == nil {
		err = s.w.Flush()
	}
	if err == nil && s.opts.Fsync {
		err = s.f.Sync()
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.Device, err)
	}

	s.titled = true
	s.registry.Observe(&rec)
	s.stats.Appends++
	return nil
}

func writeHeader(b *strings.Builder, rec *types.Record) {
	b.WriteString(devicePrefix + rec.Device + "\n")

	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, prefix := range []string{attrConfig, attrParams} {
		line := configPrefix
		if prefix == attrParams {
			line = paramsPrefix
		}
		for _, k := range keys {
			if name, ok := strings.CutPrefix(k, prefix); ok {
				fmt.Fprintf(b, "%s%s = %s\n", line, name, escape(rec.Attrs[k]))
			}
		}
	}
	b.WriteString(channelsLine + strings.Join(rec.Channels, ", ") + "\n")
}

func writeValue(b *strings.Builder, v types.Value) {
	switch v.Kind {
	case types.KindVector:
		b.WriteString(joinFloats(v.Data) + "\n")
	case types.KindImage:
		rows, cols := v.Dims[0], 1
		for _, d := range v.Dims[1:] {
			cols *= d
		}
		for r := 0; r < rows; r++ {
			b.WriteString(joinFloats(v.Data[r*cols:(r+1)*cols]) + "\n")
		}
	default:
		s := escape(v.String())
		if strings.HasPrefix(s, "#") {
			s = `\` + s
		}
		b.WriteString(s + "\n")
	}
}

func joinFloats(f []float64) string {
	parts := make([]string, len(f))
	for i, x := range f {
		parts[i] = types.FormatFloat(x)
	}
	return strings.Join(parts, ",")
}

// escape keeps a value on one line. Backslashes are doubled first so an
// escaped newline differs from a literal backslash-n.
var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`)

func escape(s string) string {
	return escaper.Replace(s)
}

// Flush is a no-op beyond what Append does; every append is flushed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return s.w.Flush()
}

// Close closes the file. Repeated calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.w.Flush(), s.f.Close())
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Path returns the file path.
func (s *Store) Path() string {
	return s.path
}
