// Package h5 implements the binary sample store.
//
// The file is an append-only record log. Each append is one record holding
// a batch of ops against an HDF5-style hierarchy:
//
//	/<device>                       group, attrs = snapshot at first append
//	/<device>/timestamp             string series, one entry per append
//	/<device>/<channel>/Raw values  series with a trailing time axis
//	/<device>/<channel>/Scaled values
//	/<device>/frame_%08d            one dataset per image frame
//
// Replaying the log materialises the hierarchy. A torn write loses the whole
// append and nothing else; Open cuts such a tail before appending.
package h5

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"
	"github.com/xtxerr/labstalker/internal/storage/schema"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/storage/wal"
)

const (
	fileMagic   = 0x4C41424835460001 // "LABH5F" + version 1
	fileVersion = 1

	// TimestampDataset is the name of the per-device timestamp series.
	TimestampDataset = "timestamp"
	framePrefix      = "frame_"
)

// Attribute names.
const (
	attrUnits   = "units"
	attrChannel = "channel"
	attrRole    = "role"
	attrTime    = "timestamp"

	AttrClass         = "CLASS"
	AttrImageVersion  = "IMAGE_VERSION"
	AttrImageSubclass = "IMAGE_SUBCLASS"
	AttrInterlace     = "INTERLACE_MODE"
)

// Options configures a Store.
type Options struct {
	// MaxRecords is the capacity of new series datasets.
	// Default: config.DefaultMaxRecords
	MaxRecords int

	// SyncMode is one of "async", "sync", "fsync".
	SyncMode string

	// BufferSize is the write buffer size.
	BufferSize int

	Logger *slog.Logger
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		MaxRecords: config.DefaultMaxRecords,
		SyncMode:   config.DefaultSyncMode,
		BufferSize: config.DefaultWriteBufferSize,
	}
}

func logOptions(opts Options) wal.Options {
	o := wal.DefaultOptions(fileMagic, fileVersion)
	if opts.SyncMode != "" {
		o.SyncMode = opts.SyncMode
	}
	if opts.BufferSize > 0 {
		o.BufferSize = opts.BufferSize
	}
	return o
}

// Stats holds store statistics.
type Stats struct {
	Appends            int64
	CapacityRejections int64
	SchemaRejections   int64
	FramesWritten      int64
	RecordsRecovered   int64
	TruncatedBytes     int64
}

// Store appends records to a binary store file.
//
// Store is safe for concurrent use; appends are serialized.
type Store struct {
	mu sync.Mutex

	path     string
	log      *wal.Writer
	file     *File
	registry *schema.Registry
	opts     Options
	logger   *slog.Logger
	closed   bool

	stats Stats
}

// Open opens or creates the store at path. Existing content is replayed to
// rebuild the hierarchy and the frozen schemas.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = config.DefaultMaxRecords
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("h5")
	}

	f := newFile()
	w, err := wal.OpenWriter(path, logOptions(opts), func(payload []byte) error {
		ops, err := decodeOps(payload)
		if err != nil {
			return err
		}
		return f.apply(ops)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}

	ws := w.Stats()
	s := &Store{
		path:     path,
		log:      w,
		file:     f,
		registry: f.Registry(),
		opts:     opts,
		logger:   opts.Logger.With("path", path),
		stats: Stats{
			RecordsRecovered: ws.RecordsRecovered,
			TruncatedBytes:   ws.TruncatedBytes,
		},
	}
	if ws.TruncatedBytes > 0 {
		s.logger.Warn("truncated torn tail", "bytes", ws.TruncatedBytes, "records", ws.RecordsRecovered)
	}
	return s, nil
}

// Append writes one record. The record is validated completely against the
// frozen schema and the dataset capacity before anything is written; on
// error the file is unchanged.
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

	ops, err := s.plan(&rec)
	if err != nil {
		if errors.Is(err, errors.ErrCapacityExhausted) {
			s.stats.CapacityRejections++
			s.logger.Warn("append rejected", "device", rec.Device, "error", err)
		}
		return err
	}

	payload, err := encodeOps(ops)
	if err != nil {
		return fmt.Errorf("encode append: %w", err)
	}
	if err := s.log.Write(payload); err != nil {
		return err
	}
	if err := s.file.apply(ops); err != nil {
		// The plan was checked against the same view; this is a bug.
		return fmt.Errorf("apply append: %w", err)
	}
	s.registry.Observe(&rec)

	s.stats.Appends++
	for _, o := range ops {
		if o.kind == opFrame {
			s.stats.FramesWritten++
		}
	}
	return nil
}

// plan turns a record into ops and checks capacity.
func (s *Store) plan(rec *types.Record) ([]op, error) {
	for _, ch := range rec.Channels {
		if ch == TimestampDataset || strings.HasPrefix(ch, framePrefix) {
			return nil, fmt.Errorf("channel name %q is reserved: %w", ch, errors.ErrInvalidName)
		}
	}

	dev := "/" + rec.Device
	tsPath := dev + "/" + TimestampDataset
	maxRecords := s.opts.MaxRecords
	slot := 0

	var ops []op
	if ts, ok := s.file.datasets[tsPath]; ok {
		if ts.written >= ts.maxRecords {
			return nil, fmt.Errorf("%s: %d of %d records: %w", tsPath, ts.written, ts.maxRecords, errors.ErrCapacityExhausted)
		}
		slot = ts.written
		maxRecords = ts.maxRecords
	} else {
		ops = append(ops,
			op{kind: opGroup, path: dev, attrs: rec.Attrs},
			op{kind: opDataset, path: tsPath, class: types.ClassScalar, dtype: types.DTypeString, maxRecords: maxRecords},
		)
	}
	ops = append(ops, op{kind: opWrite, path: tsPath, slot: slot, dtype: types.DTypeString, text: rec.TimestampString()})

	frame := s.file.frames[dev]
	devSchema, _ := s.registry.Device(rec.Device)

	for i, ch := range rec.Channels {
		chPath := dev + "/" + ch
		if _, ok := s.file.groups[chPath]; !ok {
			ops = append(ops, op{kind: opGroup, path: chPath})
		}

		for _, role := range schema.Roles {
			v, unit := rec.Raw[i], rec.RawUnits[i]
			if role == schema.RoleScaled {
				v, unit = rec.Scaled[i], rec.EngUnits[i]
			}

			var shape types.Shape
			if devSchema != nil {
				if c, ok := devSchema.Channel(ch); ok {
					shape = c.Shape(role)
				}
			}
			if shape.IsZero() {
				// No dataset until the first real reading; its earlier
				// slots read as absent.
				if schema.IsAbsent(v) {
					continue
				}
				shape = types.ShapeOf(v)
			}

			if shape.Class == types.ClassImage {
				if v.Kind != types.KindImage {
					continue
				}
				ops = append(ops, frameOp(dev, frame, ch, role, unit, rec.TimestampString(), v))
				frame++
				continue
			}

			dsPath := chPath + "/" + string(role)
			if _, ok := s.file.datasets[dsPath]; !ok {
				ops = append(ops, op{
					kind:       opDataset,
					path:       dsPath,
					class:      shape.Class,
					dtype:      shape.DType,
					dims:       shape.Dims,
					maxRecords: maxRecords,
					attrs:      map[string]string{attrUnits: unit},
				})
			}
			ops = append(ops, writeOp(dsPath, slot, shape, v))
		}
	}
	return ops, nil
}

func writeOp(p string, slot int, shape types.Shape, v types.Value) op {
	o := op{kind: opWrite, path: p, slot: slot, dtype: shape.DType}
	switch {
	case shape.DType == types.DTypeString:
		o.text = v.String()
	case shape.Class == types.ClassVector && v.Kind == types.KindVector:
		o.floats = append([]float64(nil), v.Data...)
	case shape.Class == types.ClassVector:
		o.floats = types.NaNs(product(shape.Dims))
	case v.Kind == types.KindScalar:
		o.floats = []float64{v.Num}
	default:
		o.floats = types.NaNs(1)
	}
	return o
}

func frameOp(dev string, index int, channel string, role schema.Role, unit, ts string, v types.Value) op {
	subclass := "IMAGE_GRAYSCALE"
	if len(v.Dims) == 3 {
		subclass = "IMAGE_TRUECOLOR"
	}
	return op{
		kind: opFrame,
		path: fmt.Sprintf("%s/%s%08d", dev, framePrefix, index),
		dims: append([]int(nil), v.Dims...),
		attrs: map[string]string{
			AttrClass:         "IMAGE",
			AttrImageVersion:  "1.2",
			AttrImageSubclass: subclass,
			AttrInterlace:     "INTERLACE_PIXEL",
			attrChannel:       channel,
			attrRole:          string(role),
			attrUnits:         unit,
			attrTime:          ts,
		},
		floats: append([]float64(nil), v.Data...),
	}
}

// Flush forces buffered appends to the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return s.log.Sync()
}

// Close flushes and closes the file. Repeated calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.log.Close()
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

// Len returns the number of appends stored for a device.
func (s *Store) Len(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.file.datasets["/"+device+"/"+TimestampDataset]; ok {
		return d.written
	}
	return 0
}
