// Package storage dispatches samples to the store matching an output path.
//
//	.h5, .hdf5        binary store (package h5)
//	.txt, .csv, .log  text store (package textlog)
//
// Append is the scoped form used by Device.Log: it opens the store, writes
// one record and closes it on every path. Open returns a persistent
// Appender for acquisition loops that write many records.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/storage/textlog"
	"github.com/xtxerr/labstalker/internal/storage/types"
	"github.com/xtxerr/labstalker/internal/storage/wal"
	"github.com/xtxerr/labstalker/internal/validation"
)

// Appender is an open store.
type Appender interface {
	Append(rec types.Record) error
	Flush() error
	Close() error
	Path() string
}

type options struct {
	maxRecords int
	syncMode   string
	logger     *slog.Logger
}

// Option configures how a store is opened.
type Option func(*options)

// WithMaxRecords sets the capacity of new binary datasets.
func WithMaxRecords(n int) Option {
	return func(o *options) { o.maxRecords = n }
}

// WithSyncMode sets the durability policy: "async", "sync" or "fsync".
func WithSyncMode(mode string) Option {
	return func(o *options) { o.syncMode = mode }
}

// WithLogger sets the logger stores report through.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens the store for path, creating it if needed.
func Open(path string, opts ...Option) (Appender, error) {
	o := options{
		maxRecords: config.DefaultMaxRecords,
		syncMode:   config.DefaultSyncMode,
	}
	for _, opt := range opts {
		opt(&o)
	}

	format, err := validation.OutputFormat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, errors.ErrUnsupportedFormat)
	}

	switch o.syncMode {
	case wal.SyncAsync, wal.SyncSync, wal.SyncFsync:
	default:
		return nil, errors.NewInvalidValue("sync mode", o.syncMode, "must be async, sync or fsync")
	}

	switch format {
	case validation.FormatBinary:
		hopts := h5.DefaultOptions()
		hopts.MaxRecords = o.maxRecords
		hopts.SyncMode = o.syncMode
		hopts.Logger = o.logger
		s, err := h5.Open(path, hopts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := textlog.Open(path, textlog.Options{
			Fsync:  o.syncMode == wal.SyncFsync,
			Logger: o.logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Append opens the store for path, appends rec and closes the store.
func Append(path string, rec types.Record, opts ...Option) (err error) {
	a, err := Open(path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return a.Append(rec)
}
