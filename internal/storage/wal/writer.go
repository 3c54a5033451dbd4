// Package wal implements an append-only, checksummed record log in a
// single file. Stores build their formats on top of it: one record is one
// atomic unit that is either replayed whole or not at all.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
)

// Writer appends records to a log file.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// Opening an existing file replays it to find the end of the last intact
// record and truncates anything after it, so a torn write from a crash
// never precedes new records.
type Writer struct {
	mu sync.Mutex

	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
	broken error

	opts Options

	// Statistics
	stats WriterStats
}

// Sync modes.
const (
	SyncAsync = "async"
	SyncSync  = "sync"
	SyncFsync = "fsync"
)

// Options configures a log file.
type Options struct {
	// Magic and Version identify the format layered on the log.
	Magic   uint64
	Version uint32

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, flushed on Sync and Close
	// "sync" - flushed to the OS after each record
	// "fsync" - flushed and fsynced after each record
	SyncMode string

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int

	// MaxRecordSize bounds a record; larger length prefixes read as corruption.
	MaxRecordSize int
}

// DefaultOptions returns default log options with the given format identity.
func DefaultOptions(magic uint64, version uint32) Options {
	return Options{
		Magic:         magic,
		Version:       version,
		SyncMode:      config.DefaultSyncMode,
		BufferSize:    config.DefaultWriteBufferSize,
		MaxRecordSize: config.DefaultMaxRecordSize,
	}
}

func (o *Options) normalize() {
	if o.BufferSize <= 0 {
		o.BufferSize = config.DefaultWriteBufferSize
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = config.DefaultMaxRecordSize
	}
	if o.SyncMode == "" {
		o.SyncMode = config.DefaultSyncMode
	}
}

// WriterStats holds writer statistics.
type WriterStats struct {
	RecordsRecovered int64
	TruncatedBytes   int64
	RecordsWritten   int64
	BytesWritten     int64
	SyncsPerformed   int64
	Errors           int64
}

const (
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// OpenWriter opens path for appending, creating it with a header when it
// does not exist. replay, when non-nil, is called with every intact record
// of an existing file in order.
func OpenWriter(path string, opts Options, replay func(payload []byte) error) (*Writer, error) {
	opts.normalize()
	switch opts.SyncMode {
	case SyncAsync, SyncSync, SyncFsync:
	default:
		return nil, errors.NewInvalidValue("sync_mode", opts.SyncMode, "expected async, sync or fsync")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	w := &Writer{path: path, file: f, opts: opts}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.recover(info.Size(), replay); err != nil {
		f.Close()
		return nil, err
	}

	w.writer = bufio.NewWriterSize(f, opts.BufferSize)
	return w, nil
}

func (w *Writer) writeHeader() error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], w.opts.Magic)
	binary.LittleEndian.PutUint32(header[8:12], w.opts.Version)

	if _, err := w.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.file.Seek(headerSize, 0); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	w.size = headerSize
	return nil
}

// recover replays the existing records and cuts the file after the last
// intact one.
func (w *Writer) recover(fileSize int64, replay func([]byte) error) error {
	r, err := newReader(w.file, w.path, w.opts)
	if err != nil {
		return err
	}

	for {
		payload, err := r.ReadRecord()
		if err != nil {
			break
		}
		if replay != nil {
			if err := replay(payload); err != nil {
				// The record is intact but not understood: treat it as the tail.
				r.offset -= int64(recordHeaderSize + len(payload))
				break
			}
		}
		w.stats.RecordsRecovered++
	}

	end := r.Offset()
	if end < fileSize {
		if err := w.file.Truncate(end); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
		w.stats.TruncatedBytes = fileSize - end
	}
	if _, err := w.file.Seek(end, 0); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	w.size = end
	return nil
}

// Write appends one record.
func (w *Writer) Write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrStoreClosed
	}
	if w.broken != nil {
		return fmt.Errorf("log unusable after failed write: %w", w.broken)
	}
	if len(payload) > w.opts.MaxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds limit %d: %w",
			len(payload), w.opts.MaxRecordSize, errors.ErrInvalidConfig)
	}

	// Write record
	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		w.broken = err
		return fmt.Errorf("write record: %w", err)
	}

	recordSize := int64(recordHeaderSize + len(payload))
	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize

	// Sync if needed
	if w.opts.SyncMode == SyncSync || w.opts.SyncMode == SyncFsync {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			w.broken = err
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

// writeRecord writes a single record.
func (w *Writer) writeRecord(payload []byte) error {
	// Calculate CRC
	crc := crc32.ChecksumIEEE(payload)

	// Write length
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}

	// Write payload
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.size += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrStoreClosed
	}
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == SyncFsync {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

// Close flushes and closes the file. Repeated calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.writer.Flush()
	var syncErr error
	if flushErr == nil && w.opts.SyncMode == SyncFsync {
		syncErr = w.file.Sync()
	}
	closeErr := w.file.Close()
	return errors.Join(flushErr, syncErr, closeErr)
}

// Size returns the logical file size including buffered records.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}
