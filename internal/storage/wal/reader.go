package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/labstalker/internal/errors"
)

// Reader reads records from a log file.
type Reader struct {
	path   string
	src    *bufio.Reader
	file   *os.File
	owned  bool
	offset int64
	opts   Options

	// Statistics
	stats ReaderStats
}

// ReaderStats holds reader statistics.
type ReaderStats struct {
	RecordsRead int64
	BytesRead   int64
	// TornBytes counts bytes after the last intact record.
	TornBytes int64
}

// NewReader opens path and verifies its header.
func NewReader(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, err := newReader(f, path, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

func newReader(f *os.File, path string, opts Options) (*Reader, error) {
	opts.normalize()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	src := bufio.NewReader(f)

	// Verify header
	var header [headerSize]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, errors.ErrInvalidFile)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != opts.Magic {
		return nil, fmt.Errorf("%s: invalid magic %x: %w", path, magic, errors.ErrInvalidFile)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != opts.Version {
		return nil, fmt.Errorf("%s: version %d: %w", path, version, errors.ErrUnsupportedVersion)
	}

	return &Reader{
		path:   path,
		src:    src,
		file:   f,
		offset: headerSize,
		opts:   opts,
	}, nil
}

// ReadRecord reads the next record.
// Returns io.EOF at a clean end of file and an error wrapping
// errors.ErrCorruptRecord at a torn or damaged record.
func (r *Reader) ReadRecord() ([]byte, error) {
	// Read record header
	var header [recordHeaderSize]byte
	n, err := io.ReadFull(r.src, header[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		r.stats.TornBytes += int64(n)
		return nil, fmt.Errorf("read record header: %w", errors.ErrCorruptRecord)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// Sanity check length
	if int64(length) > int64(r.opts.MaxRecordSize) {
		return nil, fmt.Errorf("record too large: %d bytes: %w", length, errors.ErrCorruptRecord)
	}

	// Read payload
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", errors.ErrCorruptRecord)
	}

	// Verify CRC
	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x: %w", expectedCRC, actualCRC, errors.ErrCorruptRecord)
	}

	size := int64(recordHeaderSize + len(payload))
	r.offset += size
	r.stats.RecordsRead++
	r.stats.BytesRead += size

	return payload, nil
}

// Offset returns the file offset just after the last intact record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.owned && r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// Replay calls fn with every intact record of the file at path and stops at
// the first torn or damaged record. A damaged tail is not an error; its
// size is reported in the stats.
func Replay(path string, opts Options, fn func(payload []byte) error) (ReaderStats, error) {
	r, err := NewReader(path, opts)
	if err != nil {
		return ReaderStats{}, err
	}
	defer r.Close()

	info, err := r.file.Stat()
	if err != nil {
		return ReaderStats{}, fmt.Errorf("stat %s: %w", path, err)
	}

	for {
		payload, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if err := fn(payload); err != nil {
			r.offset -= int64(recordHeaderSize + len(payload))
			break
		}
	}

	r.stats.TornBytes = info.Size() - r.offset
	return r.stats, nil
}
