// Package parquet exports store contents to Parquet for analysis tools.
//
// Sample files are long: one row per device, channel, role, record and
// element. Scalars have element 0; a vector of n values has n rows. Image
// frames are not exported. Summary files hold one row per summarized
// channel.
package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/labstalker/internal/storage/aggregate"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is one value of one record.
type SampleRow struct {
	Device      string  `parquet:"device,dict"`
	Channel     string  `parquet:"channel,dict"`
	Role        string  `parquet:"role,dict"`
	Unit        string  `parquet:"unit,dict"`
	Record      int64   `parquet:"record"`
	TimestampUs int64   `parquet:"timestamp_us"`
	Element     int32   `parquet:"element"`
	Value       float64 `parquet:"value"`
	Text        string  `parquet:"text,optional,zstd"`
	Valid       bool    `parquet:"valid"`
}

// SummaryRow is one channel summary.
type SummaryRow struct {
	Device      string  `parquet:"device,dict"`
	Channel     string  `parquet:"channel,dict"`
	Role        string  `parquet:"role,dict"`
	Unit        string  `parquet:"unit,dict"`
	BucketStart int64   `parquet:"bucket_start"`
	BucketEnd   int64   `parquet:"bucket_end"`
	Count       int64   `parquet:"count"`
	Missing     int64   `parquet:"missing"`
	Min         float64 `parquet:"min"`
	Max         float64 `parquet:"max"`
	Mean        float64 `parquet:"mean"`
	P50         float64 `parquet:"p50,optional"`
	P90         float64 `parquet:"p90,optional"`
	P95         float64 `parquet:"p95,optional"`
	P99         float64 `parquet:"p99,optional"`
	FirstTs     int64   `parquet:"first_ts"`
	LastTs      int64   `parquet:"last_ts"`
}

// SummaryToRow converts a Summary to a SummaryRow.
func SummaryToRow(s *aggregate.Summary) SummaryRow {
	row := SummaryRow{
		Device:      s.Device,
		Channel:     s.Channel,
		Role:        s.Role,
		Unit:        s.Unit,
		BucketStart: s.BucketStart,
		BucketEnd:   s.BucketEnd,
		Count:       s.Count,
		Missing:     s.Missing,
		Min:         s.Min,
		Max:         s.Max,
		Mean:        s.Mean,
		FirstTs:     s.FirstTs,
		LastTs:      s.LastTs,
	}
	if s.HasQuantiles() {
		row.P50, row.P90, row.P95, row.P99 = *s.P50, *s.P90, *s.P95, *s.P99
	}
	return row
}

// Writer writes rows of type T to a Parquet file.
type Writer[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

// SampleWriter writes sample rows.
type SampleWriter = Writer[SampleRow]

// SummaryWriter writes summary rows.
type SummaryWriter = Writer[SummaryRow]

// NewSampleWriter creates a sample Parquet writer.
func NewSampleWriter(path string, opts Options) (*SampleWriter, error) {
	return newWriter[SampleRow](path, opts)
}

// NewSummaryWriter creates a summary Parquet writer.
func NewSummaryWriter(path string, opts Options) (*SummaryWriter, error) {
	return newWriter[SummaryRow](path, opts)
}

func newWriter[T any](path string, opts Options) (*Writer[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](f, parquet.Compression(getCompression(opts.Compression)))
	return &Writer[T]{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the file.
func (w *Writer[T]) Write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer[T]) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
