package parquet

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// Reader reads rows of type T from a Parquet file.
type Reader[T any] struct {
	file   *os.File
	reader *parquet.GenericReader[T]
	path   string
}

// OpenSamples opens a sample file.
func OpenSamples(path string) (*Reader[SampleRow], error) {
	return openReader[SampleRow](path)
}

// OpenSummaries opens a summary file.
func OpenSummaries(path string) (*Reader[SummaryRow], error) {
	return openReader[SummaryRow](path)
}

func openReader[T any](path string) (*Reader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &Reader[T]{
		file:   f,
		reader: parquet.NewGenericReader[T](f),
		path:   path,
	}, nil
}

// ReadAll reads all rows.
func (r *Reader[T]) ReadAll() ([]T, error) {
	rows := make([]T, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader[T]) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader[T]) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader[T]) Path() string {
	return r.path
}
