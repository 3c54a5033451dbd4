package parquet

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/aggregate"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func writeStore(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.h5")
	s, err := h5.Open(path, h5.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < n; i++ {
		v := float64(i)
		status := types.Text("OK")
		if i == 1 {
			status = types.None()
		}
		rec := types.Record{
			Device:    "scope",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Channels:  []string{"Vpp", "Trace", "Status"},
			RawUnits:  []string{"V", "V", ""},
			EngUnits:  []string{"mV", "V", ""},
			Raw:       []types.Value{types.Scalar(v), types.Vector([]float64{v, v + 1}), status},
			Scaled:    []types.Value{types.Scalar(v * 1000), types.Vector([]float64{v, v + 1}), status},
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return path
}

func TestExportDevice(t *testing.T) {
	in := writeStore(t, 3)
	out := filepath.Join(t.TempDir(), "nested", "scope.parquet")

	n, err := ExportDevice(in, "scope", out, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	// Per record: 2 scalar roles + 2*2 vector elements + 2 text roles.
	if n != 3*8 {
		t.Fatalf("rows = %d, want 24", n)
	}

	r, err := OpenSamples(out)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(rows)) != n || r.NumRows() != n {
		t.Fatalf("read %d rows", len(rows))
	}

	var scaled, trace, missing int
	for _, row := range rows {
		if row.Device != "scope" {
			t.Errorf("device = %q", row.Device)
		}
		switch {
		case row.Channel == "Vpp" && row.Role == aggregate.RoleScaled:
			scaled++
			if row.Unit != "mV" || row.Value != float64(row.Record)*1000 {
				t.Errorf("scaled row = %+v", row)
			}
			if row.TimestampUs != t0.Add(time.Duration(row.Record)*time.Second).UnixMicro() {
				t.Errorf("timestamp = %d", row.TimestampUs)
			}
		case row.Channel == "Trace" && row.Role == aggregate.RoleRaw:
			trace++
			if row.Value != float64(row.Record)+float64(row.Element) {
				t.Errorf("trace row = %+v", row)
			}
		case row.Channel == "Status":
			if !row.Valid {
				missing++
				if row.Text != "None" || row.Record != 1 {
					t.Errorf("missing status row = %+v", row)
				}
			} else if row.Text != "OK" || !math.IsNaN(row.Value) {
				t.Errorf("status row = %+v", row)
			}
		}
	}
	if scaled != 3 || trace != 6 || missing != 2 {
		t.Errorf("scaled=%d trace=%d missing=%d", scaled, trace, missing)
	}
}

func TestExportUnknownDevice(t *testing.T) {
	in := writeStore(t, 1)
	_, err := ExportDevice(in, "psu", filepath.Join(t.TempDir(), "x.parquet"), DefaultOptions())
	if !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestSummaries(t *testing.T) {
	m := aggregate.NewManager()
	for i := 1; i <= 10; i++ {
		m.Process(types.Record{
			Device:    "dmm",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Channels:  []string{"Vdc"},
			RawUnits:  []string{"V"},
			EngUnits:  []string{"V"},
			Raw:       []types.Value{types.Scalar(float64(i))},
			Scaled:    []types.Value{types.Scalar(float64(i))},
		})
	}

	path := filepath.Join(t.TempDir(), "summary.parquet")
	if err := WriteSummaries(path, m.FlushAll(), Options{Compression: ParseCompressionType("snappy")}); err != nil {
		t.Fatal(err)
	}

	r, err := OpenSummaries(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.Count != 10 || row.Min != 1 || row.Max != 10 || row.Mean != 5.5 || row.P50 == 0 {
		t.Errorf("summary = %+v", row)
	}
}

func TestWriterClosed(t *testing.T) {
	w, err := NewSampleWriter(filepath.Join(t.TempDir(), "s.parquet"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Write([]SampleRow{{Device: "x"}}); err != ErrWriterClosed {
		t.Errorf("err = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy": CompressionSnappy,
		"zstd":   CompressionZstd,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"":       CompressionNone,
		"bogus":  CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("%q = %v, want %v", in, got, want)
		}
	}
}
