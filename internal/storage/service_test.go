package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/h5"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

func testRecord(i int) types.Record {
	return types.Record{
		Device:    "DummyDevice",
		Attrs:     map[string]string{"params.driver": "dummy"},
		Channels:  []string{"Value1"},
		RawUnits:  []string{"V"},
		EngUnits:  []string{"V"},
		Timestamp: time.Unix(int64(1700000000+i), 0),
		Raw:       []types.Value{types.Scalar(float64(i))},
		Scaled:    []types.Value{types.Scalar(float64(i))},
	}
}

func TestAppend_Dispatch(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		file   string
		binary bool
	}{
		{"h5", "run.h5", true},
		{"hdf5 upper case", "run.HDF5", true},
		{"txt", "run.txt", false},
		{"csv", "run.csv", false},
		{"log", "run.log", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			for i := 0; i < 5; i++ {
				if err := Append(path, testRecord(i)); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
			}

			if tt.binary {
				f, err := h5.ReadFile(path)
				if err != nil {
					t.Fatalf("ReadFile: %v", err)
				}
				ts, ok := f.Dataset("/DummyDevice/timestamp")
				if !ok || ts.Len() != 5 {
					t.Fatalf("timestamp dataset = %v, %v", ts, ok)
				}
				raw, _ := f.Dataset("/DummyDevice/Value1/Raw values")
				if s := raw.Shape(); s[len(s)-1] != 5 {
					t.Errorf("raw shape = %v", s)
				}
				return
			}

			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if n := strings.Count(string(b), "# PyLabDataLogger text file"); n != 1 {
				t.Errorf("header count = %d, want 1", n)
			}
		})
	}
}

func TestAppend_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"run.json", "run", "run.h5.bak"} {
		path := filepath.Join(dir, name)
		err := Append(path, testRecord(0))
		if !errors.Is(err, errors.ErrUnsupportedFormat) {
			t.Errorf("%s: err = %v, want ErrUnsupportedFormat", name, err)
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Errorf("%s: file was created", name)
		}
	}
}

func TestAppend_MaxRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")

	for i := 0; i < 2; i++ {
		if err := Append(path, testRecord(i), WithMaxRecords(2)); err != nil {
			t.Fatal(err)
		}
	}
	if err := Append(path, testRecord(2), WithMaxRecords(2)); !errors.Is(err, errors.ErrCapacityExhausted) {
		t.Errorf("third append = %v, want ErrCapacityExhausted", err)
	}
}

func TestOpen_SyncModes(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []string{"async", "sync", "fsync"} {
		for _, ext := range []string{".h5", ".txt"} {
			a, err := Open(filepath.Join(dir, mode+ext), WithSyncMode(mode))
			if err != nil {
				t.Fatalf("%s%s: %v", mode, ext, err)
			}
			if err := a.Append(testRecord(0)); err != nil {
				t.Errorf("%s%s append: %v", mode, ext, err)
			}
			if err := a.Close(); err != nil {
				t.Errorf("%s%s close: %v", mode, ext, err)
			}
		}
	}

	if _, err := Open(filepath.Join(dir, "bad.h5"), WithSyncMode("sometimes")); !errors.IsValidation(err) {
		t.Errorf("bad sync mode = %v", err)
	}
}

func TestAppend_SchemaMismatchPropagates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	if err := Append(path, testRecord(0)); err != nil {
		t.Fatal(err)
	}

	rec := testRecord(1)
	rec.Raw[0] = types.Vector([]float64{1, 2})
	if err := Append(path, rec); !errors.IsSchemaMismatch(err) {
		t.Errorf("err = %v, want schema mismatch", err)
	}
}
