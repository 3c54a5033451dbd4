package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/labstalker/internal/errors"
)

const testMagic = 0x544553544C4F4701

func testOptions() Options {
	opts := DefaultOptions(testMagic, 1)
	opts.SyncMode = SyncSync
	return opts
}

func writeRecords(t *testing.T, path string, payloads ...string) {
	t.Helper()
	w, err := OpenWriter(path, testOptions(), nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	for _, p := range payloads {
		if err := w.Write([]byte(p)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func readAll(t *testing.T, path string) ([]string, ReaderStats) {
	t.Helper()
	var got []string
	stats, err := Replay(path, testOptions(), func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return got, stats
}

func TestWriter_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeRecords(t, path, "one", "two", "three")

	got, stats := readAll(t, path)
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("records = %v", got)
	}
	if stats.TornBytes != 0 {
		t.Errorf("TornBytes = %d, want 0", stats.TornBytes)
	}
}

func TestWriter_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeRecords(t, path, "a", "b")

	var replayed []string
	w, err := OpenWriter(path, testOptions(), func(p []byte) error {
		replayed = append(replayed, string(p))
		return nil
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %v", replayed)
	}
	if err := w.Write([]byte("c")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	got, _ := readAll(t, path)
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("records = %v", got)
	}
}

func TestWriter_TruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeRecords(t, path, "first", "second")

	intact, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash in the middle of a record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x12, 0x34})
	f.Close()

	got, stats := readAll(t, path)
	if len(got) != 2 {
		t.Fatalf("records before recovery = %v", got)
	}
	if stats.TornBytes != 6 {
		t.Errorf("TornBytes = %d, want 6", stats.TornBytes)
	}

	w, err := OpenWriter(path, testOptions(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w.Stats().TruncatedBytes != 6 {
		t.Errorf("TruncatedBytes = %d, want 6", w.Stats().TruncatedBytes)
	}
	if w.Size() != intact.Size() {
		t.Errorf("Size = %d, want %d", w.Size(), intact.Size())
	}
	w.Write([]byte("third"))
	w.Close()

	got, _ = readAll(t, path)
	if fmt.Sprint(got) != "[first second third]" {
		t.Errorf("records = %v", got)
	}
}

func TestReader_CRCMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeRecords(t, path, "good", "flipped")

	data, _ := os.ReadFile(path)
	data[len(data)-1] ^= 0xff
	os.WriteFile(path, data, 0644)

	r, err := NewReader(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	p, err := r.ReadRecord()
	if err != nil || !bytes.Equal(p, []byte("good")) {
		t.Fatalf("first record = %q, %v", p, err)
	}
	if _, err := r.ReadRecord(); !errors.Is(err, errors.ErrCorruptRecord) {
		t.Errorf("second record error = %v, want ErrCorruptRecord", err)
	}
}

func TestReader_InvalidFile(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.bin")
	os.WriteFile(bad, []byte("not a log file at all"), 0644)
	if _, err := NewReader(bad, testOptions()); !errors.Is(err, errors.ErrInvalidFile) {
		t.Errorf("bad magic error = %v", err)
	}

	if _, err := OpenWriter(bad, testOptions(), nil); !errors.Is(err, errors.ErrInvalidFile) {
		t.Errorf("writer on foreign file error = %v", err)
	}

	other := filepath.Join(dir, "v2.bin")
	opts := testOptions()
	opts.Version = 2
	w, err := OpenWriter(other, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := NewReader(other, testOptions()); !errors.Is(err, errors.ErrUnsupportedVersion) {
		t.Errorf("version error = %v", err)
	}
}

func TestWriter_ReplayRejectStopsAtRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeRecords(t, path, "ok", "unknown", "after")

	w, err := OpenWriter(path, testOptions(), func(p []byte) error {
		if string(p) == "unknown" {
			return fmt.Errorf("cannot decode")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Stats().RecordsRecovered != 1 {
		t.Errorf("RecordsRecovered = %d, want 1", w.Stats().RecordsRecovered)
	}
	w.Close()

	got, _ := readAll(t, path)
	if fmt.Sprint(got) != "[ok]" {
		t.Errorf("records = %v", got)
	}
}

func TestWriter_ClosedAndSyncModes(t *testing.T) {
	dir := t.TempDir()

	opts := testOptions()
	opts.SyncMode = "sometimes"
	if _, err := OpenWriter(filepath.Join(dir, "x.bin"), opts, nil); err == nil {
		t.Errorf("expected error for unknown sync mode")
	}

	for _, mode := range []string{SyncAsync, SyncSync, SyncFsync} {
		opts := testOptions()
		opts.SyncMode = mode
		path := filepath.Join(dir, mode+".bin")
		w, err := OpenWriter(path, opts, nil)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		w.Write([]byte("payload"))
		if err := w.Close(); err != nil {
			t.Fatalf("%s close: %v", mode, err)
		}
		if err := w.Close(); err != nil {
			t.Errorf("%s second close: %v", mode, err)
		}
		if err := w.Write([]byte("late")); !errors.Is(err, errors.ErrStoreClosed) {
			t.Errorf("%s write after close = %v", mode, err)
		}
		got, _ := readAll(t, path)
		if len(got) != 1 {
			t.Errorf("%s: records = %v", mode, got)
		}
	}
}

func BenchmarkWriter_Write(b *testing.B) {
	opts := testOptions()
	opts.SyncMode = SyncAsync
	w, err := OpenWriter(filepath.Join(b.TempDir(), "bench.bin"), opts, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	payload := bytes.Repeat([]byte{0xab}, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Write(payload); err != nil {
			b.Fatal(err)
		}
	}
}
