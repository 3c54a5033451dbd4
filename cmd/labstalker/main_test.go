package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtxerr/labstalker/internal/errors"
)

// acquireRun records three polls of one dummy device and returns the
// store path.
func acquireRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store := filepath.Join(dir, "run.h5")
	cfgPath := filepath.Join(dir, "acq.yaml")
	doc := fmt.Sprintf(`output: %s
interval: 1ms
samples: 3
logging:
  level: error
  format: text
devices:
  - name: dmm
    driver: dummy
    extra:
      channels: scalar,vector:4
`, store)
	if err := os.WriteFile(cfgPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), "acquire", []string{"-config", cfgPath}, &out); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !strings.Contains(out.String(), ": 3 records in ") {
		t.Errorf("acquire output:\n%s", out.String())
	}
	return store
}

func TestAcquireExportQuery(t *testing.T) {
	store := acquireRun(t)
	pq := filepath.Join(t.TempDir(), "dmm.parquet")

	var out bytes.Buffer
	if err := run(context.Background(), "export", []string{"-in", store, "-out", pq}, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	// 3 records of 1 + 4 elements, raw and scaled
	if !strings.Contains(out.String(), "30 rows") {
		t.Errorf("export output: %s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), "query", []string{"-parquet", pq, "-role", "scaled"}, &out); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(out.String(), "Value1") || !strings.Contains(out.String(), "Value2") {
		t.Errorf("query output:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), "query", []string{"-parquet", pq, "-sql", "SELECT count(*) AS n FROM samples"}, &out); err != nil {
		t.Fatalf("query -sql: %v", err)
	}
	if lines := strings.Fields(out.String()); len(lines) != 2 || lines[0] != "n" || lines[1] != "30" {
		t.Errorf("sql output: %q", out.String())
	}
}

func TestInspect(t *testing.T) {
	store := acquireRun(t)

	var out bytes.Buffer
	if err := run(context.Background(), "inspect", []string{"-in", store, "-attrs"}, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"dmm/", "timestamp", "3/4096 records", "Raw values", "[V]"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("%q missing from:\n%s", want, out.String())
		}
	}

	err := run(context.Background(), "inspect", []string{"-in", "run.txt"}, &out)
	if !errors.Is(err, errors.ErrUnsupportedFormat) {
		t.Errorf("inspect text store: %v", err)
	}
}

func TestDriversAndUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), "drivers", nil, &out); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"dummy", "i2c", "serial", "snmp"} {
		if !strings.Contains(out.String(), name+"\n") {
			t.Errorf("driver %s not registered:\n%s", name, out.String())
		}
	}

	if err := run(context.Background(), "frobnicate", nil, &out); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestAcquireInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "acq.yaml")
	if err := os.WriteFile(cfgPath, []byte("output: run.xlsx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), "acquire", []string{"-config", cfgPath}, &bytes.Buffer{})
	if !errors.IsValidation(err) {
		t.Errorf("err = %v", err)
	}
}
