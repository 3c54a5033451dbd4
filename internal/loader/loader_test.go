package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/xtxerr/labstalker/internal/driver/dummy"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/sink"
)

const sample = `
output: ${RUN_DIR}/run.h5
interval: 250ms
samples: 10
parallel: true
reset_on_error: true
store:
  max_records: 100
  sync_mode: fsync
summary:
  path: summary.parquet
  bucket: 60
mirror:
  batch_size: 8
  mqtt:
    broker: tcp://localhost:1883
    qos: 1
devices:
  - name: dmm
    driver: dummy
    address: dummy://dmm
    extra:
      channels: scalar,vector:4
    config:
      channel_names: [Vdc, Trace]
      scale: [1000, 1]
      eng_units: [mV, V]
  - name: psu
    driver: dummy
`

func TestParse(t *testing.T) {
	t.Setenv("RUN_DIR", "/data")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Output != "/data/run.h5" {
		t.Errorf("output = %q", cfg.Output)
	}
	if cfg.Interval.Duration() != 250*time.Millisecond || cfg.Summary.Bucket.Duration() != time.Minute {
		t.Errorf("durations = %v, %v", cfg.Interval.Duration(), cfg.Summary.Bucket.Duration())
	}
	if cfg.Store.MaxRecords != 100 || cfg.Store.SyncMode != "fsync" {
		t.Errorf("store = %+v", cfg.Store)
	}
	// unset fields keep their defaults
	if cfg.Mirror.BufferSize != 1024 || cfg.Mirror.BatchSize != 8 || cfg.Logging.Level != "info" {
		t.Errorf("mirror = %+v, logging = %+v", cfg.Mirror, cfg.Logging)
	}
	if cfg.Mirror.MQTT == nil || cfg.Mirror.MQTT.QoS != 1 || cfg.Mirror.Influx != nil {
		t.Errorf("mqtt = %+v, influx = %+v", cfg.Mirror.MQTT, cfg.Mirror.Influx)
	}

	dmm := cfg.Devices[0]
	if dmm.Name != "dmm" || dmm.Driver != "dummy" || dmm.Extra["channels"] != "scalar,vector:4" {
		t.Errorf("params = %+v", dmm.Params)
	}
	if len(dmm.Config.Scale) != 2 || dmm.Config.Scale[0] != 1000 || dmm.Config.EngUnits[0] != "mV" {
		t.Errorf("config = %+v", dmm.Config)
	}

	acq := cfg.Acquire()
	if !acq.Parallel || !acq.ResetOnTransportError || acq.Samples != 10 || len(acq.StoreOptions) != 2 || acq.Mirror.BatchSize != 8 {
		t.Errorf("acquire = %+v", acq)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.yaml")
	if err := os.WriteFile(path, []byte("output: x.txt\ndevices:\n  - name: a\n    driver: dummy\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Interval.Duration() != time.Second || cfg.Store.SyncMode != "sync" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "run.xlsx"
	cfg.Interval = 0
	cfg.Store.SyncMode = "sometimes"
	cfg.Mirror.Influx = &sink.InfluxConfig{}
	cfg.Devices = []DeviceConfig{{}, {}}
	cfg.Devices[0].Name = "a"
	cfg.Devices[0].Driver = "dummy"
	cfg.Devices[1].Name = "a"
	cfg.Devices[1].Config.ChannelNames = []string{"bad/name"}

	err := Validate(cfg)
	if !errors.IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
	var ve *errors.ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("not a ValidationErrors: %T", err)
	}

	msg := err.Error()
	for _, want := range []string{"output", "interval", "store.sync_mode", "influx.url", "duplicate device", "devices[1].driver", "channel_names[0]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("%q missing from:\n%s", want, msg)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, doc := range []string{
		"interval: soon\n",
		"devices: {name: a}\n",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%q accepted", doc)
		}
	}
}

func TestBuildDevices(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	devs, err := BuildDevices(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 || devs[0].Name() != "dmm" || devs[1].Name() != "psu" {
		t.Fatalf("devices = %v", devs)
	}

	cfg.Devices[1].Driver = "nosuch"
	if _, err := BuildDevices(cfg); !errors.IsNotFound(err) {
		t.Errorf("err = %v", err)
	}
}

func TestSinksWithoutMirrors(t *testing.T) {
	sinks, err := Sinks(DefaultConfig(), "run")
	if err != nil || len(sinks) != 0 {
		t.Errorf("sinks = %v, %v", sinks, err)
	}
}

func TestSinksFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mirror.MQTT = &sink.MQTTConfig{Broker: "tcp://h:1883", QoS: 7}
	if _, err := Sinks(cfg, "run"); !errors.IsValidation(err) {
		t.Errorf("err = %v", err)
	}
}
