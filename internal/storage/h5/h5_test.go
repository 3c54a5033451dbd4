package h5

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func scalarRecord(device string, i int, raw ...types.Value) types.Record {
	rec := types.Record{
		Device:    device,
		Attrs:     map[string]string{"config.scale": fmt.Sprintf("[%d]", i+1)},
		Timestamp: t0.Add(time.Duration(i) * time.Second),
	}
	for j, v := range raw {
		rec.Channels = append(rec.Channels, fmt.Sprintf("Value%d", j+1))
		rec.RawUnits = append(rec.RawUnits, "V")
		rec.EngUnits = append(rec.EngUnits, "mV")
		rec.Raw = append(rec.Raw, v)
		if v.IsNumeric() {
			rec.Scaled = append(rec.Scaled, v)
		} else {
			rec.Scaled = append(rec.Scaled, types.NaN())
		}
	}
	return rec
}

func openStore(t *testing.T, path string, maxRecords int) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.MaxRecords = maxRecords
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func readFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	return f
}

func TestFiveAppendsReopenEachTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")

	for i := 0; i < 5; i++ {
		s := openStore(t, path, 0)
		if err := s.Append(scalarRecord("DummyDevice", i, types.Scalar(float64(i)))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	f := readFile(t, path)
	ts, ok := f.Dataset("/DummyDevice/timestamp")
	if !ok {
		t.Fatalf("timestamp dataset missing")
	}
	if ts.Len() != 5 {
		t.Errorf("timestamp len = %d, want 5", ts.Len())
	}

	raw, ok := f.Dataset("/DummyDevice/Value1/Raw values")
	if !ok {
		t.Fatalf("raw dataset missing")
	}
	shape := raw.Shape()
	if len(shape) != 1 || shape[0] != 5 {
		t.Errorf("raw shape = %v, want [5]", shape)
	}
	if ms := raw.MaxShape(); len(ms) != 1 || ms[0] != 4096 {
		t.Errorf("raw max shape = %v, want [4096]", ms)
	}
	for i := 0; i < 5; i++ {
		v, err := raw.Float64At(i)
		if err != nil || v != float64(i) {
			t.Errorf("raw[%d] = %v, %v", i, v, err)
		}
	}
	if u, _ := raw.Attr("units"); u != "V" {
		t.Errorf("raw units = %q", u)
	}
	scaled, _ := f.Dataset("/DummyDevice/Value1/Scaled values")
	if u, _ := scaled.Attr("units"); u != "mV" {
		t.Errorf("scaled units = %q", u)
	}

	first, _ := ts.StringAt(0)
	if first != "1709294400.000000" {
		t.Errorf("timestamp[0] = %q", first)
	}
}

func TestAttributesFrozenAtFirstAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	defer s.Close()

	s.Append(scalarRecord("psu", 0, types.Scalar(1)))
	s.Append(scalarRecord("psu", 1, types.Scalar(2)))

	f := readFile(t, path)
	g, _ := f.Group("/psu")
	if v, _ := g.Attr("config.scale"); v != "[1]" {
		t.Errorf("config.scale = %q, want [1]", v)
	}
}

func TestShapeEnforcedAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")

	s := openStore(t, path, 0)
	if err := s.Append(scalarRecord("scope", 0, types.Vector([]float64{1, 2, 3}))); err != nil {
		t.Fatalf("append vector: %v", err)
	}
	s.Close()

	s = openStore(t, path, 0)
	defer s.Close()

	err := s.Append(scalarRecord("scope", 1, types.Scalar(7)))
	if !errors.IsSchemaMismatch(err) {
		t.Fatalf("append scalar = %v, want schema mismatch", err)
	}
	if err := s.Append(scalarRecord("scope", 1, types.Vector([]float64{1, 2}))); !errors.IsSchemaMismatch(err) {
		t.Errorf("append short vector = %v, want schema mismatch", err)
	}
	if s.Stats().SchemaRejections != 2 {
		t.Errorf("SchemaRejections = %d", s.Stats().SchemaRejections)
	}
	if s.Len("scope") != 1 {
		t.Errorf("rejected appends were written: len = %d", s.Len("scope"))
	}

	if err := s.Append(scalarRecord("scope", 2, types.None())); err != nil {
		t.Fatalf("absent vector reading: %v", err)
	}
	s.Flush()

	f := readFile(t, path)
	raw, _ := f.Dataset("/scope/Value1/Raw values")
	if got := raw.Shape(); len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Fatalf("shape = %v, want [3 2]", got)
	}
	slot, _ := raw.Slot(1)
	for _, x := range slot {
		if !math.IsNaN(x) {
			t.Errorf("absent slot = %v, want NaN", slot)
		}
	}
}

func TestStringCoercion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	defer s.Close()

	for i, v := range []types.Value{types.None(), types.Text("OVLD"), types.Scalar(2.5), types.None()} {
		if err := s.Append(scalarRecord("meter", i, v)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	s.Flush()

	f := readFile(t, path)
	raw, _ := f.Dataset("/meter/Value1/Raw values")
	if raw.SampleShape().DType != types.DTypeString {
		t.Fatalf("dtype = %v, want string", raw.SampleShape().DType)
	}
	want := []string{"None", "OVLD", "2.5", "None"}
	for i, w := range want {
		if got, _ := raw.StringAt(i); got != w {
			t.Errorf("raw[%d] = %q, want %q", i, got, w)
		}
	}

	scaled, _ := f.Dataset("/meter/Value1/Scaled values")
	if scaled.Len() != 4 {
		t.Fatalf("scaled len = %d, want 4", scaled.Len())
	}
	for i, w := range []float64{math.NaN(), math.NaN(), 2.5, math.NaN()} {
		got, _ := scaled.Float64At(i)
		if math.IsNaN(w) != math.IsNaN(got) || (!math.IsNaN(w) && got != w) {
			t.Errorf("scaled[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestAbsentFirstReadingsDoNotFreeze(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)

	img, _ := types.Image([]float64{1, 2, 3, 4}, 2, 2)
	recs := []types.Record{
		scalarRecord("scope", 0, types.None(), types.None()),
		scalarRecord("scope", 1, types.None(), types.None()),
		scalarRecord("scope", 2, types.Vector([]float64{1, 2, 3}), img),
	}
	for i, rec := range recs {
		if err := s.Append(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	s.Close()

	f := readFile(t, path)
	raw, ok := f.Dataset("/scope/Value1/Raw values")
	if !ok {
		t.Fatal("vector dataset missing")
	}
	if got := raw.Shape(); len(got) != 2 || got[0] != 3 || got[1] != 3 {
		t.Fatalf("shape = %v, want [3 3]", got)
	}
	for i := 0; i < 2; i++ {
		slot, _ := raw.Slot(i)
		for _, x := range slot {
			if !math.IsNaN(x) {
				t.Errorf("slot %d = %v, want NaN", i, slot)
			}
		}
	}
	if slot, _ := raw.Slot(2); slot[2] != 3 {
		t.Errorf("slot 2 = %v", slot)
	}
	if len(f.Frames("scope")) != 2 {
		t.Errorf("frames = %v, want raw and scaled", f.Frames("scope"))
	}

	// The shape frozen by the first real reading holds after reopen.
	s = openStore(t, path, 0)
	defer s.Close()
	if err := s.Append(scalarRecord("scope", 3, types.Scalar(1), img)); !errors.IsSchemaMismatch(err) {
		t.Errorf("scalar into vector channel = %v, want schema mismatch", err)
	}
	if err := s.Append(scalarRecord("scope", 3, types.None(), types.None())); err != nil {
		t.Errorf("absent readings after freeze: %v", err)
	}
}

func TestNonUTF8Attributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)

	rec := scalarRecord("meter", 0, types.Scalar(1))
	rec.RawUnits[0] = "\xb5A"
	rec.Attrs["params.serial"] = "SN\xff01"
	if err := s.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	f := readFile(t, path)
	g, _ := f.Group("/meter")
	if v, _ := g.Attr("params.serial"); v != "SN\xff01" {
		t.Errorf("params.serial = %q", v)
	}
	if v, _ := g.Attr("config.scale"); v != "[1]" {
		t.Errorf("config.scale = %q", v)
	}
	raw, _ := f.Dataset("/meter/Value1/Raw values")
	if v, _ := raw.Attr("units"); v != "\xb5A" {
		t.Errorf("units = %q", v)
	}

	// The restored freeze still accepts the device.
	s = openStore(t, path, 0)
	defer s.Close()
	rec.Timestamp = rec.Timestamp.Add(time.Second)
	if err := s.Append(rec); err != nil {
		t.Errorf("append after reopen: %v", err)
	}
}

func TestTextIntoFloatDatasetIsMismatch(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "run.h5"), 0)
	defer s.Close()

	s.Append(scalarRecord("meter", 0, types.Scalar(1)))
	if err := s.Append(scalarRecord("meter", 1, types.Text("ERR"))); !errors.IsSchemaMismatch(err) {
		t.Errorf("text into float = %v, want schema mismatch", err)
	}
}

func TestCapacityRejection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 3)

	for i := 0; i < 3; i++ {
		if err := s.Append(scalarRecord("daq", i, types.Scalar(1))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	err := s.Append(scalarRecord("daq", 3, types.Scalar(1)))
	if !errors.Is(err, errors.ErrCapacityExhausted) {
		t.Fatalf("4th append = %v, want ErrCapacityExhausted", err)
	}
	if s.Stats().CapacityRejections != 1 {
		t.Errorf("CapacityRejections = %d, want 1", s.Stats().CapacityRejections)
	}

	// Other devices are unaffected.
	if err := s.Append(scalarRecord("other", 0, types.Scalar(1))); err != nil {
		t.Errorf("append other device: %v", err)
	}
	s.Close()

	// The capacity is a property of the file, not of the options.
	s = openStore(t, path, 100)
	defer s.Close()
	if err := s.Append(scalarRecord("daq", 4, types.Scalar(1))); !errors.Is(err, errors.ErrCapacityExhausted) {
		t.Errorf("after reopen = %v, want ErrCapacityExhausted", err)
	}

	f := readFile(t, path)
	ts, _ := f.Dataset("/daq/timestamp")
	if ts.Len() != 3 {
		t.Errorf("timestamp len = %d, want 3", ts.Len())
	}
}

func TestTornAppendIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	s.Append(scalarRecord("psu", 0, types.Scalar(1)))
	s.Append(scalarRecord("psu", 1, types.Scalar(2)))
	s.Close()

	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	f := readFile(t, path)
	ts, _ := f.Dataset("/psu/timestamp")
	if ts.Len() != 1 {
		t.Fatalf("timestamp len after tear = %d, want 1", ts.Len())
	}
	raw, _ := f.Dataset("/psu/Value1/Raw values")
	if raw.Len() != 1 {
		t.Errorf("raw len after tear = %d, want 1", raw.Len())
	}
	if f.TornBytes == 0 {
		t.Errorf("TornBytes = 0")
	}

	s = openStore(t, path, 0)
	if s.Stats().TruncatedBytes == 0 {
		t.Errorf("Open did not truncate the torn tail")
	}
	if err := s.Append(scalarRecord("psu", 2, types.Scalar(3))); err != nil {
		t.Fatal(err)
	}
	s.Close()

	f = readFile(t, path)
	raw, _ = f.Dataset("/psu/Value1/Raw values")
	if raw.Len() != 2 || f.TornBytes != 0 {
		t.Fatalf("len = %d torn = %d", raw.Len(), f.TornBytes)
	}
	if v, _ := raw.Float64At(1); v != 3 {
		t.Errorf("raw[1] = %v, want 3", v)
	}
}

func TestImageFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	defer s.Close()

	gray, _ := types.Image([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	color, _ := types.Image(make([]float64, 12), 2, 2, 3)

	if err := s.Append(scalarRecord("cam", 0, gray)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(scalarRecord("cam", 1, color)); err != nil {
		t.Fatalf("frame of another size: %v", err)
	}
	if err := s.Append(scalarRecord("cam", 2, types.Vector([]float64{1}))); !errors.IsSchemaMismatch(err) {
		t.Errorf("vector into image channel = %v", err)
	}
	s.Flush()

	f := readFile(t, path)
	frames := f.Frames("cam")
	if len(frames) != 4 {
		t.Fatalf("frames = %v, want 4 (raw and scaled per append)", frames)
	}
	if frames[0] != "/cam/frame_00000000" || frames[3] != "/cam/frame_00000003" {
		t.Errorf("frame names = %v", frames)
	}

	d, _ := f.Dataset(frames[0])
	attrs := d.Attrs()
	for k, want := range map[string]string{
		"CLASS":          "IMAGE",
		"IMAGE_VERSION":  "1.2",
		"IMAGE_SUBCLASS": "IMAGE_GRAYSCALE",
		"INTERLACE_MODE": "INTERLACE_PIXEL",
		"channel":        "Value1",
		"role":           "Raw values",
		"timestamp":      "1709294400.000000",
	} {
		if attrs[k] != want {
			t.Errorf("attr %s = %q, want %q", k, attrs[k], want)
		}
	}
	if got := d.Shape(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("frame shape = %v", got)
	}
	if got := d.Data(); got[5] != 6 {
		t.Errorf("frame data = %v", got)
	}

	d, _ = f.Dataset(frames[2])
	if sub, _ := d.Attr("IMAGE_SUBCLASS"); sub != "IMAGE_TRUECOLOR" {
		t.Errorf("3-d frame subclass = %q", sub)
	}

	if _, ok := f.Dataset("/cam/Value1/Raw values"); ok {
		t.Errorf("image channel should not have a series dataset")
	}
	ts, _ := f.Dataset("/cam/timestamp")
	if ts.Len() != 2 {
		t.Errorf("timestamp len = %d, want 2", ts.Len())
	}
}

func TestLateChannelAlignsWithTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	defer s.Close()

	s.Append(scalarRecord("daq", 0, types.Scalar(1)))
	s.Append(scalarRecord("daq", 1, types.Scalar(1), types.Scalar(20)))
	s.Flush()

	f := readFile(t, path)
	late, _ := f.Dataset("/daq/Value2/Raw values")
	if late.Len() != 2 {
		t.Fatalf("late channel len = %d, want 2", late.Len())
	}
	v0, _ := late.Float64At(0)
	v1, _ := late.Float64At(1)
	if !math.IsNaN(v0) || v1 != 20 {
		t.Errorf("late channel = [%v %v], want [NaN 20]", v0, v1)
	}
}

func TestReservedChannelNames(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "run.h5"), 0)
	defer s.Close()

	rec := scalarRecord("daq", 0, types.Scalar(1))
	rec.Channels[0] = "timestamp"
	if err := s.Append(rec); !errors.IsValidation(err) {
		t.Errorf("reserved name = %v", err)
	}
}

func TestRegistryRebuiltFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.h5")
	s := openStore(t, path, 0)
	img, _ := types.Image(make([]float64, 4), 2, 2)
	s.Append(scalarRecord("mixed", 0, types.Scalar(1), types.Vector([]float64{1, 2}), img))
	s.Close()

	reg := readFile(t, path).Registry()
	d, ok := reg.Device("mixed")
	if !ok {
		t.Fatalf("device not restored")
	}
	if got := d.Channels(); len(got) != 3 {
		t.Fatalf("channels = %v", got)
	}
	c, _ := d.Channel("Value3")
	if c.Raw.Class != types.ClassImage {
		t.Errorf("Value3 class = %v, want image", c.Raw.Class)
	}
	c, _ = d.Channel("Value2")
	if c.Raw.Class != types.ClassVector || c.Raw.Dims[0] != 2 || c.RawUnit != "V" {
		t.Errorf("Value2 = %+v", c)
	}
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "run.h5"), 0)
	s.Close()
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := s.Append(scalarRecord("x", 0, types.Scalar(1))); !errors.Is(err, errors.ErrStoreClosed) {
		t.Errorf("append after close = %v", err)
	}
}
