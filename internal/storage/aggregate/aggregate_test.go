package aggregate

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStreamingAggregate_Basic(t *testing.T) {
	agg := New("dmm", "Vdc", RoleScaled, "V", 0)

	if !agg.IsEmpty() {
		t.Error("new aggregate should be empty")
	}

	agg.Add(10.0, t0)
	agg.Add(20.0, t0.Add(time.Second))
	agg.Add(30.0, t0.Add(2*time.Second))
	agg.Add(math.NaN(), t0.Add(3*time.Second))

	if agg.Count() != 3 {
		t.Errorf("expected count=3, got %d", agg.Count())
	}

	s := agg.Result()
	if s.Count != 3 || s.Missing != 1 {
		t.Errorf("count=%d missing=%d", s.Count, s.Missing)
	}
	if s.Sum != 60 || s.Min != 10 || s.Max != 30 {
		t.Errorf("sum=%f min=%f max=%f", s.Sum, s.Min, s.Max)
	}
	if math.Abs(s.Mean-20) > 0.001 {
		t.Errorf("expected mean=20, got %f", s.Mean)
	}
	if s.FirstTs != t0.UnixMilli() || s.LastTs != t0.Add(2*time.Second).UnixMilli() {
		t.Errorf("first=%d last=%d", s.FirstTs, s.LastTs)
	}
	if s.HasQuantiles() {
		t.Error("should not have quantiles")
	}
	if s.Key() != "dmm/Vdc/scaled" || s.Unit != "V" {
		t.Errorf("key=%q unit=%q", s.Key(), s.Unit)
	}
}

func TestStreamingAggregate_Empty(t *testing.T) {
	agg := New("dmm", "Vdc", RoleScaled, "V", DefaultAccuracy)
	agg.AddMissing()

	if agg.IsEmpty() {
		t.Error("missing readings make the aggregate non-empty")
	}
	s := agg.Result()
	if !math.IsNaN(s.Mean) || !math.IsNaN(s.Min) || s.HasQuantiles() {
		t.Errorf("summary of no values = %+v", s)
	}
}

func TestStreamingAggregate_WithQuantiles(t *testing.T) {
	agg := New("dmm", "Vdc", RoleScaled, "V", DefaultAccuracy)
	for i := 1; i <= 100; i++ {
		agg.Add(float64(i), t0.Add(time.Duration(i)*time.Second))
	}

	s := agg.Result()
	if !s.HasQuantiles() {
		t.Fatal("should have quantiles")
	}
	if math.Abs(*s.P50-50) > 2 {
		t.Errorf("p50 = %f", *s.P50)
	}
	if math.Abs(*s.P99-99) > 2 {
		t.Errorf("p99 = %f", *s.P99)
	}
}

func TestStreamingAggregate_Reset(t *testing.T) {
	agg := New("dmm", "Vdc", RoleScaled, "V", DefaultAccuracy)
	agg.Add(5, t0)
	agg.AddMissing()

	agg.Reset(1000, 2000)
	if !agg.IsEmpty() {
		t.Error("aggregate should be empty after reset")
	}
	if agg.BucketStart() != 1000 {
		t.Errorf("bucket start = %d", agg.BucketStart())
	}
	agg.Add(7, t0)
	if s := agg.Result(); s.Min != 7 || s.Max != 7 || *s.P50 < 6.9 {
		t.Errorf("after reset = %+v", s)
	}
}

func TestStreamingAggregate_Concurrent(t *testing.T) {
	agg := New("dmm", "Vdc", RoleScaled, "V", DefaultAccuracy)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add(float64(i), t0)
			}
		}()
	}
	wg.Wait()

	if agg.Count() != 800 {
		t.Errorf("count = %d", agg.Count())
	}
}

func record(ts time.Time, raw ...types.Value) types.Record {
	rec := types.Record{Device: "rig", Timestamp: ts}
	for i, v := range raw {
		rec.Channels = append(rec.Channels, []string{"T", "P", "W", "S"}[i])
		rec.RawUnits = append(rec.RawUnits, "V")
		rec.EngUnits = append(rec.EngUnits, "C")
		rec.Raw = append(rec.Raw, v)
		s := v
		if v.Kind == types.KindScalar {
			s = types.Scalar(v.Num * 2)
		}
		rec.Scaled = append(rec.Scaled, s)
	}
	return rec
}

func TestManager_RunWide(t *testing.T) {
	m := NewManager()

	m.Process(record(t0, types.Scalar(1), types.None(), types.Vector([]float64{1, 2}), types.Text("OK")))
	m.Process(record(t0.Add(time.Hour), types.Scalar(3), types.Scalar(4), types.Vector([]float64{3, 4}), types.Text("OK")))

	if m.FlushCompleted() != nil {
		t.Error("run-wide summaries never complete early")
	}

	got := m.FlushAll()
	if len(got) != 2 {
		t.Fatalf("summaries = %+v", got)
	}
	// Sorted by key: P before T.
	p, temp := got[0], got[1]
	if p.Channel != "P" || p.Count != 1 || p.Missing != 1 || p.Mean != 8 {
		t.Errorf("P = %+v", p)
	}
	if temp.Channel != "T" || temp.Mean != 4 || temp.Unit != "C" || temp.Role != RoleScaled {
		t.Errorf("T = %+v", temp)
	}
	if st := m.Stats(); st.RecordsProcessed != 2 || st.ActiveAggregates != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestManager_BucketTransition(t *testing.T) {
	m := NewManager(WithBucket(time.Minute), WithAccuracy(0), WithRaw())

	m.Process(record(t0, types.Scalar(1)))
	m.Process(record(t0.Add(10*time.Second), types.Scalar(2)))
	if m.FlushCompleted() != nil {
		t.Error("bucket should still be open")
	}

	m.Process(record(t0.Add(time.Minute), types.Scalar(5)))
	done := m.FlushCompleted()
	if len(done) != 2 {
		t.Fatalf("completed = %+v", done)
	}
	for _, s := range done {
		if s.Count != 2 || s.BucketStart != t0.UnixMilli() || s.BucketEnd != t0.Add(time.Minute).UnixMilli() {
			t.Errorf("completed bucket = %+v", s)
		}
	}

	rest := m.FlushAll()
	if len(rest) != 2 || rest[0].Role != RoleRaw || rest[0].Max != 5 || rest[1].Max != 10 {
		t.Errorf("open buckets = %+v", rest)
	}
	if rest[0].BucketStart != t0.Add(time.Minute).UnixMilli() {
		t.Errorf("open bucket start = %d", rest[0].BucketStart)
	}
}

func TestSortSummaries(t *testing.T) {
	s := []Summary{
		{Device: "b", Channel: "x", Role: RoleScaled, BucketStart: 2},
		{Device: "b", Channel: "x", Role: RoleScaled, BucketStart: 1},
		{Device: "a", Channel: "x", Role: RoleScaled, BucketStart: 2},
	}
	SortSummaries(s)
	if s[0].BucketStart != 1 || s[1].Device != "a" || s[2].Device != "b" {
		t.Errorf("sorted = %+v", s)
	}
}
