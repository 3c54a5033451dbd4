// Package aggregate keeps running per-channel summaries of acquired
// samples: count, min, max, mean and DDSketch quantiles.
package aggregate

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of quantile estimates.
const DefaultAccuracy = 0.01

// Summary is the result of aggregating one channel role over one bucket.
type Summary struct {
	Device  string
	Channel string
	Role    string
	Unit    string

	BucketStart int64 // Unix milliseconds, 0 for run-wide summaries
	BucketEnd   int64

	Count   int64
	Missing int64
	Sum     float64
	Min     float64
	Max     float64
	Mean    float64

	P50 *float64
	P90 *float64
	P95 *float64
	P99 *float64

	FirstTs int64 // Unix milliseconds
	LastTs  int64
}

// HasQuantiles reports whether quantile estimates are present.
func (s *Summary) HasQuantiles() bool {
	return s.P50 != nil
}

// SetQuantiles sets the quantile estimates.
func (s *Summary) SetQuantiles(p50, p90, p95, p99 float64) {
	s.P50, s.P90, s.P95, s.P99 = &p50, &p90, &p95, &p99
}

// Key returns the series key "device/channel/role".
func (s *Summary) Key() string {
	return s.Device + "/" + s.Channel + "/" + s.Role
}

// StreamingAggregate maintains running statistics of one channel role.
type StreamingAggregate struct {
	mu sync.Mutex

	// Identity
	device  string
	channel string
	role    string
	unit    string

	bucketStart int64
	bucketEnd   int64

	count   int64
	missing int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// nil if quantiles are disabled
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates an aggregate. accuracy <= 0 disables quantiles.
func New(device, channel, role, unit string, accuracy float64) *StreamingAggregate {
	agg := &StreamingAggregate{
		device:   device,
		channel:  channel,
		role:     role,
		unit:     unit,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
		accuracy: accuracy,
	}
	agg.sketch = newSketch(accuracy)
	return agg
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// Add adds a value. NaN counts as a missing reading.
func (a *StreamingAggregate) Add(value float64, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if math.IsNaN(value) || math.IsInf(value, 0) {
		a.missing++
		return
	}

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	ms := ts.UnixMilli()
	if a.firstTs == 0 || ms < a.firstTs {
		a.firstTs = ms
	}
	if ms > a.lastTs {
		a.lastTs = ms
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// AddMissing counts a reading that carried no number.
func (a *StreamingAggregate) AddMissing() {
	a.mu.Lock()
	a.missing++
	a.mu.Unlock()
}

// Count returns the number of values added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if nothing has been added, not even missing readings.
func (a *StreamingAggregate) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == 0 && a.missing == 0
}

// Result returns the summary.
func (a *StreamingAggregate) Result() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Device:      a.device,
		Channel:     a.channel,
		Role:        a.role,
		Unit:        a.unit,
		BucketStart: a.bucketStart,
		BucketEnd:   a.bucketEnd,
		Count:       a.count,
		Missing:     a.missing,
		Sum:         a.sum,
		FirstTs:     a.firstTs,
		LastTs:      a.lastTs,
		Min:         math.NaN(),
		Max:         math.NaN(),
		Mean:        math.NaN(),
	}

	if a.count > 0 {
		s.Mean = a.sum / float64(a.count)
		s.Min = a.min
		s.Max = a.max
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		s.SetQuantiles(p50, p90, p95, p99)
	}
	return s
}

// Reset clears the statistics for a new bucket.
func (a *StreamingAggregate) Reset(bucketStart, bucketEnd int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bucketStart = bucketStart
	a.bucketEnd = bucketEnd
	a.count = 0
	a.missing = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.firstTs = 0
	a.lastTs = 0

	// DDSketch has no Clear
	a.sketch = newSketch(a.accuracy)
}

// BucketStart returns the bucket start timestamp.
func (a *StreamingAggregate) BucketStart() int64 {
	return a.bucketStart
}

// Key returns the series key of the aggregate.
func (a *StreamingAggregate) Key() string {
	return a.device + "/" + a.channel + "/" + a.role
}
