package aggregate

import (
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Series roles.
const (
	RoleRaw    = "raw"
	RoleScaled = "scaled"
)

// Manager summarizes the scalar channels of every record it sees.
// Vector, image and text channels are not summarized.
//
// With a bucket size of zero a summary spans the whole run; otherwise a
// summary is completed whenever a record falls into a later bucket.
type Manager struct {
	mu sync.RWMutex

	bucketSize time.Duration
	accuracy   float64
	roles      []string

	// key "device/channel/role"
	aggregates map[string]*StreamingAggregate

	completed []Summary

	stats ManagerStats
}

// ManagerStats holds statistics for the manager.
type ManagerStats struct {
	ActiveAggregates int64
	CompletedPending int64
	RecordsProcessed int64
	BucketsCompleted int64
	FlushesPerformed int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBucket sets the bucket size.
func WithBucket(d time.Duration) Option {
	return func(m *Manager) { m.bucketSize = d }
}

// WithAccuracy sets the quantile accuracy; zero disables quantiles.
func WithAccuracy(accuracy float64) Option {
	return func(m *Manager) { m.accuracy = accuracy }
}

// WithRaw also summarizes raw values.
func WithRaw() Option {
	return func(m *Manager) { m.roles = []string{RoleRaw, RoleScaled} }
}

// NewManager creates a manager that summarizes scaled values run-wide.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		accuracy:   DefaultAccuracy,
		roles:      []string{RoleScaled},
		aggregates: make(map[string]*StreamingAggregate),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Process adds the scalar values of a record.
func (m *Manager) Process(rec types.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, end := m.calculateBucket(rec.Timestamp.UnixMilli())
	for _, role := range m.roles {
		values, units := rec.Scaled, rec.EngUnits
		if role == RoleRaw {
			values, units = rec.Raw, rec.RawUnits
		}
		for i, ch := range rec.Channels {
			if i >= len(values) {
				break
			}
			v := values[i]
			if v.Kind == types.KindVector || v.Kind == types.KindImage || v.Kind == types.KindText {
				continue
			}

			key := rec.Device + "/" + ch + "/" + role
			agg, ok := m.aggregates[key]
			if !ok {
				agg = New(rec.Device, ch, role, units[i], m.accuracy)
				agg.Reset(start, end)
				m.aggregates[key] = agg
			} else if start > agg.BucketStart() {
				if !agg.IsEmpty() {
					m.completed = append(m.completed, agg.Result())
					m.stats.BucketsCompleted++
				}
				agg.Reset(start, end)
			}

			if v.Kind == types.KindNone {
				agg.AddMissing()
				continue
			}
			agg.Add(v.Num, rec.Timestamp)
		}
	}
	m.stats.RecordsProcessed++
}

// FlushCompleted returns and clears the completed buckets, so long
// bucketed runs do not hold every summary until FlushAll.
func (m *Manager) FlushCompleted() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.completed) == 0 {
		return nil
	}
	result := m.completed
	m.completed = nil
	m.stats.FlushesPerformed++
	return result
}

// FlushAll completes every active aggregate and returns all summaries
// sorted by bucket and key. It is called at the end of a run.
func (m *Manager) FlushAll() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, agg := range m.aggregates {
		if !agg.IsEmpty() {
			m.completed = append(m.completed, agg.Result())
			m.stats.BucketsCompleted++
		}
	}
	m.aggregates = make(map[string]*StreamingAggregate)

	result := m.completed
	m.completed = nil
	m.stats.FlushesPerformed++

	SortSummaries(result)
	return result
}

// SortSummaries orders summaries by bucket, then by series key.
func SortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].BucketStart != s[j].BucketStart {
			return s[i].BucketStart < s[j].BucketStart
		}
		return s[i].Key() < s[j].Key()
	})
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.ActiveAggregates = int64(len(m.aggregates))
	stats.CompletedPending = int64(len(m.completed))
	return stats
}

// calculateBucket calculates the bucket start and end for a timestamp.
func (m *Manager) calculateBucket(timestampMs int64) (start, end int64) {
	bucketMs := m.bucketSize.Milliseconds()
	if bucketMs <= 0 {
		return 0, 0
	}
	start = (timestampMs / bucketMs) * bucketMs
	end = start + bucketMs
	return
}
