// Package buffer provides the bounded queue between the acquisition loop
// and slower consumers such as mirrors.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// RingBuffer is a thread-safe circular buffer of records.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Record
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64
	capacity int64

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]types.Record, capacity),
		capacity: int64(capacity),
	}
}

// PushOverwrite adds a record, dropping the oldest if full. It reports
// whether a record was dropped.
func (rb *RingBuffer) PushOverwrite(rec types.Record) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := false
	if rb.count >= rb.capacity {
		rb.data[rb.tail%rb.capacity] = types.Record{}
		rb.tail++
		rb.count--
		rb.dropCount.Add(1)
		dropped = true
	}
	rb.put(rec)
	return dropped
}

func (rb *RingBuffer) put(rec types.Record) {
	rb.data[rb.head%rb.capacity] = rec
	rb.head++
	rb.count++
	rb.pushCount.Add(1)
}

// PopN removes and returns up to n oldest records.
func (rb *RingBuffer) PopN(n int) []types.Record {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 || n <= 0 {
		return nil
	}

	count := min(int64(n), rb.count)
	result := make([]types.Record, count)
	for i := int64(0); i < count; i++ {
		idx := (rb.tail + i) % rb.capacity
		result[i] = rb.data[idx]
		rb.data[idx] = types.Record{}
	}

	rb.tail += count
	rb.count -= count
	rb.popCount.Add(count)

	return result
}

// Len returns the current number of records in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		UsageRatio: float64(rb.count) / float64(rb.capacity),
		PushCount:  rb.pushCount.Load(),
		PopCount:   rb.popCount.Load(),
		DropCount:  rb.dropCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}
