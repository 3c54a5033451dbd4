package device

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xtxerr/labstalker/config"
)

const (
	// HealthUnknown indicates no query has completed yet.
	HealthUnknown = "unknown"

	// HealthUp indicates the last query succeeded.
	HealthUp = "up"

	// HealthDegraded indicates intermittent query failures.
	HealthDegraded = "degraded"

	// HealthDown indicates consistently failing queries.
	HealthDown = "down"
)

// Health tracks query outcomes of one device.
//
// Health is safe for concurrent use.
type Health struct {
	clock clock.Clock

	mu                  sync.RWMutex
	state               string
	lastError           string
	consecutiveFailures int
	queries             uint64
	failures            uint64
	lastQueryAt         time.Time
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
}

// HealthSnapshot is a point-in-time copy of Health.
type HealthSnapshot struct {
	State               string
	LastError           string
	ConsecutiveFailures int
	Queries             uint64
	Failures            uint64
	LastQueryAt         time.Time
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
}

func newHealth(clk clock.Clock) *Health {
	return &Health{clock: clk, state: HealthUnknown}
}

// RecordSuccess records a successful query.
func (h *Health) RecordSuccess() {
	now := h.clock.Now()
	h.mu.Lock()
	h.queries++
	h.lastQueryAt = now
	h.lastSuccessAt = now
	h.consecutiveFailures = 0
	h.lastError = ""
	h.state = HealthUp
	h.mu.Unlock()
}

// RecordFailure records a failed query.
func (h *Health) RecordFailure(errMsg string) {
	now := h.clock.Now()
	h.mu.Lock()
	h.queries++
	h.failures++
	h.lastQueryAt = now
	h.lastFailureAt = now
	h.consecutiveFailures++
	h.lastError = errMsg

	// Update health based on consecutive failures
	switch {
	case h.consecutiveFailures >= config.DefaultDownAfter:
		h.state = HealthDown
	case h.consecutiveFailures >= config.DefaultDegradedAfter:
		h.state = HealthDegraded
	}
	h.mu.Unlock()
}

// State returns the health state.
func (h *Health) State() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Snapshot returns a copy of the tracked values.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		State:               h.state,
		LastError:           h.lastError,
		ConsecutiveFailures: h.consecutiveFailures,
		Queries:             h.queries,
		Failures:            h.failures,
		LastQueryAt:         h.lastQueryAt,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}
