package broker

import "sync"

// MetricsSnapshot is a point-in-time copy of the router's counters.
type MetricsSnapshot struct {
	TotalEvents int64            `json:"totalEvents"`
	PerEvent    map[string]int64 `json:"perEvent"`
	Errors      int64            `json:"errors"`
	RateLimited int64            `json:"rateLimited"`
}

// Metrics aggregates dispatch counters. Mutated by the router on every
// event; reset only on explicit request.
type Metrics struct {
	mu          sync.Mutex
	totalEvents int64
	perEvent    map[string]int64
	errors      int64
	rateLimited int64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{perEvent: make(map[string]int64)}
}

// RecordEvent counts one successfully dispatched event.
func (m *Metrics) RecordEvent(event string) {
	m.mu.Lock()
	m.totalEvents++
	m.perEvent[event]++
	m.mu.Unlock()
}

// RecordError counts one handler fault.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// RecordRateLimited counts one rate-limit rejection.
func (m *Metrics) RecordRateLimited() {
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	per := make(map[string]int64, len(m.perEvent))
	for k, v := range m.perEvent {
		per[k] = v
	}
	return MetricsSnapshot{
		TotalEvents: m.totalEvents,
		PerEvent:    per,
		Errors:      m.errors,
		RateLimited: m.rateLimited,
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.totalEvents = 0
	m.perEvent = make(map[string]int64)
	m.errors = 0
	m.rateLimited = 0
	m.mu.Unlock()
}
