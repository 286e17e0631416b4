package logger

import (
	"sync"
	"time"
)

// Metrics tracks counters and timing measurements for a pipeline run.
// All operations are thread-safe.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string][]time.Duration
}

var defaultMetrics = NewMetrics()

// NewMetrics creates an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		timings:  make(map[string][]time.Duration),
	}
}

// IncrCounter increments a counter by 1.
func (m *Metrics) IncrCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

// AddCounter adds delta to a counter.
func (m *Metrics) AddCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// RecordTiming records a duration measurement.
func (m *Metrics) RecordTiming(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name] = append(m.timings[name], d)
}

// Snapshot returns a copy of all counters plus per-timing statistics
// (count, total, average, min, max).
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}

	timings := make(map[string]map[string]interface{}, len(m.timings))
	for name, ds := range m.timings {
		if len(ds) == 0 {
			continue
		}
		var total time.Duration
		min, max := ds[0], ds[0]
		for _, d := range ds {
			total += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		timings[name] = map[string]interface{}{
			"count":   len(ds),
			"total":   total.String(),
			"average": (total / time.Duration(len(ds))).String(),
			"min":     min.String(),
			"max":     max.String(),
		}
	}

	return map[string]interface{}{
		"counters": counters,
		"timings":  timings,
	}
}

// IncrCounter increments a counter on the default metrics tracker.
func IncrCounter(name string) { defaultMetrics.IncrCounter(name) }

// AddCounter adds delta to a counter on the default metrics tracker.
func AddCounter(name string, delta int64) { defaultMetrics.AddCounter(name, delta) }

// RecordTiming records a timing on the default metrics tracker.
func RecordTiming(name string, d time.Duration) { defaultMetrics.RecordTiming(name, d) }

// MetricsSnapshot returns a snapshot of the default metrics tracker.
func MetricsSnapshot() map[string]interface{} { return defaultMetrics.Snapshot() }
