package core

import (
	"sort"
	"sync"
	"time"

	"github.com/maouw/cloudknot/api"
)

// Metrics collects control-plane call metrics.
type Metrics struct {
	mu         sync.Mutex
	counts     map[string]int64           // "Kind op" → count
	failures   map[string]int64           // "Kind op" → failed calls
	latencies  map[string][]time.Duration // "Kind op" → latencies (ring buffer)
	maxSamples int
}

// NewMetrics creates a new Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counts:     make(map[string]int64),
		failures:   make(map[string]int64),
		latencies:  make(map[string][]time.Duration),
		maxSamples: 1000,
	}
}

// Record records one provider call.
func (m *Metrics) Record(kind api.Kind, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	key := string(kind) + " " + op
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	if err != nil {
		m.failures[key]++
	}
	samples := m.latencies[key]
	if len(samples) >= m.maxSamples {
		// Drop oldest half
		samples = samples[m.maxSamples/2:]
	}
	m.latencies[key] = append(samples, d)
}

// Calls returns how many times op ran against kind.
func (m *Metrics) Calls(kind api.Kind, op string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[string(kind)+" "+op]
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Calls: map[string]int64{}, Failures: map[string]int64{}, Latency: map[string]LatencyStats{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Calls:    make(map[string]int64, len(m.counts)),
		Failures: make(map[string]int64, len(m.failures)),
		Latency:  make(map[string]LatencyStats, len(m.latencies)),
	}
	for k, v := range m.counts {
		snap.Calls[k] = v
	}
	for k, v := range m.failures {
		snap.Failures[k] = v
	}
	for k, samples := range m.latencies {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]time.Duration, len(samples))
		copy(sorted, samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.Latency[k] = LatencyStats{
			P50: sorted[len(sorted)*50/100].Milliseconds(),
			P95: sorted[len(sorted)*95/100].Milliseconds(),
			P99: sorted[len(sorted)*99/100].Milliseconds(),
		}
	}
	return snap
}

// MetricsSnapshot is a point-in-time metrics report.
type MetricsSnapshot struct {
	Calls    map[string]int64        `json:"calls"`
	Failures map[string]int64        `json:"failures"`
	Latency  map[string]LatencyStats `json:"latency_ms"`
}

// LatencyStats holds percentile latency values in milliseconds.
type LatencyStats struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}
