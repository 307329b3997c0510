// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BackendLatencyDrift exposes the absolute deviation of the rolling mean
// backend latency from its baseline, per provider family.
var BackendLatencyDrift = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "backend_latency_drift_seconds",
		Help: "Absolute drift of rolling mean backend latency from baseline",
	},
	[]string{"family"},
)

// LatencyDriftMonitor watches per-family backend call latency and warns when
// the rolling mean drifts from a recorded baseline. The baseline is seeded
// from the first full window so slow nodes show up without manual tuning.
type LatencyDriftMonitor struct {
	baselines      map[string]float64
	recent         map[string][]float64
	windowSize     int
	driftThreshold float64
	mu             sync.Mutex
}

// NewLatencyDriftMonitor creates a monitor with the given rolling window
// size and drift threshold in seconds.
func NewLatencyDriftMonitor(windowSize int, driftThreshold float64) *LatencyDriftMonitor {
	if windowSize < 1 {
		windowSize = 1
	}
	return &LatencyDriftMonitor{
		baselines:      make(map[string]float64),
		recent:         make(map[string][]float64),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
	}
}

// Record adds one observed latency for a family and checks for drift once a
// full window is available.
func (m *LatencyDriftMonitor) Record(family string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.recent[family], seconds)
	if len(window) > m.windowSize {
		window = window[1:]
	}
	m.recent[family] = window
	if len(window) < m.windowSize {
		return
	}

	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	baseline, ok := m.baselines[family]
	if !ok {
		m.baselines[family] = mean
		return
	}

	drift := mean - baseline
	if drift < 0 {
		drift = -drift
	}
	BackendLatencyDrift.WithLabelValues(family).Set(drift)
	if drift > m.driftThreshold {
		slog.Warn("backend latency drift detected",
			slog.String("family", family),
			slog.Float64("baseline_seconds", baseline),
			slog.Float64("rolling_mean_seconds", mean),
			slog.Float64("drift_seconds", drift))
	}
}

// Baseline returns the recorded baseline for a family.
func (m *LatencyDriftMonitor) Baseline(family string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.baselines[family]
	return v, ok
}

// SetBaseline overrides the baseline for a family.
func (m *LatencyDriftMonitor) SetBaseline(family string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[family] = seconds
}

// Reset clears all windows and baselines.
func (m *LatencyDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = make(map[string]float64)
	m.recent = make(map[string][]float64)
}
