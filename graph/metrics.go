package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics.
//
// Metrics exposed (all namespaced with "stepflow_"):
//
//  1. inflight_steps (gauge): steps currently executing across all runs.
//  2. step_latency_ms (histogram): handler duration per step, labels step_type and status.
//  3. step_outcomes_total (counter): settled steps, labels step_type and outcome
//     (completed, failed, skipped).
//  4. retries_total (counter): retry attempts, labels step_type and reason.
//  5. parallel_batch_size (histogram): number of steps in each parallel tick.
//  6. executions_total (counter): finished executions, label status.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(st, dispatcher, sink, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, so the engine can call them
// unconditionally.
type PrometheusMetrics struct {
	inflightSteps prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	stepOutcomes  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	executions    *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the engine metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepflow",
		Name:      "inflight_steps",
		Help:      "Number of steps currently executing",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stepflow",
		Name:      "step_latency_ms",
		Help:      "Step handler duration in milliseconds, including retries",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"step_type", "status"}) // status: success, error, timeout

	pm.stepOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "step_outcomes_total",
		Help:      "Settled steps by outcome",
	}, []string{"step_type", "outcome"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "retries_total",
		Help:      "Step retry attempts",
	}, []string{"step_type", "reason"}) // reason: error, timeout

	pm.batchSize = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stepflow",
		Name:      "parallel_batch_size",
		Help:      "Number of steps dispatched together in a parallel tick",
		Buckets:   []float64{2, 3, 4, 6, 8, 12, 16, 32},
	})

	pm.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "executions_total",
		Help:      "Finished executions by final status",
	}, []string{"status"})

	return pm
}

func (pm *PrometheusMetrics) active() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency observes a step's handler duration.
func (pm *PrometheusMetrics) RecordStepLatency(stepType string, latency time.Duration, status string) {
	if !pm.active() {
		return
	}
	pm.stepLatency.WithLabelValues(stepType, status).Observe(float64(latency.Milliseconds()))
}

// RecordStepOutcome counts a settled step.
func (pm *PrometheusMetrics) RecordStepOutcome(stepType string, outcome StepStatus) {
	if !pm.active() {
		return
	}
	pm.stepOutcomes.WithLabelValues(stepType, string(outcome)).Inc()
}

// IncrementRetries counts a retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(stepType, reason string) {
	if !pm.active() {
		return
	}
	pm.retries.WithLabelValues(stepType, reason).Inc()
}

// UpdateInflightSteps sets the number of steps currently executing.
func (pm *PrometheusMetrics) UpdateInflightSteps(count int) {
	if !pm.active() {
		return
	}
	pm.inflightSteps.Set(float64(count))
}

// RecordParallelBatch observes the size of a parallel tick.
func (pm *PrometheusMetrics) RecordParallelBatch(size int) {
	if !pm.active() {
		return
	}
	pm.batchSize.Observe(float64(size))
}

// RecordExecution counts a finished execution.
func (pm *PrometheusMetrics) RecordExecution(status string) {
	if !pm.active() {
		return
	}
	pm.executions.WithLabelValues(status).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values. Counters and histograms are cumulative and keep
// their observations.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightSteps.Set(0)
}
