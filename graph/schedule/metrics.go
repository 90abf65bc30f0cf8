package schedule

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects scheduler metrics, namespaced "stepflow_scheduler_".
// A nil *Metrics records nothing.
type Metrics struct {
	ticks    prometheus.Counter
	triggers prometheus.Counter
	skips    *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates and registers the scheduler metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Schedule scans performed",
		}),
		triggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Executions started by the scheduler",
		}),
		skips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Schedules not triggered during a scan",
		}, []string{"reason"}), // reason: not_due, already_executed
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Schedules that failed to process",
		}, []string{"kind"}), // kind: invalid_schedule, trigger
	}
}

func (m *Metrics) recordTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) recordTrigger() {
	if m == nil {
		return
	}
	m.triggers.Inc()
}

func (m *Metrics) recordSkip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordError(err error) {
	if m == nil {
		return
	}
	kind := "trigger"
	var se *SchedulingError
	if errors.As(err, &se) {
		kind = "invalid_schedule"
	}
	m.errors.WithLabelValues(kind).Inc()
}
