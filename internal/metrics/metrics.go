package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Booking outcome labels.
const (
	OutcomeBooked         = "booked"
	OutcomeConflict       = "conflict"
	OutcomePolicyMismatch = "policy_mismatch"
	OutcomeNoSchedule     = "no_schedule"
	OutcomeTimeout        = "timeout"
	OutcomeRejected       = "rejected"
	OutcomeError          = "error"
)

// SchedulingMetrics exposes counters/histograms for availability and booking flows.
type SchedulingMetrics struct {
	bookingTotal       *prometheus.CounterVec
	bookingLatency     prometheus.Histogram
	transitionTotal    *prometheus.CounterVec
	availabilitySize   prometheus.Histogram
	availabilityErrors prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "latency_seconds",
			Help:      "End to end booking latency including lock wait",
			Buckets:   prometheus.DefBuckets,
		}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Appointment lifecycle transitions",
		}, []string{"to", "result"}),
		availabilitySize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "availability",
			Name:      "intervals",
			Help:      "Number of free intervals returned per availability query",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		availabilityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "availability",
			Name:      "errors_total",
			Help:      "Availability queries that failed",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.bookingLatency, m.transitionTotal, m.availabilitySize, m.availabilityErrors)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(outcome).Inc()
	m.bookingLatency.Observe(elapsed.Seconds())
}

func (m *SchedulingMetrics) ObserveTransition(to string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.transitionTotal.WithLabelValues(to, result).Inc()
}

func (m *SchedulingMetrics) ObserveAvailability(intervals int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.availabilityErrors.Inc()
		return
	}
	m.availabilitySize.Observe(float64(intervals))
}
