package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentcal"

var (
	once sync.Once

	appointmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointments_created_total",
			Help:      "Count of appointments created by type.",
		},
		[]string{"type"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Count of appointment status transitions.",
		},
		[]string{"from", "to"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Count of detected double bookings by source.",
		},
		[]string{"source"},
	)

	concurrencyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_failures_total",
			Help:      "Count of writes rejected because of a stale version.",
		},
	)

	smartSchedule = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smart_schedule_total",
			Help:      "Count of smart schedule requests by outcome.",
		},
		[]string{"outcome"},
	)

	smartScheduleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "smart_schedule_duration_seconds",
			Help:      "Latency of smart schedule requests.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP API requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Count of post-commit events dropped because the queue was full.",
		},
		[]string{"type"},
	)

	reminderHandoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_handoffs_total",
			Help:      "Count of reminder jobs passed to the external scheduler by action and result.",
		},
		[]string{"action", "result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Count of cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			appointmentsCreated,
			statusTransitions,
			conflicts,
			concurrencyFailures,
			smartSchedule,
			smartScheduleDuration,
			httpRequests,
			eventsDropped,
			reminderHandoffs,
			cacheLookups,
		)
	})
}

func IncAppointmentCreated(appointmentType string) {
	appointmentsCreated.WithLabelValues(appointmentType).Inc()
}

func IncTransition(from, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}

func IncConflict(source string) {
	conflicts.WithLabelValues(source).Inc()
}

func IncConcurrencyFailure() {
	concurrencyFailures.Inc()
}

func ObserveSmartSchedule(outcome string, seconds float64) {
	smartSchedule.WithLabelValues(outcome).Inc()
	smartScheduleDuration.Observe(seconds)
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

func IncEventDropped(eventType string) {
	eventsDropped.WithLabelValues(eventType).Inc()
}

func IncCache(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func IncReminderHandoff(action, result string) {
	reminderHandoffs.WithLabelValues(action, result).Inc()
}
