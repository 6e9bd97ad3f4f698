package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	checksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "terminwatch_checks_total",
		Help: "Polling cycles started.",
	})
	checksSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "terminwatch_checks_succeeded_total",
		Help: "Availability checks that completed, with or without results.",
	})
	checksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "terminwatch_checks_failed_total",
		Help: "Availability checks that failed.",
	})
	appointmentsFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "terminwatch_appointments_found_total",
		Help: "Checks that found at least one available day.",
	})
	consecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "terminwatch_consecutive_failures",
		Help: "Failed checks since the last success.",
	})
	lastCheckTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "terminwatch_last_check_timestamp_seconds",
		Help: "Unix time of the last polling cycle.",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "terminwatch_cycle_duration_seconds",
		Help:    "Duration of a polling cycle.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	bookings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terminwatch_bookings_total",
		Help: "Booking conversations by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(checksTotal, checksSucceeded, checksFailed, appointmentsFound,
		consecutiveFailures, lastCheckTime, cycleDuration, bookings)
}
