// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProcessesSubmitted counts workflow submissions.
	ProcessesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_processes_submitted_total",
		Help: "Total number of submitted processes",
	})

	// ProcessesFinished counts terminal processes by outcome.
	ProcessesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_processes_finished_total",
		Help: "Total number of processes reaching a terminal state",
	}, []string{"state"})

	// StepsDispatched counts operations handed to device adapters.
	StepsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_steps_dispatched_total",
		Help: "Total number of steps dispatched to devices",
	}, []string{"device_kind"})

	// StepsFinished counts terminal steps by status.
	StepsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_steps_finished_total",
		Help: "Total number of steps reaching a terminal status",
	}, []string{"status"})

	// StepsBlocked counts dispatch-time precondition failures.
	StepsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_steps_blocked_total",
		Help: "Total number of steps blocked at dispatch time",
	})

	// PlansComputed counts scheduler runs by mode.
	PlansComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_plans_computed_total",
		Help: "Total number of plans computed",
	}, []string{"mode"})

	// SchedulerDuration observes scheduling latency by mode.
	SchedulerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conductor_scheduler_duration_seconds",
		Help:    "Wall time of one scheduler pass",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
	}, []string{"mode"})

	// DeviceOccupancy gauges the containers currently on each device.
	DeviceOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conductor_device_occupancy",
		Help: "Containers currently occupying each device",
	}, []string{"device"})

	// DeviceCapacity gauges the configured capacity of each device.
	DeviceCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conductor_device_capacity",
		Help: "Configured container capacity of each device",
	}, []string{"device"})

	// StepsRunning gauges in-flight operations.
	StepsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_steps_running",
		Help: "Operations currently in flight",
	})

	// APIRequests counts control-surface requests.
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_api_requests_total",
		Help: "Total number of API requests",
	}, []string{"method", "path", "status"})

	// EventsPublished counts broker events by type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_events_published_total",
		Help: "Total number of published events",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ProcessesSubmitted,
		ProcessesFinished,
		StepsDispatched,
		StepsFinished,
		StepsBlocked,
		PlansComputed,
		SchedulerDuration,
		DeviceOccupancy,
		DeviceCapacity,
		StepsRunning,
		APIRequests,
		EventsPublished,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes the duration of one operation on a histogram label.
type Timer struct {
	start time.Time
	hist  *prometheus.HistogramVec
	label string
}

// NewTimer starts timing against the labelled histogram.
func NewTimer(hist *prometheus.HistogramVec, label string) *Timer {
	return &Timer{start: time.Now(), hist: hist, label: label}
}

// Stop records the elapsed time.
func (t *Timer) Stop() {
	t.hist.WithLabelValues(t.label).Observe(time.Since(t.start).Seconds())
}
