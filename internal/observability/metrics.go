package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	scansTotal             *prometheus.CounterVec
	sessionsStartedTotal   prometheus.Counter
	reconcileOperations    *prometheus.CounterVec
	liveClientsActive      prometheus.Gauge
	attendanceEventsPushed *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the attendance API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_api_requests_total",
			Help: "Total number of attendance API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendance_api_latency_seconds",
			Help:    "Latency distribution for attendance API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_api_errors_total",
			Help: "Total number of error responses returned by attendance endpoints.",
		}, []string{"method", "route", "status"})

		scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_scans_total",
			Help: "Validated QR scans partitioned by outcome.",
		}, []string{"outcome"})

		sessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_sessions_started_total",
			Help: "Attendance sessions started by teachers.",
		})

		reconcileOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_reconcile_operations_total",
			Help: "Enrollment operations applied by the reconciler.",
		}, []string{"op"})

		liveClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_live_clients_active",
			Help: "Websocket clients subscribed to live attendance feeds.",
		})

		attendanceEventsPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_events_published_total",
			Help: "Live attendance events delivered to the local broker.",
		}, []string{"type"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			scansTotal,
			sessionsStartedTotal,
			reconcileOperations,
			liveClientsActive,
			attendanceEventsPushed,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ScansTotal counts validated scans by outcome.
func ScansTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return scansTotal
}

// SessionsStartedTotal counts started attendance sessions.
func SessionsStartedTotal() prometheus.Counter {
	RegisterMetrics()
	return sessionsStartedTotal
}

// ReconcileOperationsTotal counts applied enrollment operations by kind.
func ReconcileOperationsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return reconcileOperations
}

// LiveClientsActive tracks connected live feed subscribers.
func LiveClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return liveClientsActive
}

// AttendanceEventsPublishedTotal counts live events handed to local subscribers.
func AttendanceEventsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return attendanceEventsPushed
}
