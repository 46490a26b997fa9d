package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for finished submissions.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds all application metrics
type Metrics struct {
	// Form activity
	Selections          atomic.Uint64
	SubmissionsInFlight atomic.Int64
	Rejected            atomic.Uint64

	// Session tracking
	ActiveSessions  atomic.Int64
	ExpiredSessions atomic.Uint64

	// Spool usage, refreshed by the owner of the spool
	SpoolBytes atomic.Uint64
	SpoolFiles atomic.Int64

	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	uploadBytes prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_form_submissions_total",
			Help: "Finished submissions to the detection service, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vehicle_form_submission_duration_seconds",
			Help:    "Time from submit to detection service reply",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_form_upload_bytes_total",
			Help: "Bytes of video sent to the detection service",
		}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.submissions, m.duration, m.uploadBytes)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_selections_total",
			Help: "Files selected across all sessions",
		},
		func() float64 { return float64(m.Selections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_submissions_in_flight",
			Help: "Submissions waiting on the detection service",
		},
		func() float64 { return float64(m.SubmissionsInFlight.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_submissions_rejected_total",
			Help: "Submit attempts refused because no file was selected or one was pending",
		},
		func() float64 { return float64(m.Rejected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_active_sessions",
			Help: "Browser sessions currently holding form state",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_expired_sessions_total",
			Help: "Sessions dropped by the idle sweeper",
		},
		func() float64 { return float64(m.ExpiredSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_spool_bytes_written",
			Help: "Bytes written to the upload spool",
		},
		func() float64 { return float64(m.SpoolBytes.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vehicle_form_spool_live_files",
			Help: "Selected files currently held in the spool",
		},
		func() float64 { return float64(m.SpoolFiles.Load()) },
	))
}

// SubmissionStarted marks a request to the detection service as in flight.
func (m *Metrics) SubmissionStarted(bytes int64) {
	m.SubmissionsInFlight.Add(1)
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

// SubmissionFinished records the outcome and latency of one submission.
func (m *Metrics) SubmissionFinished(outcome string, elapsed time.Duration) {
	m.SubmissionsInFlight.Add(-1)
	m.submissions.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
