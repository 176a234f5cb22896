package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the recorder. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal      *prometheus.CounterVec
	SessionActive      prometheus.Gauge
	SessionDuration    prometheus.Histogram
	SegmentsTotal      *prometheus.CounterVec
	LiveSubscribers    prometheus.Gauge
	WorkerLaunchErrors *prometheus.CounterVec
	DroppedChunks      prometheus.Counter
	PostprocessTotal   *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "meeting_recorder"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Recording start attempts by outcome",
		}, []string{"outcome"}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a recording session is active",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Length of finished recording sessions",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200},
		}),
		SegmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Transcript segments appended by speaker tag",
		}, []string{"speaker"}),
		LiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Connected live stream subscribers",
		}),
		WorkerLaunchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_launch_errors_total",
			Help:      "Worker processes that could not be started",
		}, []string{"worker"}),
		DroppedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriber_dropped_chunks_total",
			Help:      "Audio chunks dropped because the transcription worker fell behind",
		}),
		PostprocessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postprocess_jobs_total",
			Help:      "Post-processing jobs by final status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.SessionsTotal,
		m.SessionActive,
		m.SessionDuration,
		m.SegmentsTotal,
		m.LiveSubscribers,
		m.WorkerLaunchErrors,
		m.DroppedChunks,
		m.PostprocessTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionStart counts a start attempt
func (m *Metrics) RecordSessionStart(outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "started" {
		m.SessionActive.Set(1)
	}
}

// RecordSessionEnd marks the session finished
func (m *Metrics) RecordSessionEnd(duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionActive.Set(0)
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordSegment counts an appended segment
func (m *Metrics) RecordSegment(speaker string) {
	if m == nil {
		return
	}
	m.SegmentsTotal.WithLabelValues(speaker).Inc()
}

// SetSubscribers reports the current subscriber count
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Set(float64(n))
}

// RecordWorkerLaunchError counts a worker that failed to start
func (m *Metrics) RecordWorkerLaunchError(worker string) {
	if m == nil {
		return
	}
	m.WorkerLaunchErrors.WithLabelValues(worker).Inc()
}

// RecordDroppedChunk counts audio not delivered to the transcriber
func (m *Metrics) RecordDroppedChunk() {
	if m == nil {
		return
	}
	m.DroppedChunks.Inc()
}

// RecordPostprocess counts a finished post-processing job
func (m *Metrics) RecordPostprocess(status string) {
	if m == nil {
		return
	}
	m.PostprocessTotal.WithLabelValues(status).Inc()
}
