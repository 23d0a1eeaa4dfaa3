package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64 // Frames dropped after a detector failure
	ReadRetries     atomic.Uint64 // Transient capture read failures in live mode

	// Error counters
	DetectionErrors   atomic.Uint64
	UnknownClasses    atomic.Uint64
	SourceUnavailable atomic.Uint64
	EncodeErrors      atomic.Uint64

	// Finite runs
	FiniteRuns       atomic.Uint64
	FiniteRunErrors  atomic.Uint64
	FiniteRunsActive atomic.Int64

	// Live session state
	SessionRunning   atomic.Uint64 // 0 = stopped, 1 = running
	SessionsStarted  atomic.Uint64
	CurrentOccupancy atomic.Uint64
	PeakOccupancy    atomic.Uint64

	// Stream fan-out
	StreamFramesSent    atomic.Uint64
	StreamFramesDropped atomic.Uint64
	StreamClients       atomic.Uint64
	EventClients        atomic.Uint64
	WebRTCClients       atomic.Uint64

	// Latency tracking
	DetectLatencyMs atomic.Uint64 // Last detector round trip in ms
	EncodeLatencyMs atomic.Uint64 // Last annotate+encode time in ms

	classCounts *prometheus.GaugeVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classCounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_current_class_count",
				Help: "Detections per class in the latest live frame",
			},
			[]string{"class"},
		),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, load func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		load,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	// Frame processing metrics
	m.gauge("zone_frames_read_total", "Total frames read from capture sources", u(&m.FramesRead))
	m.gauge("zone_frames_processed_total", "Total frames run through detection and counting", u(&m.FramesProcessed))
	m.gauge("zone_frames_skipped_total", "Total live frames skipped after a detector failure", u(&m.FramesSkipped))
	m.gauge("zone_read_retries_total", "Total transient capture read failures retried", u(&m.ReadRetries))

	// Error metrics
	m.gauge("zone_detection_errors_total", "Total detector failures", u(&m.DetectionErrors))
	m.gauge("zone_unknown_classes_total", "Total detections dropped for an unknown class id", u(&m.UnknownClasses))
	m.gauge("zone_source_unavailable_total", "Total capture sources that could not be opened", u(&m.SourceUnavailable))
	m.gauge("zone_encode_errors_total", "Total annotated frames that failed to encode", u(&m.EncodeErrors))

	// Finite run metrics
	m.gauge("zone_finite_runs_total", "Total uploaded video runs", u(&m.FiniteRuns))
	m.gauge("zone_finite_run_errors_total", "Total uploaded video runs that failed", u(&m.FiniteRunErrors))
	m.gauge("zone_finite_runs_active", "Uploaded video runs in progress",
		func() float64 { return float64(m.FiniteRunsActive.Load()) })

	// Live session metrics
	m.gauge("zone_session_running", "Live session running (0=stopped, 1=running)", u(&m.SessionRunning))
	m.gauge("zone_sessions_started_total", "Total live sessions started", u(&m.SessionsStarted))
	m.gauge("zone_current_occupancy", "Zone occupancy in the latest live frame", u(&m.CurrentOccupancy))
	m.gauge("zone_peak_occupancy", "Peak zone occupancy of the current live session", u(&m.PeakOccupancy))

	// Stream metrics
	m.gauge("zone_stream_frames_sent_total", "Total annotated frames delivered to stream clients", u(&m.StreamFramesSent))
	m.gauge("zone_stream_frames_dropped_total", "Total annotated frames dropped for slow clients", u(&m.StreamFramesDropped))
	m.gauge("zone_stream_clients", "Connected MJPEG stream clients", u(&m.StreamClients))
	m.gauge("zone_event_clients", "Connected current-data event clients", u(&m.EventClients))
	m.gauge("zone_webrtc_clients", "Connected WebRTC data channel clients", u(&m.WebRTCClients))

	// Latency metrics
	m.gauge("zone_detect_latency_ms", "Last detector round trip in milliseconds", u(&m.DetectLatencyMs))
	m.gauge("zone_encode_latency_ms", "Last annotate and encode time in milliseconds", u(&m.EncodeLatencyMs))

	m.registry.MustRegister(m.classCounts)
}

// UpdateDetectLatency records the detector round trip
func (m *Metrics) UpdateDetectLatency(duration time.Duration) {
	m.DetectLatencyMs.Store(uint64(duration.Milliseconds()))
}

// UpdateEncodeLatency records the annotate+encode time
func (m *Metrics) UpdateEncodeLatency(duration time.Duration) {
	m.EncodeLatencyMs.Store(uint64(duration.Milliseconds()))
}

// SetClassCounts replaces the per-class gauges with the latest live frame summary
func (m *Metrics) SetClassCounts(summary map[string]int) {
	m.classCounts.Reset()
	for label, count := range summary {
		m.classCounts.WithLabelValues(label).Set(float64(count))
	}
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns the metrics HTTP server; the caller owns its lifecycle
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
