package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the call bridge.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Relay session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	FramesTotal     *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec

	IssuanceFailures prometheus.Counter

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance on a private registry that also carries the
// Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions_active",
			Help:      "Number of calls currently relayed",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Total number of relay sessions by terminal state",
		},
		[]string{"state"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames written by the relay",
		},
		[]string{"direction", "event"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_audio_base64_bytes_total",
			Help:      "Base64 audio payload bytes relayed",
		},
		[]string{"direction"},
	)

	framesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Inbound frames dropped because they could not be translated",
		},
		[]string{"leg", "reason"},
	)

	issuanceFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signed_url_issuance_failures_total",
			Help:      "Failed signed agent URL requests",
		},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestsTotal,
		requestDuration,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		framesTotal,
		audioBytesTotal,
		framesDropped,
		issuanceFailures,
		rateLimitHits,
	)

	return &Metrics{
		registry:         registry,
		RequestsTotal:    requestsTotal,
		RequestDuration:  requestDuration,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionDuration:  sessionDuration,
		FramesTotal:      framesTotal,
		AudioBytesTotal:  audioBytesTotal,
		FramesDropped:    framesDropped,
		IssuanceFailures: issuanceFailures,
		RateLimitHits:    rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRateLimitHit counts a request rejected by a limiter.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) FrameRelayed(direction, event string, audioBytes int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, event).Inc()
	if audioBytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(audioBytes))
	}
}

func (m *Metrics) FrameDropped(leg, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(leg, reason).Inc()
}

func (m *Metrics) IssuanceFailed() {
	if m == nil {
		return
	}
	m.IssuanceFailures.Inc()
}
