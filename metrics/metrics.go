// Package metrics exposes Prometheus instrumentation for captures and the
// HTTP API. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/use-agent/evidence/models"
)

// Collector holds all Prometheus metrics
type Collector struct {
	// Capture metrics
	CapturesTotal    *prometheus.CounterVec
	CaptureDuration  prometheus.Histogram
	CaptureErrors    *prometheus.CounterVec
	LocatorStrategy  *prometheus.CounterVec
	CapturesInFlight prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a collector registered on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		CapturesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evidence_captures_total",
				Help: "Finished capture requests by final status",
			},
			[]string{"status"},
		),
		CaptureDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evidence_capture_duration_seconds",
				Help:    "End-to-end capture duration",
				Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60, 120},
			},
		),
		CaptureErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evidence_capture_errors_total",
				Help: "Capture requests that recorded an error, by error code",
			},
			[]string{"code"},
		),
		LocatorStrategy: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evidence_locator_strategy_total",
				Help: "Successful element locations by strategy",
			},
			[]string{"strategy"},
		),
		CapturesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "evidence_captures_in_flight",
				Help: "Captures currently holding a browser session",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evidence_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evidence_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// TrackInFlight increments the in-flight gauge and returns its release.
func (c *Collector) TrackInFlight() func() {
	if c == nil {
		return func() {}
	}
	c.CapturesInFlight.Inc()
	return c.CapturesInFlight.Dec
}

// ObserveCapture records a finished capture.
func (c *Collector) ObserveCapture(r *models.CaptureResult) {
	if c == nil || r == nil {
		return
	}
	c.CapturesTotal.WithLabelValues(string(r.Status)).Inc()
	c.CaptureDuration.Observe(time.Duration(r.TimingMs * int64(time.Millisecond)).Seconds())
	if r.ErrorCode != "" {
		c.CaptureErrors.WithLabelValues(r.ErrorCode).Inc()
	}
	if r.StrategyUsed != "" {
		c.LocatorStrategy.WithLabelValues(r.StrategyUsed).Inc()
	}
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, path, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, path, status).Inc()
	c.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
