// Package metrics exposes the gateway's Prometheus collectors.
//
// All metrics use the offline_gateway_ prefix and carry an app label so one
// registry serves every configured application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the gateway collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry in tests.
type Metrics struct {
	// RequestsTotal counts proxied requests by strategy and response source
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks end-to-end proxy latency per strategy
	RequestDuration *prometheus.HistogramVec

	// QueueDepth tracks queued mutating requests
	QueueDepth *prometheus.GaugeVec

	// ReplaysTotal counts queue replays by result ("success", "failed")
	ReplaysTotal *prometheus.CounterVec

	// OriginOnline is 1 while the origin answers health checks
	OriginOnline *prometheus.GaugeVec

	// InstallTotal counts precache installs by result ("success", "failed")
	InstallTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_gateway_requests_total",
				Help: "Total proxied requests by app, strategy and response source",
			},
			[]string{"app", "strategy", "source"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_gateway_request_duration_seconds",
				Help:    "Proxied request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"app", "strategy"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline_gateway_queue_depth",
				Help: "Current number of queued mutating requests",
			},
			[]string{"app"},
		),
		ReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_gateway_replays_total",
				Help: "Total queue replays by result",
			},
			[]string{"app", "result"}, // "success", "failed"
		),
		OriginOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline_gateway_origin_online",
				Help: "1 when the origin is reachable, 0 otherwise",
			},
			[]string{"app"},
		),
		InstallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_gateway_install_total",
				Help: "Total precache installs by result",
			},
			[]string{"app", "result"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.QueueDepth,
		m.ReplaysTotal,
		m.OriginOnline,
		m.InstallTotal,
	)

	return m
}

// RecordRequest records a completed proxy request.
func (m *Metrics) RecordRequest(app, strategy, source string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(app, strategy, source).Inc()
	m.RequestDuration.WithLabelValues(app, strategy).Observe(durationSeconds)
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(app string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(app).Set(float64(depth))
}

// RecordReplay counts one replay attempt.
func (m *Metrics) RecordReplay(app string, success bool) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(app, resultLabel(success)).Inc()
}

// SetOnline updates the origin reachability gauge.
func (m *Metrics) SetOnline(app string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.OriginOnline.WithLabelValues(app).Set(v)
}

// RecordInstall counts one install attempt.
func (m *Metrics) RecordInstall(app string, success bool) {
	if m == nil {
		return
	}
	m.InstallTotal.WithLabelValues(app, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
