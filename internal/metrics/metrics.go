// Package metrics provides Prometheus metrics for the conductor service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionEventsTotal *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec

	AllocationsTotal       *prometheus.CounterVec
	AllocateDuration       prometheus.Histogram
	RepoLockConflictsTotal prometheus.Counter
	PrewarmHitsTotal       prometheus.Counter
	PrewarmWaitsTotal      prometheus.Counter

	ChannelReconnectsTotal prometheus.Counter
	FramesTotal            *prometheus.CounterVec

	TokenRefreshesTotal *prometheus.CounterVec

	SpriteRequestsTotal *prometheus.CounterVec
	SpriteDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_sessions_active",
				Help: "Number of live session supervisors.",
			},
		),
		SessionEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_session_events_total",
				Help: "Total agent events processed by supervisors, by event type.",
			},
			[]string{"type"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_messages_total",
				Help: "Total conversation messages persisted, by kind.",
			},
			[]string{"kind"},
		),
		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_allocations_total",
				Help: "Total sandbox allocation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		AllocateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_allocate_duration_seconds",
				Help:    "Duration of sandbox allocation including setup.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		RepoLockConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_repo_lock_conflicts_total",
				Help: "Allocation attempts rejected because the repo was locked.",
			},
		),
		PrewarmHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_prewarm_hits_total",
				Help: "Allocations satisfied from the prewarm cache.",
			},
		),
		PrewarmWaitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_prewarm_waits_total",
				Help: "Allocations that joined an in-flight prewarm.",
			},
		),
		ChannelReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_channel_reconnects_total",
				Help: "Agent channel reconnection attempts.",
			},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_frames_total",
				Help: "Stream frames decoded, by logical channel.",
			},
			[]string{"channel"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_token_refreshes_total",
				Help: "OAuth token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		SpriteRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_sprite_api_requests_total",
				Help: "Requests to the sandbox API by method and status.",
			},
			[]string{"method", "status"},
		),
		SpriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_sprite_api_duration_seconds",
				Help:    "Sandbox API request duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionEventsTotal,
		m.MessagesTotal,
		m.AllocationsTotal,
		m.AllocateDuration,
		m.RepoLockConflictsTotal,
		m.PrewarmHitsTotal,
		m.PrewarmWaitsTotal,
		m.ChannelReconnectsTotal,
		m.FramesTotal,
		m.TokenRefreshesTotal,
		m.SpriteRequestsTotal,
		m.SpriteDuration,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAllocation increments the allocation counter.
func (m *Metrics) RecordAllocation(outcome string) {
	m.AllocationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionEvent increments the session event counter.
func (m *Metrics) RecordSessionEvent(eventType string) {
	m.SessionEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordMessage increments the persisted message counter.
func (m *Metrics) RecordMessage(kind string) {
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

// RecordTokenRefresh increments the token refresh counter.
func (m *Metrics) RecordTokenRefresh(outcome string) {
	m.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordSpriteRequest records one sandbox API request.
func (m *Metrics) RecordSpriteRequest(method, status string, seconds float64) {
	m.SpriteRequestsTotal.WithLabelValues(method, status).Inc()
	m.SpriteDuration.Observe(seconds)
}
