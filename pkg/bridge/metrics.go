// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the bridge.
type Metrics struct {
	registry      *prometheus.Registry
	matrixEvents  *prometheus.CounterVec
	discordEvents *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	relayErrors   *prometheus.CounterVec
	puppetsTotal  prometheus.Gauge
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		matrixEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "matrix_events_total",
			Help:      "Matrix events received over the appservice transaction API",
		}, []string{"type"}),
		discordEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "discord_events_total",
			Help:      "Discord gateway dispatch events handled",
		}, []string{"type"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "relayed_messages_total",
			Help:      "Messages relayed across the bridge",
		}, []string{"direction"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "relay_errors_total",
			Help:      "Messages that failed to relay",
		}, []string{"direction"}),
		puppetsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "puppets_total",
			Help:      "Provisioned puppet users",
		}),
	}

	registry.MustRegister(
		m.matrixEvents,
		m.discordEvents,
		m.relayed,
		m.relayErrors,
		m.puppetsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncMatrixEvent counts a received Matrix event by type.
func (m *Metrics) IncMatrixEvent(eventType string) {
	if m == nil {
		return
	}
	m.matrixEvents.WithLabelValues(eventType).Inc()
}

// IncDiscordEvent counts a handled gateway event by dispatch type.
func (m *Metrics) IncDiscordEvent(eventType string) {
	if m == nil {
		return
	}
	m.discordEvents.WithLabelValues(eventType).Inc()
}

// IncRelayed counts a successfully relayed message for a direction.
func (m *Metrics) IncRelayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}

// IncRelayError counts a failed relay for a direction.
func (m *Metrics) IncRelayError(direction string) {
	if m == nil {
		return
	}
	m.relayErrors.WithLabelValues(direction).Inc()
}

// SetPuppets records the number of provisioned puppets.
func (m *Metrics) SetPuppets(n int) {
	if m == nil {
		return
	}
	m.puppetsTotal.Set(float64(n))
}
