// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for tunnelgate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Tunnel lifecycle
	ActiveTunnels  prometheus.Gauge
	TunnelsTotal   *prometheus.CounterVec // labels: reason
	TunnelDuration prometheus.Histogram
	BytesRelayed   *prometheus.CounterVec // labels: direction

	// Handshake
	HandshakeRejections *prometheus.CounterVec // labels: status

	// Destination dials
	DialAttempts prometheus.Counter
	DialErrors   *prometheus.CounterVec // labels: class

	// Admission
	AdmissionBusy  prometheus.Counter
	SlotsAvailable prometheus.Gauge
	SlotsWaiting   prometheus.Gauge

	// Policy
	WhitelistDenials    prometheus.Counter
	RateLimitedClients  prometheus.Counter
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter
}

// New creates a Metrics instance registered against reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tunnelgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of currently open tunnels",
		}),
		TunnelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total number of tunnels by teardown reason",
		}, []string{"reason"}),
		TunnelDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Tunnel lifetime in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed through tunnels by direction",
		}, []string{"direction"}),
		HandshakeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "CONNECT handshakes rejected, by response status",
		}, []string{"status"}),
		DialAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Destination dial attempts",
		}),
		DialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Destination dial failures by error class",
		}, []string{"class"}),
		AdmissionBusy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_busy_total",
			Help:      "Connections refused because no admission slot was available",
		}),
		SlotsAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_slots_available",
			Help:      "Free admission slots",
		}),
		SlotsWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_waiters",
			Help:      "Connections queued waiting for a slot",
		}),
		WhitelistDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whitelist_denials_total",
			Help:      "Tunnels denied by the destination whitelist",
		}),
		RateLimitedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Connections refused by per-client rate limiting",
		}),
		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Dial circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		CircuitBreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Dial circuit breaker trips",
		}),
	}
}

// ObserveTunnel records the lifecycle of one tunnel.
func (m *Metrics) ObserveTunnel(reason string, durationSeconds float64, bytesClientToDest, bytesDestToClient uint64) {
	m.TunnelsTotal.WithLabelValues(reason).Inc()
	m.TunnelDuration.Observe(durationSeconds)
	m.BytesRelayed.WithLabelValues("client_to_dest").Add(float64(bytesClientToDest))
	m.BytesRelayed.WithLabelValues("dest_to_client").Add(float64(bytesDestToClient))
}
