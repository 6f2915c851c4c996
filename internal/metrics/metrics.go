// Package metrics exposes the Broker's Prometheus collectors. A
// dedicated registry is used rather than the global default so the
// Broker's /metrics endpoint never accidentally picks up collectors
// registered by an imported library.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pairing core updates.
type Metrics struct {
	Registry *prometheus.Registry

	pairingAttempts   *prometheus.CounterVec
	bridgeRejections  *prometheus.CounterVec
	connectedRunners  prometheus.Gauge
	connectedApps     prometheus.Gauge
}

// New constructs a fresh registry and registers every collector against
// it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		pairingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairwire",
			Subsystem: "broker",
			Name:      "pairing_attempts_total",
			Help:      "Total app:pair attempts by outcome.",
		}, []string{"result"}),
		bridgeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairwire",
			Subsystem: "broker",
			Name:      "bridge_rejections_total",
			Help:      "Total connect_runner requests rejected by the security gate, by reason.",
		}, []string{"reason"}),
		connectedRunners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairwire",
			Subsystem: "broker",
			Name:      "connected_runners",
			Help:      "Number of Runners currently attached to this Broker instance.",
		}),
		connectedApps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairwire",
			Subsystem: "broker",
			Name:      "connected_apps",
			Help:      "Number of Apps currently attached to this Broker instance.",
		}),
	}
}

func (m *Metrics) PairingAttempt(result string) {
	m.pairingAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) BridgeRejection(reason string) {
	m.bridgeRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RunnerRegistered() {
	m.connectedRunners.Inc()
}

func (m *Metrics) RunnerDeregistered() {
	m.connectedRunners.Dec()
}

func (m *Metrics) AppConnected() {
	m.connectedApps.Inc()
}

func (m *Metrics) AppDisconnected() {
	m.connectedApps.Dec()
}
