// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for connections sharing a [*Config].
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PhaseTransitions  *prometheus.CounterVec
	BytesSubmitted    prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesAcknowledged prometheus.Counter
	Errors            *prometheus.CounterVec
	StaleSignals      prometheus.Counter
	OpenConnections   prometheus.Gauge
}

// NewMetrics creates a [*Metrics] and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetcp_phase_transitions_total",
			Help: "Number of connections entering each phase.",
		}, []string{"phase"}),
		BytesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetcp_bytes_submitted_total",
			Help: "Bytes accepted by the kernel send buffer.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetcp_bytes_received_total",
			Help: "Bytes read from peers and delivered to handlers.",
		}),
		BytesAcknowledged: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetcp_bytes_acknowledged_total",
			Help: "Outbound bytes acknowledged by peers.",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetcp_errors_total",
			Help: "Connections that failed, by error kind.",
		}, []string{"kind"}),
		StaleSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetcp_stale_signals_total",
			Help: "Signals received for handles that were already released.",
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetcp_open_connections",
			Help: "Connections whose handle has not been released yet.",
		}),
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.OpenConnections.Inc()
	}
}

func (m *Metrics) released() {
	if m != nil {
		m.OpenConnections.Dec()
	}
}

func (m *Metrics) phase(p Phase) {
	if m != nil {
		m.PhaseTransitions.WithLabelValues(p.String()).Inc()
	}
}

func (m *Metrics) submitted(n int) {
	if m != nil {
		m.BytesSubmitted.Add(float64(n))
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.BytesReceived.Add(float64(n))
	}
}

func (m *Metrics) acknowledged(n int) {
	if m != nil {
		m.BytesAcknowledged.Add(float64(n))
	}
}

func (m *Metrics) failed(kind ErrorKind) {
	if m != nil {
		m.Errors.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleSignals.Inc()
	}
}
