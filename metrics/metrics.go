// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics defines Prometheus instrumentation for the simulation
// core. Every counter here is optional: simulation.Simulation works
// correctly against a nil *Sink, which is what unit tests use so that
// running many short-lived simulations in the same test binary does not
// fight over a shared default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink bundles the instruments a running Simulation reports through.
// Construct one with NewSink and register it against a prometheus
// registry with Sink.MustRegister; pass nil to Simulation to disable
// instrumentation entirely.
type Sink struct {
	FramesSentTotal      prometheus.Counter
	RetransmissionsTotal prometheus.Counter
	BytesDeliveredTotal  prometheus.Counter
	BackpressureTotal    prometheus.Counter
	ActiveSimulations    prometheus.Gauge
}

// NewSink creates a Sink with freshly constructed (unregistered)
// instruments.
func NewSink() *Sink {
	return &Sink{
		FramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arqsim_frames_sent_total",
			Help: "Total DATA frames transmitted, including retransmissions.",
		}),
		RetransmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arqsim_retransmissions_total",
			Help: "Total frame retransmissions, from NAKs and timeouts combined.",
		}),
		BytesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arqsim_bytes_delivered_total",
			Help: "Total application payload bytes reassembled by the receiver.",
		}),
		BackpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arqsim_backpressure_events_total",
			Help: "Total segment deliveries rejected by receive-side backpressure.",
		}),
		ActiveSimulations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arqsim_active_simulations",
			Help: "Number of simulation runs currently executing.",
		}),
	}
}

// MustRegister registers every instrument in the Sink with reg, panicking
// on a registration conflict (mirroring promauto's behavior without
// forcing every Sink onto the global default registry).
func (s *Sink) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		s.FramesSentTotal,
		s.RetransmissionsTotal,
		s.BytesDeliveredTotal,
		s.BackpressureTotal,
		s.ActiveSimulations,
	)
}
