// Package metrics exposes the Prometheus counters/gauges for a BEEP
// Context, grounded on marmos91-dittofs's use of
// github.com/prometheus/client_golang. Each Context gets its own
// *prometheus.Registry (never the global DefaultRegisterer) so multiple
// Contexts in one process — e.g. a test binary that opens several — don't
// collide on metric registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is one Context's metrics: a private registry plus the handful of
// counters/gauges the core updates as it runs.
type Set struct {
	Registry *prometheus.Registry

	ConnectionsOpen   prometheus.Gauge
	ChannelsOpen      prometheus.Gauge
	FramesSentTotal   *prometheus.CounterVec
	FramesRecvTotal   *prometheus.CounterVec
	TuningResetsTotal prometheus.Counter
	ProtocolErrors    prometheus.Counter
}

// New builds a fresh, independently-registered Set.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beep_connections_open",
			Help: "Number of BEEP connections currently watched by this context.",
		}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beep_channels_open",
			Help: "Number of BEEP channels currently open across all connections.",
		}),
		FramesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beep_frames_sent_total",
			Help: "BEEP frames written to the wire, by frame type.",
		}, []string{"type"}),
		FramesRecvTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beep_frames_received_total",
			Help: "BEEP frames read from the wire, by frame type.",
		}, []string{"type"}),
		TuningResetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beep_tuning_resets_total",
			Help: "Tuning resets (TLS/SASL-style) completed successfully.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beep_protocol_errors_total",
			Help: "Fatal protocol errors that tore down a connection.",
		}),
	}
	reg.MustRegister(s.ConnectionsOpen, s.ChannelsOpen, s.FramesSentTotal, s.FramesRecvTotal, s.TuningResetsTotal, s.ProtocolErrors)
	return s
}

// Handler returns an http.Handler serving this Set's metrics in the
// Prometheus exposition format, for cmd/beepd to mount at /metrics.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}
