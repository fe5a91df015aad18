package collabserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so that multiple servers can coexist in one
// process without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	SessionsConnected prometheus.Gauge
	RoomsActive       prometheus.Gauge

	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec

	UpdatesFannedOut prometheus.Counter
	AuthFailures     prometheus.Counter
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_sessions_connected",
				Help: "Number of websocket sessions currently connected",
			},
		),
		RoomsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_rooms_active",
				Help: "Number of project rooms with at least one session",
			},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_frames_received_total",
				Help: "Total number of frames received by event",
			},
			[]string{"event"},
		),
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_frames_sent_total",
				Help: "Total number of frames sent by event",
			},
			[]string{"event"},
		),
		UpdatesFannedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_updates_fanned_out_total",
				Help: "Total number of entity updates fanned out to sessions",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_auth_failures_total",
				Help: "Total number of rejected connection attempts",
			},
		),
	}
	metrics.registry.MustRegister(metrics.SessionsConnected)
	metrics.registry.MustRegister(metrics.RoomsActive)
	metrics.registry.MustRegister(metrics.FramesReceived)
	metrics.registry.MustRegister(metrics.FramesSent)
	metrics.registry.MustRegister(metrics.UpdatesFannedOut)
	metrics.registry.MustRegister(metrics.AuthFailures)
	return metrics
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{})
}
