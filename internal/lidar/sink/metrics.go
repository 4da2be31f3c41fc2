package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sink outcomes per sink name. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sent    *prometheus.CounterVec
	dropped *prometheus.CounterVec
	failed  *prometheus.CounterVec
	clients prometheus.Gauge
}

// NewMetrics registers the sink collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_frames_sent_total",
			Help: "Frames delivered downstream.",
		}, []string{"sink"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_frames_dropped_total",
			Help: "Frames dropped because a sink queue was full.",
		}, []string{"sink"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_frames_failed_total",
			Help: "Frames a sink failed to deliver.",
		}, []string{"sink"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "sink_grpc_clients",
			Help: "Connected gRPC frame subscribers.",
		}),
	}
}

func (m *Metrics) sentFrame(sink string) {
	if m != nil {
		m.sent.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) droppedFrame(sink string) {
	if m != nil {
		m.dropped.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) failedFrame(sink string) {
	if m != nil {
		m.failed.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}
