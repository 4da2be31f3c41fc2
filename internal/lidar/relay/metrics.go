package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports relay counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	batchesReceived *prometheus.CounterVec
	batchesLost     *prometheus.CounterVec
	pointsQueued    *prometheus.CounterVec
	pointsDropped   *prometheus.CounterVec
	batchesIgnored  prometheus.Counter
	framesPublished *prometheus.CounterVec
	queueUsed       *prometheus.GaugeVec
	deviceState     *prometheus.GaugeVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batchesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_batches_received_total",
			Help: "Batches with a comparable timestamp received per device",
		}, []string{"handle"}),
		batchesLost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_batches_lost_total",
			Help: "Batches inferred lost from timestamp gaps per device",
		}, []string{"handle"}),
		pointsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_points_queued_total",
			Help: "Points pushed into device queues",
		}, []string{"handle"}),
		pointsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_points_dropped_total",
			Help: "Points dropped because a device queue was full",
		}, []string{"handle"}),
		batchesIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_batches_ignored_total",
			Help: "Batches delivered for unassigned or disconnected handles",
		}),
		framesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_published_total",
			Help: "Frames handed to the downstream sink",
		}, []string{"handle"}),
		queueUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_used_points",
			Help: "Unread points per device queue after the last poll",
		}, []string{"handle"}),
		deviceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_device_state",
			Help: "Connection state per device (0 disconnected, 1 connected, 2 sampling)",
		}, []string{"handle"}),
	}
}

func label(handle uint8) string { return strconv.Itoa(int(handle)) }

func (m *Metrics) batch(handle uint8, counted, lost bool) {
	if m == nil || !counted {
		return
	}
	m.batchesReceived.WithLabelValues(label(handle)).Inc()
	if lost {
		m.batchesLost.WithLabelValues(label(handle)).Inc()
	}
}

func (m *Metrics) points(handle uint8, queued, dropped int) {
	if m == nil {
		return
	}
	if queued > 0 {
		m.pointsQueued.WithLabelValues(label(handle)).Add(float64(queued))
	}
	if dropped > 0 {
		m.pointsDropped.WithLabelValues(label(handle)).Add(float64(dropped))
	}
}

func (m *Metrics) ignored() {
	if m == nil {
		return
	}
	m.batchesIgnored.Inc()
}

func (m *Metrics) frame(handle uint8) {
	if m == nil {
		return
	}
	m.framesPublished.WithLabelValues(label(handle)).Inc()
}

func (m *Metrics) queue(handle uint8, used uint32) {
	if m == nil {
		return
	}
	m.queueUsed.WithLabelValues(label(handle)).Set(float64(used))
}

func (m *Metrics) state(handle uint8, s DeviceState) {
	if m == nil {
		return
	}
	m.deviceState.WithLabelValues(label(handle)).Set(float64(s))
}
