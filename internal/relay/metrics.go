package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Messages    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Compactions prometheus.Counter
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_relay_connections",
			Help: "Current number of open relay connections",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_relay_rooms",
			Help: "Current number of rooms with local members",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_relay_messages_total",
			Help: "Total number of events relayed to room members",
		}, []string{"event"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_relay_dropped_total",
			Help: "Total number of inbound events or deliveries dropped",
		}, []string{"reason"}),
		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_relay_compactions_total",
			Help: "Total number of update log compactions",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) roomOpened() {
	if m == nil {
		return
	}
	m.Rooms.Inc()
}

func (m *Metrics) roomClosed() {
	if m == nil {
		return
	}
	m.Rooms.Dec()
}

func (m *Metrics) relayed(event string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(event).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) compacted() {
	if m == nil {
		return
	}
	m.Compactions.Inc()
}
