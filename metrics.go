package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	queueDepth      prometheus.Gauge
	framesReceived  prometheus.Counter
	duplicates      prometheus.Counter
	sends           *prometheus.CounterVec
	remoteFailures  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts started by the backoff timer.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "queue_depth",
			Help:      "Envelopes waiting in the outbound queue.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_received_total",
			Help:      "Inbound message frames.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicates_dropped_total",
			Help:      "Inbound messages discarded by the dedup window.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Envelope send attempts by result.",
		}, []string{"result"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "remote_failures_total",
			Help:      "Remote fetches that failed after retries.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionState, m.reconnects, m.queueDepth, m.framesReceived,
			m.duplicates, m.sends, m.remoteFailures,
		)
	}
	return m
}

var stateValues = map[ConnectionStatus]float64{
	StatusDisconnected: 0,
	StatusConnecting:   1,
	StatusConnected:    2,
	StatusReconnecting: 3,
}

func (m *Metrics) setConnectionState(s ConnectionStatus) {
	if m == nil {
		return
	}
	m.connectionState.Set(stateValues[s])
}

func (m *Metrics) reconnectAttempted() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) frameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) duplicateDropped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) sendResult(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) remoteFailure(op string) {
	if m == nil {
		return
	}
	m.remoteFailures.WithLabelValues(op).Inc()
}
