package axon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the client's Prometheus collectors. A nil receiver disables
// every observation, so call sites never branch.
type metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	reconnects      prometheus.Counter
	inflight        prometheus.Gauge
}

// newMetrics registers the collectors on reg; nil reg disables metrics.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		packetsSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_sent_packets", Help: "The total number of MQTT packets sent"}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_received_packets", Help: "The total number of MQTT packets received"}),
		bytesSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_sent_bytes", Help: "The total number of MQTT bytes sent"}),
		bytesReceived:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_received_bytes", Help: "The total number of MQTT bytes received"}),
		reconnects:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_reconnects", Help: "The total number of reconnect attempts"}),
		inflight:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_client_inflight_messages", Help: "The number of unacknowledged outbound QoS 1/2 messages"}),
	}

	reg.MustRegister(m.packetsSent, m.packetsReceived, m.bytesSent, m.bytesReceived, m.reconnects, m.inflight)
	return m
}

func (m *metrics) observeSent(bytes int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *metrics) observeReceived(bytes int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}
