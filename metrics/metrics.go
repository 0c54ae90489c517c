// Package metrics instruments the signaling client lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives lifecycle observations from a signaling client.
type Recorder interface {
	// Connection lifecycle
	ConnectAttempt()
	Connected(reconnected bool)
	Disconnected(code int)
	ConnectFailed(attempt int)

	// Message flow
	MessageReceived(messageType string, sizeBytes int)
	MessageDropped(reason string)
	MessageSent(messageType string, sizeBytes int)
	SendRejected(reason string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ConnectAttempt()             {}
func (Nop) Connected(bool)              {}
func (Nop) Disconnected(int)            {}
func (Nop) ConnectFailed(int)           {}
func (Nop) MessageReceived(string, int) {}
func (Nop) MessageDropped(string)       {}
func (Nop) MessageSent(string, int)     {}
func (Nop) SendRejected(string)         {}

// PrometheusCollector implements Recorder with Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connected         prometheus.Gauge
	connectAttempts   prometheus.Counter
	connections       *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	connectFailures   prometheus.Counter
	consecutiveFailed prometheus.Gauge

	// Message metrics
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendsRejected    *prometheus.CounterVec
	messageSize      *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector and registers its metrics with
// reg. A nil reg registers with the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_client_connected",
			Help: "1 while the signaling connection is open",
		}),

		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "signaling_client_connect_attempts_total",
			Help: "Total number of connection attempts",
		}),

		connections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_connections_total",
				Help: "Total number of successful connections",
			},
			[]string{"kind"},
		),

		disconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_disconnects_total",
				Help: "Total number of closed connections by close code",
			},
			[]string{"code"},
		),

		connectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "signaling_client_connect_failures_total",
			Help: "Total number of failed connection attempts",
		}),

		consecutiveFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_client_consecutive_failures",
			Help: "Failed attempts since the last successful connection",
		}),

		messagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_messages_received_total",
				Help: "Total number of decoded inbound messages",
			},
			[]string{"message_type"},
		),

		messagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_messages_dropped_total",
				Help: "Total number of inbound frames dropped by the codec",
			},
			[]string{"reason"},
		),

		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_messages_sent_total",
				Help: "Total number of outbound messages",
			},
			[]string{"message_type"},
		),

		sendsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_client_sends_rejected_total",
				Help: "Total number of rejected send calls",
			},
			[]string{"reason"},
		),

		messageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signaling_client_message_size_bytes",
				Help:    "Size of signaling frames in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 8), // 64B to 8KB
			},
			[]string{"message_type", "direction"},
		),
	}
}

// ConnectAttempt records a new connection attempt.
func (c *PrometheusCollector) ConnectAttempt() {
	c.connectAttempts.Inc()
}

// Connected records a successful open.
func (c *PrometheusCollector) Connected(reconnected bool) {
	kind := "initial"
	if reconnected {
		kind = "reconnect"
	}
	c.connections.WithLabelValues(kind).Inc()
	c.connected.Set(1)
	c.consecutiveFailed.Set(0)
}

// Disconnected records a closed connection.
func (c *PrometheusCollector) Disconnected(code int) {
	c.disconnects.WithLabelValues(closeCodeLabel(code)).Inc()
	c.connected.Set(0)
}

// ConnectFailed records a failed attempt.
func (c *PrometheusCollector) ConnectFailed(attempt int) {
	c.connectFailures.Inc()
	c.consecutiveFailed.Set(float64(attempt))
	c.connected.Set(0)
}

// MessageReceived records a decoded inbound message.
func (c *PrometheusCollector) MessageReceived(messageType string, sizeBytes int) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType, "received").Observe(float64(sizeBytes))
}

// MessageDropped records an inbound frame rejected by the codec.
func (c *PrometheusCollector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

// MessageSent records an outbound message.
func (c *PrometheusCollector) MessageSent(messageType string, sizeBytes int) {
	c.messagesSent.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType, "sent").Observe(float64(sizeBytes))
}

// SendRejected records a send call that did not reach the transport.
func (c *PrometheusCollector) SendRejected(reason string) {
	c.sendsRejected.WithLabelValues(reason).Inc()
}

func closeCodeLabel(code int) string {
	switch code {
	case 0:
		return "none"
	case 1000:
		return "normal"
	case 1001:
		return "going_away"
	case 1006:
		return "abnormal"
	default:
		return "other"
	}
}
