// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agency"

var (
	// DirectivesTotal counts directives handled by the dispatcher, labelled by
	// HTTP method and outcome ("ok", "decode_error", "http_error").
	DirectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directives_total",
		Help:      "The total number of MQTT directives handled by the dispatcher.",
	},
		[]string{"method", "outcome"},
	)

	// MQTTMessagesTotal counts inbound MQTT messages, labelled by whether a
	// handler was registered for the topic.
	MQTTMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_messages_total",
		Help:      "The total number of MQTT messages received.",
	},
		[]string{"handled"},
	)

	// MQTTConnectionState reports the current reconnect state machine state.
	MQTTConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mqtt_connection_state",
		Help:      "The MQTT connection state (0 disconnected, 1 connecting, 2 connected, 3 backoff).",
	})

	// RelayFramesTotal counts frames crossing a relay endpoint, labelled by
	// endpoint name and direction ("in", "out", "dropped").
	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_frames_total",
		Help:      "The total number of frames relayed over TCP endpoints.",
	},
		[]string{"endpoint", "direction"},
	)

	// RelayConnections is the number of live connections per relay endpoint.
	RelayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_connections",
		Help:      "The number of live TCP connections per relay endpoint.",
	},
		[]string{"endpoint"},
	)
)

// Handler returns an HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
