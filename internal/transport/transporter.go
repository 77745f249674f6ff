// Package transport provides the MQTT connection used to receive directives
// and publish results. It allows callers to publish and receive messages
// without having to manage the connection details, including reconnecting
// after the broker connection is lost.
package transport

import (
	"context"
	"crypto/tls"
)

// Message is an MQTT message delivered to a HandlerFunc.
type Message struct {
	Topic   string
	Payload []byte
}

// HandlerFunc is called with every message received on the topic it was
// registered for.
type HandlerFunc func(msg Message)

// Subscription is a topic filter paired with the QoS it is subscribed at.
type Subscription struct {
	Topic string
	QoS   byte
}

// Publisher is the part of a transport needed to publish messages. Consumers
// depend on Publisher so tests can substitute a fake.
type Publisher interface {
	// Publish sends payload to topic without waiting for delivery. Delivery
	// errors are logged.
	Publish(topic string, payload []byte, qos byte, retain bool)
}

// Transporter is an interface representing the ability to publish and
// receive MQTT messages. It abstracts away the concrete implementation,
// leaving that up to the implementing type.
type Transporter interface {
	Publisher

	// Connect connects to the broker and issues the configured subscriptions.
	Connect(ctx context.Context) error

	// Disconnect disconnects the transport, waiting up to quiesce
	// milliseconds for in-flight work to complete.
	Disconnect(quiesce uint)

	// Subscribe adds subscriptions. They are issued immediately when
	// connected and re-issued after every reconnect.
	Subscribe(subs ...Subscription) error

	// Unsubscribe removes subscriptions for topics.
	Unsubscribe(topics ...string) error

	// Drain stops delivering messages to handlers and waits for running
	// handlers to return or ctx to be done.
	Drain(ctx context.Context) error

	// Handle registers f for messages received on topic.
	Handle(topic string, f HandlerFunc)

	// ReloadTLSConfig replaces the TLS configuration and reconnects.
	ReloadTLSConfig(tlsConfig *tls.Config) error

	// State returns the current connection state.
	State() State
}
