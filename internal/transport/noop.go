package transport

import (
	"context"
	"crypto/tls"

	"git.sr.ht/~spc/go-log"
)

// Noop is a Transporter that does nothing. It is used when no broker is
// configured, leaving only the relay endpoints and the HTTP surface running.
type Noop struct{}

func NewNoopTransport() *Noop {
	return &Noop{}
}

func (t *Noop) Connect(ctx context.Context) error {
	return nil
}

func (t *Noop) Disconnect(quiesce uint) {}

func (t *Noop) Publish(topic string, payload []byte, qos byte, retain bool) {
	log.Debugf("no broker configured, dropping message for topic %v", topic)
	log.Tracef("message: %v", string(payload))
}

func (t *Noop) Subscribe(subs ...Subscription) error {
	return nil
}

func (t *Noop) Unsubscribe(topics ...string) error {
	return nil
}

func (t *Noop) Drain(ctx context.Context) error {
	return nil
}

func (t *Noop) Handle(topic string, f HandlerFunc) {}

func (t *Noop) ReloadTLSConfig(tlsConfig *tls.Config) error {
	return nil
}

func (t *Noop) State() State {
	return StateDisconnected
}
