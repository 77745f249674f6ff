package lifecycle

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/deepsight/agency/internal/config"
	"github.com/deepsight/agency/internal/transport"
	"github.com/google/go-cmp/cmp"
)

type published struct {
	Topic   string
	Payload string
}

// fakeTransport records the calls made by the coordinator.
type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error
	handlers     map[string]transport.HandlerFunc
	published    []published
	connected    bool
	drained      bool
	disconnected bool
	// drainedFirst is set when Drain was called before Disconnect.
	drainedFirst bool
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Disconnect(quiesce uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disconnected = true
	t.drainedFirst = t.drained
}

func (t *fakeTransport) Drain(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drained = true
	return nil
}

func (t *fakeTransport) Publish(topic string, payload []byte, qos byte, retain bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.published = append(t.published, published{topic, string(payload)})
}

func (t *fakeTransport) Subscribe(subs ...transport.Subscription) error { return nil }

func (t *fakeTransport) Unsubscribe(topics ...string) error { return nil }

func (t *fakeTransport) Handle(topic string, f transport.HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers == nil {
		t.handlers = map[string]transport.HandlerFunc{}
	}
	t.handlers[topic] = f
}

func (t *fakeTransport) ReloadTLSConfig(tlsConfig *tls.Config) error { return nil }

func (t *fakeTransport) State() transport.State { return transport.StateConnected }

func (t *fakeTransport) getPublished() []published {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]published(nil), t.published...)
}

type notifier struct {
	mu     sync.Mutex
	states []string
}

func (n *notifier) notify(state string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.states = append(n.states, state)
}

func closedAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	return addr
}

func TestNewRelays(t *testing.T) {
	relays, err := NewRelays([]config.RelayEndpoint{
		{Name: "a", Role: "server", Address: "127.0.0.1:0", Inbound: "nodes"},
		{Name: "b", Role: "server", Address: "127.0.0.1:0", Inbound: "nodes"},
		{Name: "c", Role: "client", Address: "127.0.0.1:1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(relays.Endpoints) != 3 {
		t.Fatalf("%v != %v", len(relays.Endpoints), 3)
	}
	if len(relays.Inbound) != 2 {
		t.Errorf("expected shared inbound queue, got %v queues", len(relays.Inbound))
	}
	if _, has := relays.Inbound[config.DefaultInbound]; !has {
		t.Errorf("missing default inbound queue")
	}
	if len(relays.Senders()) != 3 {
		t.Errorf("%v != %v", len(relays.Senders()), 3)
	}

	if _, err := NewRelays([]config.RelayEndpoint{{Name: "x", Role: "peer", Address: ":1"}}); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestStartStop(t *testing.T) {
	relays, err := NewRelays([]config.RelayEndpoint{
		{Name: "nodes", Role: "server", Address: "127.0.0.1:0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{}
	n := &notifier{}
	handler := func(msg transport.Message) {}
	c := New(Config{
		SubscribeTopics:   []string{"demo", "other"},
		RelayForwardTopic: "relay/in",
		FlushTimeout:      time.Second,
	}, tr, handler, relays, nil)
	c.notify = n.notify

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	if !tr.connected || len(tr.handlers) != 2 {
		t.Errorf("connected: %v, handlers: %v", tr.connected, tr.handlers)
	}
	tr.mu.Unlock()

	peer, err := net.Dial("tcp", relays.Endpoints[0].Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if _, err := peer.Write([]byte("{\"a\":1}\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(tr.getPublished()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frame not forwarded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := tr.getPublished()
	want := []published{{
		Topic:   "relay/in",
		Payload: `{"endpoint":"nodes","remote":"` + peer.LocalAddr().String() + `","data":{"a":1}}`,
	}}
	if !cmp.Equal(got, want) {
		t.Errorf("%v", cmp.Diff(got, want))
	}
	if !tr.disconnected {
		t.Error("transport not disconnected")
	}
	if !tr.drainedFirst {
		t.Error("transport not drained before disconnecting")
	}
	if !cmp.Equal(n.states, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}) {
		t.Errorf("%v", n.states)
	}
}

func TestStartRelayFailure(t *testing.T) {
	relays, err := NewRelays([]config.RelayEndpoint{
		{Name: "nodes", Role: "server", Address: "127.0.0.1:0"},
		{Name: "upstream", Role: "client", Address: closedAddress(t), DialTimeout: "1s"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{}
	n := &notifier{}
	c := New(Config{FlushTimeout: time.Second}, tr, nil, relays, nil)
	c.notify = n.notify

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	if !tr.disconnected {
		t.Error("transport not disconnected")
	}
	if len(n.states) != 0 {
		t.Errorf("unexpected notifications: %v", n.states)
	}
	if err := relays.Endpoints[0].Send(map[string]int{"a": 1}); err == nil {
		t.Error("expected closed endpoint")
	}
}

func TestStartConnectFailure(t *testing.T) {
	relays, err := NewRelays([]config.RelayEndpoint{
		{Name: "nodes", Role: "server", Address: "127.0.0.1:0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	refused := errors.New("connection refused")
	tr := &fakeTransport{connectErr: refused}
	c := New(Config{FlushTimeout: time.Second}, tr, nil, relays, nil)
	c.notify = func(string) {}

	if err := c.Start(context.Background()); !errors.Is(err, refused) {
		t.Fatalf("%v != %v", err, refused)
	}
	if relays.Endpoints[0].Addr() != "127.0.0.1:0" {
		t.Errorf("relay endpoint started: %v", relays.Endpoints[0].Addr())
	}
}
