package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/cenkalti/backoff/v4"
	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/metrics"
	isync "github.com/deepsight/agency/internal/sync"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Defaults applied to zero-valued MQTTConfig durations.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultPublishTimeout    = 10 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = 2 * time.Minute
)

// ErrTimeout is returned when the broker does not complete an operation in
// time.
var ErrTimeout = errors.New("timed out waiting for broker")

// ErrClosed is returned by Connect after Disconnect has been called.
var ErrClosed = errors.New("transport closed")

// MQTTConfig holds the values needed to create an MQTT transport.
type MQTTConfig struct {
	// ClientID is the MQTT client ID. When empty, a random ID with the
	// agency.ClientIDPrefix prefix is generated.
	ClientID string

	// Brokers is a list of broker URIs, such as tcp://localhost:1883.
	Brokers []string

	Username string
	Password string

	// TLSConfig is used for ssl:// and tls:// broker URIs.
	TLSConfig *tls.Config

	// Topics are subscribed at QoS 0 once the broker accepts the connection.
	Topics []string

	// ConnectTimeout bounds each connection attempt and subscription request.
	ConnectTimeout time.Duration

	// PublishTimeout bounds the wait for a publish acknowledgement before the
	// failure is logged.
	PublishTimeout time.Duration

	// ReconnectDelay is the first delay after a lost connection. Subsequent
	// delays grow exponentially up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// MQTT is a Transporter that publishes and receives messages by subscribing
// and publishing to topics on an MQTT broker.
//
// Reconnecting is handled by MQTT itself rather than by the paho client: a
// lost connection moves the transport to StateBackoff and connection attempts
// are retried with exponential backoff until one succeeds or Disconnect is
// called. Subscriptions are re-issued after every successful connection.
type MQTT struct {
	config    MQTTConfig
	opts      *mqtt.ClientOptions
	newClient func(o *mqtt.ClientOptions) mqtt.Client
	backoff   func() backoff.BackOff

	mu      sync.Mutex
	client  mqtt.Client
	state   State
	onState StateHandlerFunc
	running  bool
	closed   bool
	draining bool

	handlers isync.RWMutexMap[HandlerFunc]
	subs     isync.RWMutexMap[byte]

	lost   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// handling counts handler goroutines started by route.
	handling sync.WaitGroup
}

// NewMQTTTransport creates a transport for the brokers in config. No
// connection is made until Connect is called.
func NewMQTTTransport(config MQTTConfig) (*MQTT, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("cannot create MQTT transport: no broker")
	}
	if config.ClientID == "" {
		config.ClientID = agency.ClientIDPrefix + "-" + uuid.New().String()
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.ReconnectMaxDelay == 0 {
		config.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &MQTT{
		config:    config,
		newClient: mqtt.NewClient,
		lost:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = t.config.ReconnectDelay
		b.MaxInterval = t.config.ReconnectMaxDelay
		b.MaxElapsedTime = 0
		return b
	}

	for _, topic := range config.Topics {
		t.subs.Set(topic, 0)
	}

	opts := mqtt.NewClientOptions()
	for _, broker := range config.Brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetTLSConfig(config.TLSConfig.Clone())
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		opts := c.OptionsReader()
		for _, url := range opts.Servers() {
			log.Infof("connected to broker: %v", url)
		}
	})
	opts.SetDefaultPublishHandler(t.route)
	opts.SetConnectionLostHandler(func(c mqtt.Client, e error) {
		log.Errorf("connection lost unexpectedly: %v", e)
		t.setState(StateBackoff)
		t.signalLost()
	})
	t.opts = opts

	return t, nil
}

// ClientID returns the MQTT client ID in use.
func (t *MQTT) ClientID() string {
	return t.config.ClientID
}

// OnStateChange stores a reference to f, which is then called on every state
// transition.
func (t *MQTT) OnStateChange(f StateHandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onState = f
}

// State returns the current connection state.
func (t *MQTT) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *MQTT) setState(s State) {
	t.mu.Lock()
	from := t.state
	if from == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	f := t.onState
	t.mu.Unlock()

	metrics.MQTTConnectionState.Set(float64(s))
	log.Debugf("MQTT connection state: %v -> %v", from, s)
	if f != nil {
		f(from, s)
	}
}

// currentClient returns the paho client, creating it on first use.
func (t *MQTT) currentClient() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		t.client = t.newClient(t.opts)
	}
	return t.client
}

func (t *MQTT) signalLost() {
	select {
	case t.lost <- struct{}{}:
	default:
	}
}

// Connect connects to the configured broker, waits for the broker to accept
// the connection and then subscribes to every configured topic. Once
// connected, lost connections are re-established in the background.
func (t *MQTT) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		t.currentClient().Disconnect(0)
		t.setState(StateDisconnected)
		return err
	}

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnectLoop()
	}()

	return nil
}

// connect performs a single connection attempt followed by the
// subscriptions.
func (t *MQTT) connect(ctx context.Context) error {
	t.setState(StateConnecting)

	client := t.currentClient()
	if err := wait(ctx, client.Connect(), t.config.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot connect to broker: %w", err)
	}
	t.setState(StateConnected)

	return t.resubscribe(ctx, client)
}

func (t *MQTT) resubscribe(ctx context.Context, client mqtt.Client) error {
	filters := make(map[string]byte)
	t.subs.Visit(func(topic string, qos byte) {
		filters[topic] = qos
	})
	if len(filters) == 0 {
		return nil
	}

	if err := wait(ctx, client.SubscribeMultiple(filters, t.route), t.config.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot subscribe to topics: %w", err)
	}
	for topic, qos := range filters {
		log.Infof("subscribed to topic: %v (QoS %v)", topic, qos)
	}

	return nil
}

// reconnectLoop waits for a lost connection and then retries connecting,
// with exponential backoff, until it succeeds or the transport is
// disconnected.
func (t *MQTT) reconnectLoop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.lost:
		}

		if t.currentClient().IsConnected() {
			t.setState(StateConnected)
			continue
		}
		t.setState(StateBackoff)

		b := backoff.WithContext(t.backoff(), t.ctx)
		err := backoff.RetryNotify(func() error {
			if err := t.connect(t.ctx); err != nil {
				t.currentClient().Disconnect(0)
				t.setState(StateBackoff)
				return err
			}
			return nil
		}, b, func(err error, d time.Duration) {
			log.Warnf("%v; retrying in %v", err, d)
		})
		if err != nil {
			return
		}
		log.Infof("reconnected to broker")
	}
}

// Disconnect stops reconnecting and closes the connection to the broker,
// waiting for the specified number of milliseconds for work to complete. It is
// safe to call before Connect and more than once.
func (t *MQTT) Disconnect(quiesce uint) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	t.currentClient().Disconnect(quiesce)
	t.setState(StateDisconnected)
	log.Debugf("disconnected from broker")
}

// Publish sends payload to topic. It does not wait for the broker; a failed
// or timed out delivery is logged.
func (t *MQTT) Publish(topic string, payload []byte, qos byte, retain bool) {
	token := t.currentClient().Publish(topic, qos, retain, payload)

	go func() {
		if err := wait(context.Background(), token, t.config.PublishTimeout); err != nil {
			log.Errorf("failed to publish message to topic %v: %v", topic, err)
			return
		}
		log.Debugf("published message to topic %v", topic)
		log.Tracef("message: %v", string(payload))
	}()
}

// Subscribe records subs and, when connected, subscribes to them. Recorded
// subscriptions are re-issued after every reconnect.
func (t *MQTT) Subscribe(subs ...Subscription) error {
	filters := make(map[string]byte, len(subs))
	for _, sub := range subs {
		if sub.Topic == "" {
			return fmt.Errorf("cannot subscribe: empty topic")
		}
		filters[sub.Topic] = sub.QoS
	}
	for topic, qos := range filters {
		t.subs.Set(topic, qos)
	}

	if len(filters) == 0 || t.State() != StateConnected {
		return nil
	}

	if err := wait(t.ctx, t.currentClient().SubscribeMultiple(filters, t.route), t.config.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot subscribe to topics: %w", err)
	}
	for topic, qos := range filters {
		log.Infof("subscribed to topic: %v (QoS %v)", topic, qos)
	}

	return nil
}

// Unsubscribe forgets the subscriptions for topics and, when connected,
// unsubscribes from them.
func (t *MQTT) Unsubscribe(topics ...string) error {
	for _, topic := range topics {
		t.subs.Del(topic)
	}

	if len(topics) == 0 || t.State() != StateConnected {
		return nil
	}

	if err := wait(t.ctx, t.currentClient().Unsubscribe(topics...), t.config.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot unsubscribe from topics: %w", err)
	}
	for _, topic := range topics {
		log.Infof("unsubscribed from topic: %v", topic)
	}

	return nil
}

// Subscriptions returns the recorded subscription topics in sorted order.
func (t *MQTT) Subscriptions() []string {
	return t.subs.Keys()
}

// Handle registers f for messages received on topic. Topics are matched
// exactly; messages on a topic without a handler are logged and discarded.
func (t *MQTT) Handle(topic string, f HandlerFunc) {
	t.handlers.Set(topic, f)
}

// ReloadTLSConfig replaces the TLS configuration. A new client is created
// with the configuration and, if the transport is running, it reconnects.
func (t *MQTT) ReloadTLSConfig(tlsConfig *tls.Config) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old := t.client
	t.opts.SetTLSConfig(tlsConfig.Clone())
	t.client = t.newClient(t.opts)
	running := t.running
	t.mu.Unlock()

	if old != nil {
		old.Disconnect(250)
	}
	log.Infof("TLS configuration reloaded")

	if running {
		t.setState(StateBackoff)
		t.signalLost()
	}

	return nil
}

// route delivers m to the handler registered for its topic.
func (t *MQTT) route(c mqtt.Client, m mqtt.Message) {
	log.Debugf("received a message %v on topic %v", m.MessageID(), m.Topic())

	f, has := t.handlers.Get(m.Topic())
	if !has {
		metrics.MQTTMessagesTotal.WithLabelValues("false").Inc()
		log.Warnf("uncollected message on topic %v: %v", m.Topic(), string(m.Payload()))
		return
	}
	metrics.MQTTMessagesTotal.WithLabelValues("true").Inc()

	msg := Message{
		Topic:   m.Topic(),
		Payload: append([]byte(nil), m.Payload()...),
	}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		log.Warnf("shutting down, dropping message on topic %v: %v", msg.Topic, string(msg.Payload))
		return
	}
	t.handling.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.handling.Done()
		f(msg)
	}()
}

// Drain stops handing received messages to handlers and waits until every
// handler already running has returned, or ctx is done. Messages received
// while draining are logged and dropped. The connection stays up so handlers
// can still publish.
func (t *MQTT) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.handling.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until token completes, timeout elapses or ctx is done. A zero
// timeout waits without limit.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
