// Package config holds the runtime configuration of agencyd and the helpers
// that turn it into TLS configurations and relay endpoint definitions.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/rjeczalik/notify"
)

const (
	FlagNameLogLevel              = "log-level"
	FlagNameBroker                = "broker"
	FlagNameClientID              = "client-id"
	FlagNameUsername              = "username"
	FlagNamePassword              = "password"
	FlagNameCertFile              = "cert-file"
	FlagNameKeyFile               = "key-file"
	FlagNameCaRoot                = "ca-root"
	FlagNameSubscribeTopic        = "subscribe-topic"
	FlagNamePublishTopic          = "publish-topic"
	FlagNameErrorTopic            = "error-topic"
	FlagNameRelayForwardTopic     = "relay-forward-topic"
	FlagNameHTTPTimeout           = "http-timeout"
	FlagNameAllowHost             = "allow-host"
	FlagNameMQTTConnectTimeout    = "mqtt-connect-timeout"
	FlagNameMQTTPublishTimeout    = "mqtt-publish-timeout"
	FlagNameMQTTReconnectDelay    = "mqtt-reconnect-delay"
	FlagNameMQTTReconnectMaxDelay = "mqtt-reconnect-max-delay"
	FlagNameRelayConfig           = "relay-config"
	FlagNameRelayFlushTimeout     = "relay-flush-timeout"
	FlagNameHTTPListen            = "http-listen"
)

// Default values of the configuration.
const (
	DefaultSubscribeTopic    = "demo"
	DefaultPublishTopic      = "demo/result"
	DefaultErrorTopic        = "demo/error"
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultRelayFlushTimeout = 5 * time.Second
)

// DefaultConfig is the configuration used when no flag or file sets a value.
var DefaultConfig = Config{
	LogLevel:          "info",
	SubscribeTopics:   []string{DefaultSubscribeTopic},
	PublishTopic:      DefaultPublishTopic,
	ErrorTopic:        DefaultErrorTopic,
	HTTPTimeout:       DefaultHTTPTimeout,
	RelayFlushTimeout: DefaultRelayFlushTimeout,
}

// Config contains current configuration state for agencyd.
type Config struct {
	// LogLevel is the level value used for logging.
	LogLevel string

	// Broker is a list of MQTT broker URIs. When empty, no MQTT connection is
	// made and only the relay endpoints run.
	Broker []string

	// ClientID is the MQTT client ID. A random ID is generated when empty.
	ClientID string

	// Username and Password authenticate the MQTT connection.
	Username string
	Password string

	// CertFile is a path to a public certificate, optionally used along with
	// KeyFile to authenticate connections.
	CertFile string

	// KeyFile is a path to a private certificate, optionally used along with
	// CertFile to authenticate connections.
	KeyFile string

	// CARoot is the list of paths with chain certificate file to optionally
	// include in the TLS configration's CA root list.
	CARoot []string

	// SubscribeTopics are the topics directives are received on.
	SubscribeTopics []string

	// PublishTopic receives the results of executed directives.
	PublishTopic string

	// ErrorTopic receives error reports for directives that failed.
	ErrorTopic string

	// RelayForwardTopic, when set, receives every frame read from a relay
	// peer. When empty, inbound frames are only logged.
	RelayForwardTopic string

	// HTTPTimeout bounds each outbound HTTP request.
	HTTPTimeout time.Duration

	// AllowHosts restricts the hosts directives may address. Empty allows all.
	AllowHosts []string

	// MQTTConnectTimeout is the duration the client will wait for an MQTT
	// connection to be established before giving up.
	MQTTConnectTimeout time.Duration

	// MQTTPublishTimeout is the duration the client will wait for an MQTT
	// connection to publish a message before giving up.
	MQTTPublishTimeout time.Duration

	// MQTTReconnectDelay is the first delay before reconnecting to the broker.
	MQTTReconnectDelay time.Duration

	// MQTTReconnectMaxDelay caps the exponential reconnect delay.
	MQTTReconnectMaxDelay time.Duration

	// RelayConfig is a path to a TOML file defining relay endpoints.
	RelayConfig string

	// RelayFlushTimeout bounds how long relay endpoints may spend writing
	// queued messages during shutdown.
	RelayFlushTimeout time.Duration

	// HTTPListen is the address of the HTTP surface. Empty disables it.
	HTTPListen string
}

// CreateTLSConfig creates a tls.Config object from the current configuration.
func (conf *Config) CreateTLSConfig() (*tls.Config, error) {
	var certData, keyData []byte
	var err error
	rootCAs := make([][]byte, 0)

	if conf.CertFile != "" && conf.KeyFile != "" {
		certData, err = os.ReadFile(conf.CertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read cert-file '%v': %w", conf.CertFile, err)
		}

		keyData, err = os.ReadFile(conf.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read key-file '%v': %w", conf.KeyFile, err)
		}
	}

	for _, file := range conf.CARoot {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca-file '%v': %w", file, err)
		}
		rootCAs = append(rootCAs, data)
	}

	tlsConfig, err := newTLSConfig(certData, keyData, rootCAs)
	if err != nil {
		return nil, err
	}

	return tlsConfig, nil
}

// WatcherUpdate creates an inotify watcher on all TLS related files
// (cert-file, key-file and ca-root). If any of those files is updated, a new
// tls.Config is sent over the returned channel so consumers can renew their
// connections. A nil channel is returned when no TLS file is configured.
func (conf *Config) WatcherUpdate() (chan *tls.Config, error) {
	c := make(chan notify.EventInfo, 1)
	files := []string{}

	if len(conf.CARoot) > 0 {
		files = append(files, conf.CARoot...)
	}

	if conf.CertFile != "" {
		files = append(files, conf.CertFile)
	}

	if conf.KeyFile != "" {
		files = append(files, conf.KeyFile)
	}

	if len(files) == 0 {
		return nil, nil
	}

	for _, fp := range files {
		if err := notify.Watch(fp, c, notify.InCloseWrite, notify.InDelete); err != nil {
			notify.Stop(c)
			return nil, fmt.Errorf("cannot start watching file '%v': %w", fp, err)
		}
		log.Debugf("added watchpoint for file: %v", fp)
	}

	events := make(chan *tls.Config, 1)
	go func() {
		for e := range c {
			log.Debugf("received inotify event %v", e.Event())
			switch e.Event() {
			case notify.InCloseWrite, notify.InDelete:
				cfg, err := conf.CreateTLSConfig()
				if err != nil {
					log.Errorf(
						"cannot create TLS config from file '%v' on event %v: %v",
						e.Path(),
						e.Event(),
						err,
					)
				}
				if cfg != nil {
					events <- cfg
				}
			}
		}
	}()

	return events, nil
}

// ParseTopics splits every value on commas, trims whitespace and drops empty
// and duplicate entries, preserving the order of first appearance.
func ParseTopics(values []string) []string {
	topics := []string{}
	seen := map[string]bool{}
	for _, value := range values {
		for _, topic := range strings.Split(value, ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" || seen[topic] {
				continue
			}
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	return topics
}

// Validate reports configuration values that cannot work together.
func (conf *Config) Validate() error {
	for _, topic := range conf.SubscribeTopics {
		if topic == conf.PublishTopic || topic == conf.ErrorTopic {
			return fmt.Errorf("topic '%v' is both subscribed to and published on", topic)
		}
		if topic == conf.RelayForwardTopic {
			return fmt.Errorf("relay frames cannot be forwarded to subscribed topic '%v'", topic)
		}
	}
	if len(conf.Broker) > 0 && (conf.PublishTopic == "" || conf.ErrorTopic == "") {
		return fmt.Errorf("publish and error topics are required when a broker is set")
	}
	return nil
}
