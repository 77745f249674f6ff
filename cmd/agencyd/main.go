package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/api"
	"github.com/deepsight/agency/internal/app"
	"github.com/deepsight/agency/internal/config"
	"github.com/deepsight/agency/internal/dispatch"
	"github.com/deepsight/agency/internal/http"
	"github.com/deepsight/agency/internal/lifecycle"
	"github.com/deepsight/agency/internal/transport"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

// shutdownTimeout bounds the whole shutdown sequence after a signal.
const shutdownTimeout = 30 * time.Second

func main() {
	a, err := app.NewApp(agency.ShortName+"d", flags())
	if err != nil {
		log.Fatal(err)
	}
	a.Usage = "bridge MQTT directives to HTTP and relay JSON over TCP"
	a.Action = run

	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func flags() []cli.Flag {
	defaults := config.DefaultConfig

	return append([]cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameLogLevel,
			Value: defaults.LogLevel,
			Usage: "Set the logging output level to `LEVEL`",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  config.FlagNameBroker,
			Usage: "Connect to the MQTT broker at `URI` (tcp://, ssl://, ws://, wss://)",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameClientID,
			Usage: "Use `ID` as the MQTT client ID",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameUsername,
			Usage: "Authenticate to the broker as `USER`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNamePassword,
			Usage: "Authenticate to the broker with `PASSWORD`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:      config.FlagNameCertFile,
			Usage:     "Use `FILE` as the client certificate",
			TakesFile: true,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:      config.FlagNameKeyFile,
			Usage:     "Use `FILE` as the client's private key",
			TakesFile: true,
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:      config.FlagNameCaRoot,
			Usage:     "Use `FILE` as the root CA",
			TakesFile: true,
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  config.FlagNameSubscribeTopic,
			Value: cli.NewStringSlice(defaults.SubscribeTopics...),
			Usage: "Receive directives on `TOPIC` (comma separated values accepted)",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNamePublishTopic,
			Value: defaults.PublishTopic,
			Usage: "Publish directive results to `TOPIC`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameErrorTopic,
			Value: defaults.ErrorTopic,
			Usage: "Publish directive errors to `TOPIC`",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameRelayForwardTopic,
			Usage: "Publish frames received from relay peers to `TOPIC`",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameHTTPTimeout,
			Value: defaults.HTTPTimeout,
			Usage: "Cancel directive HTTP requests after `DURATION`",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  config.FlagNameAllowHost,
			Usage: "Only execute directives addressed to `HOST` (may be repeated)",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameMQTTConnectTimeout,
			Value: transport.DefaultConnectTimeout,
			Usage: "Give up an MQTT connection attempt after `DURATION`",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameMQTTPublishTimeout,
			Value: transport.DefaultPublishTimeout,
			Usage: "Report an MQTT publish as failed after `DURATION`",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameMQTTReconnectDelay,
			Value: transport.DefaultReconnectDelay,
			Usage: "Wait `DURATION` before the first MQTT reconnect attempt",
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameMQTTReconnectMaxDelay,
			Value: transport.DefaultReconnectMaxDelay,
			Usage: "Wait at most `DURATION` between MQTT reconnect attempts",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:      config.FlagNameRelayConfig,
			Usage:     "Read relay endpoint definitions from `FILE`",
			TakesFile: true,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:  config.FlagNameRelayFlushTimeout,
			Value: defaults.RelayFlushTimeout,
			Usage: "Give relay endpoints `DURATION` to flush queued messages on shutdown",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  config.FlagNameHTTPListen,
			Usage: "Serve the HTTP API on `ADDRESS`",
		}),
	}, app.GenerateFlags()...)
}

// configFromContext reads the flag values of c into a Config.
func configFromContext(c *cli.Context) (*config.Config, error) {
	conf := config.Config{
		LogLevel:              c.String(config.FlagNameLogLevel),
		Broker:                c.StringSlice(config.FlagNameBroker),
		ClientID:              c.String(config.FlagNameClientID),
		Username:              c.String(config.FlagNameUsername),
		Password:              c.String(config.FlagNamePassword),
		CertFile:              c.String(config.FlagNameCertFile),
		KeyFile:               c.String(config.FlagNameKeyFile),
		CARoot:                c.StringSlice(config.FlagNameCaRoot),
		SubscribeTopics:       config.ParseTopics(c.StringSlice(config.FlagNameSubscribeTopic)),
		PublishTopic:          c.String(config.FlagNamePublishTopic),
		ErrorTopic:            c.String(config.FlagNameErrorTopic),
		RelayForwardTopic:     c.String(config.FlagNameRelayForwardTopic),
		HTTPTimeout:           c.Duration(config.FlagNameHTTPTimeout),
		AllowHosts:            c.StringSlice(config.FlagNameAllowHost),
		MQTTConnectTimeout:    c.Duration(config.FlagNameMQTTConnectTimeout),
		MQTTPublishTimeout:    c.Duration(config.FlagNameMQTTPublishTimeout),
		MQTTReconnectDelay:    c.Duration(config.FlagNameMQTTReconnectDelay),
		MQTTReconnectMaxDelay: c.Duration(config.FlagNameMQTTReconnectMaxDelay),
		RelayConfig:           c.String(config.FlagNameRelayConfig),
		RelayFlushTimeout:     c.Duration(config.FlagNameRelayFlushTimeout),
		HTTPListen:            c.String(config.FlagNameHTTPListen),
	}

	if err := validateBrokers(conf.Broker); err != nil {
		return nil, err
	}
	if (conf.CertFile == "") != (conf.KeyFile == "") {
		return nil, agency.NewInvalidArgumentError(config.FlagNameKeyFile, conf.KeyFile)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func run(c *cli.Context) error {
	if generated, err := app.Generate(c); generated {
		return err
	}

	if err := app.SetupLogging(c.App.Name, c.String(config.FlagNameLogLevel)); err != nil {
		return cli.Exit(err, 1)
	}

	conf, err := configFromContext(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	log.Infof("starting %v version %v", c.App.Name, agency.Version)

	tlsConfig, err := conf.CreateTLSConfig()
	if err != nil {
		return cli.Exit(fmt.Errorf("cannot create TLS config: %w", err), 1)
	}

	var t transport.Transporter
	if len(conf.Broker) > 0 {
		t, err = transport.NewMQTTTransport(transport.MQTTConfig{
			ClientID:          conf.ClientID,
			Brokers:           conf.Broker,
			Username:          conf.Username,
			Password:          conf.Password,
			TLSConfig:         tlsConfig,
			Topics:            conf.SubscribeTopics,
			ConnectTimeout:    conf.MQTTConnectTimeout,
			PublishTimeout:    conf.MQTTPublishTimeout,
			ReconnectDelay:    conf.MQTTReconnectDelay,
			ReconnectMaxDelay: conf.MQTTReconnectMaxDelay,
		})
		if err != nil {
			return cli.Exit(err, 1)
		}
	} else {
		log.Warnf("no broker configured, MQTT directives are disabled")
		t = transport.NewNoopTransport()
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		ResultTopic: conf.PublishTopic,
		ErrorTopic:  conf.ErrorTopic,
		AllowHosts:  conf.AllowHosts,
	}, http.NewHTTPClient(tlsConfig, agency.UserAgent(), conf.HTTPTimeout), t)

	var defs []config.RelayEndpoint
	if conf.RelayConfig != "" {
		relayConfig, err := config.LoadRelayConfig(conf.RelayConfig)
		if err != nil {
			return cli.Exit(fmt.Errorf("cannot load relay config '%v': %w", conf.RelayConfig, err), 1)
		}
		defs = relayConfig.Endpoints
	}
	relays, err := lifecycle.NewRelays(defs)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var apiServer *api.Server
	if conf.HTTPListen != "" {
		defaultTopic := ""
		if len(conf.SubscribeTopics) > 0 {
			defaultTopic = conf.SubscribeTopics[0]
		}
		apiServer = api.NewServer(conf.HTTPListen, t, defaultTopic, relays.Senders())
	}

	coordinator := lifecycle.New(lifecycle.Config{
		SubscribeTopics:   conf.SubscribeTopics,
		RelayForwardTopic: conf.RelayForwardTopic,
		FlushTimeout:      conf.RelayFlushTimeout,
		Quiesce:           250,
	}, t, dispatcher.Handle, relays, apiServer)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	if err := coordinator.Start(c.Context); err != nil {
		return cli.Exit(fmt.Errorf("cannot start: %w", err), 1)
	}

	events, err := conf.WatcherUpdate()
	if err != nil {
		log.Errorf("cannot watch TLS files: %v", err)
	}
	if events != nil {
		go func() {
			for cfg := range events {
				if err := t.ReloadTLSConfig(cfg); err != nil {
					log.Errorf("cannot reload TLS config: %v", err)
				}
			}
		}()
	}

	s := <-quit
	log.Infof("received signal %v, shutting down", s)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Stop(ctx); err != nil {
		return cli.Exit(err, 1)
	}
	log.Infof("stopped")

	return nil
}
