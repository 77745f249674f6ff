package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/briandowns/spinner"
	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/app"
	"github.com/deepsight/agency/internal/config"
	"github.com/deepsight/agency/internal/dispatch"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh/terminal"
)

// buildDirective assembles a directive document from a URL, a method, a list
// of KEY=VALUE pairs and an optional JSON object. Pairs override keys of the
// JSON object. The result is checked the same way the daemon decodes it.
func buildDirective(rawURL, method string, pairs []string, rawData string) ([]byte, error) {
	data := map[string]json.RawMessage{}
	if rawData != "" {
		if err := json.Unmarshal([]byte(rawData), &data); err != nil {
			return nil, fmt.Errorf("cannot parse data: %w", err)
		}
		if data == nil {
			data = map[string]json.RawMessage{}
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, agency.NewInvalidArgumentError("data", pair)
		}
		v, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		data[key] = v
	}

	payload, err := json.Marshal(dispatch.Directive{
		URL:    rawURL,
		Method: strings.ToUpper(method),
		Data:   data,
	})
	if err != nil {
		return nil, err
	}

	if _, err := dispatch.Decode(payload, nil); err != nil {
		return nil, err
	}

	return payload, nil
}

// matchResponse inspects a message received on topic and reports whether it
// answers the directive sent. Results are matched on their source document.
// Errors carry no source, so the first one is taken as the answer.
func matchResponse(topic string, payload, sent []byte, resultTopic, errorTopic string) (bool, error) {
	switch topic {
	case resultTopic:
		var msg agency.ResultMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return false, nil
		}
		return sameJSON(msg.Source, sent), nil
	case errorTopic:
		var msg agency.ErrorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return false, nil
		}
		return true, fmt.Errorf("%v", msg.Error)
	}
	return false, nil
}

func sameJSON(a, b []byte) bool {
	var x, y bytes.Buffer
	if err := json.Compact(&x, a); err != nil {
		return false
	}
	if err := json.Compact(&y, b); err != nil {
		return false
	}
	return bytes.Equal(x.Bytes(), y.Bytes())
}

// readCredentials prompts for a password when a username is given without
// one.
func readCredentials(c *cli.Context) (string, string, error) {
	username := c.String(config.FlagNameUsername)
	password := c.String(config.FlagNamePassword)
	if username == "" || password != "" {
		return username, password, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	data, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", "", err
	}
	fmt.Fprintln(os.Stderr)

	return username, string(data), nil
}

func dispatchAction(c *cli.Context) error {
	if err := app.SetupLogging(c.App.Name, c.String(config.FlagNameLogLevel)); err != nil {
		return cli.Exit(err, 1)
	}

	brokers := c.StringSlice(config.FlagNameBroker)
	if len(brokers) == 0 {
		return cli.Exit("no broker configured", 1)
	}
	topics := config.ParseTopics(c.StringSlice(config.FlagNameSubscribeTopic))
	if len(topics) == 0 {
		return cli.Exit("no subscribe topic configured", 1)
	}
	resultTopic := c.String(config.FlagNamePublishTopic)
	errorTopic := c.String(config.FlagNameErrorTopic)

	payload, err := buildDirective(c.String("url"), c.String("method"), c.StringSlice("data"), c.String("data-json"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	username, password, err := readCredentials(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	opts := mqtt.NewClientOptions()
	for _, broker := range brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(agency.ShortName + "ctl-" + uuid.New().String())
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetCleanSession(true)

	responses := make(chan mqtt.Message, 16)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case responses <- msg:
		default:
			log.Warnf("dropping message on %v", msg.Topic())
		}
	})

	client := mqtt.NewClient(opts)
	timeout := c.Duration("timeout")
	if token := client.Connect(); !token.WaitTimeout(timeout) {
		return cli.Exit("timed out connecting to broker", 1)
	} else if token.Error() != nil {
		return cli.Exit(fmt.Errorf("cannot connect to broker: %w", token.Error()), 1)
	}
	defer client.Disconnect(250)

	filters := map[string]byte{resultTopic: 1, errorTopic: 1}
	if token := client.SubscribeMultiple(filters, nil); !token.WaitTimeout(timeout) {
		return cli.Exit("timed out subscribing", 1)
	} else if token.Error() != nil {
		return cli.Exit(fmt.Errorf("cannot subscribe: %w", token.Error()), 1)
	}

	if token := client.Publish(topics[0], 1, false, payload); !token.WaitTimeout(timeout) {
		return cli.Exit("timed out publishing directive", 1)
	} else if token.Error() != nil {
		return cli.Exit(fmt.Errorf("cannot publish directive: %w", token.Error()), 1)
	}
	log.Debugf("published directive to %v: %v", topics[0], string(payload))

	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
	s.Writer = os.Stderr
	s.Suffix = " Waiting for a result..."
	s.Start()

	ctx, cancel := context.WithTimeout(c.Context, timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return cli.Exit("timed out waiting for a result", 1)
		case msg := <-responses:
			done, err := matchResponse(msg.Topic(), msg.Payload(), payload, resultTopic, errorTopic)
			if !done {
				log.Tracef("ignoring message on %v: %v", msg.Topic(), string(msg.Payload()))
				continue
			}
			s.Stop()
			if err != nil {
				return cli.Exit(err, 1)
			}
			return printResult(msg.Payload())
		}
	}
}

func printResult(payload []byte) error {
	var msg agency.ResultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return cli.Exit(err, 1)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, msg.Data, "", "  "); err != nil {
		out.Reset()
		out.Write(msg.Data)
	}
	fmt.Println(out.String())
	return nil
}
