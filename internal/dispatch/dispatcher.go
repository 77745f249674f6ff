// Package dispatch turns MQTT directives into outbound HTTP requests and
// publishes their outcome back to MQTT.
//
// A directive is decoded, executed once with no retries and then reported:
// decoding failures and HTTP failures are published to the error topic as an
// agency.ErrorMessage; successful responses are published to the result topic
// as an agency.ResultMessage.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"git.sr.ht/~spc/go-log"
	"github.com/deepsight/agency"
	"github.com/deepsight/agency/internal/http"
	"github.com/deepsight/agency/internal/metrics"
	"github.com/deepsight/agency/internal/transport"
)

// Config holds the topics outcomes are published to.
type Config struct {
	// ResultTopic receives an agency.ResultMessage for each executed
	// directive.
	ResultTopic string

	// ErrorTopic receives an agency.ErrorMessage for each directive that
	// could not be decoded or executed.
	ErrorTopic string

	// AllowHosts restricts directive URLs to the listed hosts. An empty list
	// allows every host.
	AllowHosts []string

	// QoS is used when publishing outcomes.
	QoS byte
}

// Dispatcher executes directives received over MQTT.
type Dispatcher struct {
	config    Config
	client    *http.Client
	publisher transport.Publisher
}

// NewDispatcher creates a dispatcher that executes requests with client and
// publishes outcomes with publisher.
func NewDispatcher(config Config, client *http.Client, publisher transport.Publisher) *Dispatcher {
	return &Dispatcher{
		config:    config,
		client:    client,
		publisher: publisher,
	}
}

// Handle dispatches the payload of msg. Its signature matches
// transport.HandlerFunc so it can be registered on a transport directly.
func (d *Dispatcher) Handle(msg transport.Message) {
	if err := d.Dispatch(context.Background(), msg.Payload); err != nil {
		log.Errorf("cannot dispatch message from topic %v: %v", msg.Topic, err)
		log.Debugf("message: %v", string(msg.Payload))
	}
}

// Dispatch decodes payload, performs the HTTP request it describes and
// publishes the outcome. The returned error, if any, has already been
// published to the error topic.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	directive, err := Decode(payload, d.config.AllowHosts)
	if err != nil {
		metrics.DirectivesTotal.WithLabelValues(methodLabel(err), "decode_error").Inc()
		d.publishError(err)
		return err
	}
	log.Debugf("dispatching %v %v", directive.Method, directive.URL)

	var resp *http.Response
	if directive.SendsBody() {
		resp, err = d.client.Request(ctx, directive.Method, directive.URL, nil, directive.Data)
	} else {
		resp, err = d.client.Request(ctx, directive.Method, directive.URL, directive.Query(), nil)
	}
	if err != nil {
		metrics.DirectivesTotal.WithLabelValues(directive.Method, "http_error").Inc()
		log.Errorf("cannot perform %v %v: %v", directive.Method, directive.URL, err)
		log.Errorf("directive: %v", string(payload))
		d.publishError(err)
		return err
	}
	metrics.DirectivesTotal.WithLabelValues(directive.Method, "ok").Inc()

	result := agency.ResultMessage{
		Source: json.RawMessage(payload),
		Data:   responseData(resp.Body),
	}
	data, err := json.Marshal(result)
	if err != nil {
		err = fmt.Errorf("cannot marshal result: %w", err)
		d.publishError(err)
		return err
	}
	d.publisher.Publish(d.config.ResultTopic, data, d.config.QoS, false)
	log.Infof("published %v %v result to topic %v", directive.Method, directive.URL, d.config.ResultTopic)

	return nil
}

func (d *Dispatcher) publishError(err error) {
	data, merr := json.Marshal(agency.ErrorMessage{Error: err.Error()})
	if merr != nil {
		log.Errorf("cannot marshal error message: %v", merr)
		return
	}
	d.publisher.Publish(d.config.ErrorTopic, data, d.config.QoS, false)
}

// responseData returns body when it is a JSON document, otherwise an
// agency.ErrorMessage carrying the raw text.
func responseData(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	data, _ := json.Marshal(agency.ErrorMessage{Error: string(body)})
	return data
}

func methodLabel(err error) string {
	var methodErr *UnsupportedMethodError
	if errors.As(err, &methodErr) {
		return "unsupported"
	}
	return "unknown"
}
