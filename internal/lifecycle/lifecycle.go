// Package lifecycle starts and stops the components of agencyd in order.
//
// Startup connects the MQTT transport with the dispatcher registered on every
// subscribed topic, starts the relay endpoints in parallel, starts a consumer
// per inbound queue and the HTTP surface, then reports readiness to systemd.
// Any failure tears down what was already started. Shutdown runs the same
// steps in reverse, giving relay endpoints a bounded time to flush queued
// messages.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/deepsight/agency/internal/api"
	"github.com/deepsight/agency/internal/queue"
	"github.com/deepsight/agency/internal/relay"
	"github.com/deepsight/agency/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Config holds the values the Coordinator needs beyond its components.
type Config struct {
	// SubscribeTopics are the topics the directive handler is registered on.
	SubscribeTopics []string

	// RelayForwardTopic, when set, receives every inbound relay frame.
	RelayForwardTopic string

	// FlushTimeout bounds the time relay endpoints may spend flushing queued
	// messages on shutdown.
	FlushTimeout time.Duration

	// Quiesce is the time, in milliseconds, the MQTT client is given to
	// finish in-flight work on disconnect.
	Quiesce uint
}

// Coordinator owns the startup and shutdown order of the daemon.
type Coordinator struct {
	config    Config
	transport transport.Transporter
	handler   transport.HandlerFunc
	relays    *Relays
	api       *api.Server

	// notify reports service state changes to the service manager.
	notify func(state string)

	consumers sync.WaitGroup
	mu        sync.Mutex
	stopped   bool
}

// New creates a coordinator. handler is registered on every subscribe topic.
// relays and apiServer may be nil.
func New(config Config, t transport.Transporter, handler transport.HandlerFunc, relays *Relays, apiServer *api.Server) *Coordinator {
	if relays == nil {
		relays = &Relays{}
	}

	return &Coordinator{
		config:    config,
		transport: t,
		handler:   handler,
		relays:    relays,
		api:       apiServer,
		notify:    sdNotify,
	}
}

func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Errorf("cannot notify service manager: %v", err)
		return
	}
	if sent {
		log.Debugf("notified service manager: %v", state)
	}
}

// Start starts every component. On error, components already started are
// stopped before returning.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.handler != nil {
		for _, topic := range c.config.SubscribeTopics {
			c.transport.Handle(topic, c.handler)
		}
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.teardown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range c.relays.Endpoints {
		e := e
		g.Go(func() error {
			return e.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		c.teardown()
		return err
	}

	for name, inbound := range c.relays.Inbound {
		name, inbound := name, inbound
		c.consumers.Add(1)
		go func() {
			defer c.consumers.Done()
			c.consume(name, inbound)
		}()
	}

	if c.api != nil {
		if err := c.api.Start(); err != nil {
			c.teardown()
			return err
		}
	}

	c.notify(daemon.SdNotifyReady)
	log.Infof("started %v relay endpoints", len(c.relays.Endpoints))

	return nil
}

// Stop stops every component in reverse startup order and returns once all
// goroutines started by the coordinator have exited. It is idempotent.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.notify(daemon.SdNotifyStopping)

	var errs []error
	if c.api != nil {
		if err := c.api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.transport.Drain(ctx); err != nil {
		log.Warnf("cannot wait for in-flight messages: %v", err)
	}
	c.transport.Disconnect(c.config.Quiesce)

	if err := c.closeRelays(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// teardown stops a partially started coordinator.
func (c *Coordinator) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.FlushTimeout)
	defer cancel()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if c.api != nil {
		if err := c.api.Shutdown(ctx); err != nil {
			log.Errorf("%v", err)
		}
	}
	if err := c.transport.Drain(ctx); err != nil {
		log.Warnf("cannot wait for in-flight messages: %v", err)
	}
	c.transport.Disconnect(c.config.Quiesce)
	if err := c.closeRelays(ctx); err != nil {
		log.Errorf("%v", err)
	}
}

// closeRelays closes every endpoint in parallel, then closes the inbound
// queues and waits for their consumers to drain them.
func (c *Coordinator) closeRelays(ctx context.Context) error {
	if c.config.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FlushTimeout)
		defer cancel()
	}

	var g errgroup.Group
	for _, e := range c.relays.Endpoints {
		e := e
		g.Go(func() error {
			if err := e.Close(ctx); err != nil {
				return fmt.Errorf("cannot close relay endpoint '%v': %w", e.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, inbound := range c.relays.Inbound {
		inbound.Close()
	}
	c.consumers.Wait()

	return err
}

// consume handles every frame put on inbound until the queue is closed and
// drained.
func (c *Coordinator) consume(name string, inbound *queue.Queue[relay.Frame]) {
	log.Debugf("consuming inbound queue %v", name)
	for {
		frame, err := inbound.Get(context.Background())
		if err != nil {
			log.Debugf("inbound queue %v closed", name)
			return
		}
		c.handleFrame(frame)
		inbound.Done()
	}
}

func (c *Coordinator) handleFrame(frame relay.Frame) {
	if c.config.RelayForwardTopic == "" {
		log.Infof("received frame on relay endpoint %v from %v: %s", frame.Endpoint, frame.Remote, frame.Payload)
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("cannot marshal frame from %v: %v", frame.Remote, err)
		return
	}
	c.transport.Publish(c.config.RelayForwardTopic, data, 0, false)
}
