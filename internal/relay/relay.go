// Package relay maintains persistent TCP connections to external nodes and
// translates between newline-delimited JSON on the wire and in-process queues.
//
// An Endpoint plays either the server role (listen and accept any number of
// peers) or the client role (dial a single peer). Messages given to Send are
// queued on the endpoint's outbound queue and written to the peer in order.
// Frames read from a peer are validated and put on the shared inbound queue
// supplied at construction.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/cenkalti/backoff/v4"
	"github.com/deepsight/agency/internal/metrics"
	"github.com/deepsight/agency/internal/queue"
)

// Role selects how an Endpoint establishes its connection.
type Role string

const (
	// RoleServer listens on the configured address and accepts peers.
	RoleServer Role = "server"

	// RoleClient dials the configured address.
	RoleClient Role = "client"
)

// DefaultMaxFrameSize is the largest frame accepted from a peer when
// Config.MaxFrameSize is zero.
const DefaultMaxFrameSize = 1024 * 1024

// Frame is a JSON document received from a relay peer.
type Frame struct {
	// Endpoint is the name of the endpoint that received the frame.
	Endpoint string `json:"endpoint"`

	// Remote is the address of the peer that sent the frame.
	Remote string `json:"remote"`

	// Payload is the validated JSON document.
	Payload json.RawMessage `json:"data"`
}

// Config describes a single relay endpoint.
type Config struct {
	// Name identifies the endpoint in logs, metrics and the HTTP surface.
	Name string

	// Role is either RoleServer or RoleClient.
	Role Role

	// Address is the host:port to listen on or dial.
	Address string

	// MaxConns caps the number of concurrent peers of a server endpoint. Zero
	// means no limit.
	MaxConns int

	// MaxFrameSize is the largest frame, in bytes, accepted from a peer.
	MaxFrameSize int

	// Reconnect enables re-dialling a client endpoint after the connection is
	// lost.
	Reconnect bool

	// DialTimeout bounds each dial attempt of a client endpoint.
	DialTimeout time.Duration
}

// Endpoint is a TCP relay endpoint. The zero value is not usable; create
// endpoints with New.
type Endpoint struct {
	config   Config
	outbound *queue.Queue[[]byte]
	inbound  *queue.Queue[Frame]
	logger   *log.Logger

	// backoff produces reconnect delays for client endpoints.
	backoff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	started      bool
	closed       bool
	listener     net.Listener
	conns        map[*conn]struct{}
	peersChanged chan struct{}
}

// New creates an endpoint described by config that puts received frames on
// inbound. The endpoint never takes ownership of inbound.
func New(config Config, inbound *queue.Queue[Frame]) (*Endpoint, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("cannot create relay endpoint: missing name")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("cannot create relay endpoint '%v': missing address", config.Name)
	}
	switch config.Role {
	case RoleServer, RoleClient:
	default:
		return nil, fmt.Errorf("cannot create relay endpoint '%v': unsupported role '%v'", config.Name, config.Role)
	}
	if inbound == nil {
		return nil, fmt.Errorf("cannot create relay endpoint '%v': missing inbound queue", config.Name)
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		config:   config,
		outbound: queue.New[[]byte](),
		inbound:  inbound,
		logger: log.New(
			os.Stderr,
			fmt.Sprintf("%v[relay:%v] ", log.Prefix(), config.Name),
			log.Flags(),
			log.CurrentLevel(),
		),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[*conn]struct{}),
		peersChanged: make(chan struct{}),
	}, nil
}

// Name returns the configured endpoint name.
func (e *Endpoint) Name() string {
	return e.config.Name
}

// Role returns the configured endpoint role.
func (e *Endpoint) Role() Role {
	return e.config.Role
}

// Addr returns the local listening address of a started server endpoint, or
// the configured address otherwise.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.config.Address
}

// Start establishes the endpoint's connection. A server endpoint binds its
// address and begins accepting peers; a client endpoint dials its peer. Any
// error returned by Start is fatal for the endpoint.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("cannot start relay endpoint '%v': endpoint closed", e.config.Name)
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("cannot start relay endpoint '%v': already started", e.config.Name)
	}
	e.started = true
	e.mu.Unlock()

	switch e.config.Role {
	case RoleServer:
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", e.config.Address)
		if err != nil {
			return fmt.Errorf("cannot listen on '%v': %w", e.config.Address, err)
		}
		e.mu.Lock()
		e.listener = l
		e.mu.Unlock()
		e.logger.Infof("listening on %v", l.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.accept(l)
		}()
	case RoleClient:
		c, err := e.dial(ctx)
		if err != nil {
			return fmt.Errorf("cannot connect to '%v': %w", e.config.Address, err)
		}
		e.logger.Infof("connected to %v", c.RemoteAddr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.maintain(c)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pump()
	}()

	return nil
}

// Send encodes msg as JSON and queues it for delivery to the endpoint's
// peers. Send never waits for network I/O.
func (e *Endpoint) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot marshal message to JSON: %w", err)
	}
	data = append(data, '\n')

	if err := e.outbound.Put(data); err != nil {
		return fmt.Errorf("cannot queue message on relay endpoint '%v': %w", e.config.Name, err)
	}
	e.logger.Tracef("queued message: %v", string(data[:len(data)-1]))

	return nil
}

// Close shuts the endpoint down. Messages already queued are given until ctx
// is done to reach connected peers, then every connection is closed and Close
// waits for all loops to exit. Close is idempotent.
func (e *Endpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	l := e.listener
	peers := len(e.conns)
	e.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			e.logger.Debugf("cannot close listener: %v", err)
		}
	}

	var flushErr error
	if peers > 0 {
		flushErr = e.flush(ctx)
		if flushErr != nil {
			e.logger.Warnf("cannot flush outbound messages: %v", flushErr)
		}
	}
	if n := e.outbound.Len(); n > 0 {
		e.logger.Warnf("discarding %v undelivered messages", n)
	}

	e.outbound.Close()
	e.cancel()

	e.mu.Lock()
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	e.wg.Wait()
	e.logger.Infof("closed %v", e.config.Address)

	return flushErr
}

// flush waits until the outbound queue has been handed to every peer and each
// peer has written its queue to the wire.
func (e *Endpoint) flush(ctx context.Context) error {
	if err := e.outbound.Wait(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		if err := c.outbound.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pump is the single consumer of the endpoint's outbound queue. It copies each
// message to the private queue of every connected peer, waiting while no peer
// is connected.
func (e *Endpoint) pump() {
	for {
		msg, err := e.outbound.Get(e.ctx)
		if err != nil {
			return
		}

		conns, err := e.peers(e.ctx)
		if err != nil {
			return
		}
		for _, c := range conns {
			if err := c.outbound.Put(msg); err != nil {
				e.logger.Debugf("cannot hand message to %v: %v", c.remote, err)
			}
		}
		e.outbound.Done()
	}
}

// peers returns the connected peers, waiting until at least one is present.
func (e *Endpoint) peers(ctx context.Context) ([]*conn, error) {
	for {
		e.mu.Lock()
		if len(e.conns) > 0 {
			conns := make([]*conn, 0, len(e.conns))
			for c := range e.conns {
				conns = append(conns, c)
			}
			e.mu.Unlock()
			return conns, nil
		}
		changed := e.peersChanged
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// accept runs the accept loop of a server endpoint until the listener is
// closed.
func (e *Endpoint) accept(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				e.logger.Errorf("cannot accept connection: %v", err)
			}
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handle(c)
		}()
	}
}

// dial opens a connection to the configured address of a client endpoint.
func (e *Endpoint) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: e.config.DialTimeout}
	return d.DialContext(ctx, "tcp", e.config.Address)
}

// maintain serves the connection of a client endpoint and, when reconnect is
// enabled, re-dials the peer each time the connection is lost.
func (e *Endpoint) maintain(c net.Conn) {
	for {
		e.handle(c)

		if !e.config.Reconnect || e.ctx.Err() != nil {
			return
		}

		var err error
		err = backoff.RetryNotify(
			func() error {
				var dialErr error
				c, dialErr = e.dial(e.ctx)
				return dialErr
			},
			backoff.WithContext(e.backoff(), e.ctx),
			func(err error, d time.Duration) {
				e.logger.Warnf("cannot reconnect to %v: %v; retrying in %v", e.config.Address, err, d)
			},
		)
		if err != nil {
			e.logger.Debugf("giving up reconnecting: %v", err)
			return
		}
		e.logger.Infof("reconnected to %v", c.RemoteAddr())
	}
}

// register adds c to the set of connected peers. It reports false if the
// endpoint is closed or at its connection limit.
func (e *Endpoint) register(c *conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if e.config.MaxConns > 0 && len(e.conns) >= e.config.MaxConns {
		return false
	}
	e.conns[c] = struct{}{}
	e.notifyPeersChanged()
	metrics.RelayConnections.WithLabelValues(e.config.Name).Set(float64(len(e.conns)))

	return true
}

func (e *Endpoint) unregister(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.conns, c)
	e.notifyPeersChanged()
	metrics.RelayConnections.WithLabelValues(e.config.Name).Set(float64(len(e.conns)))
}

// notifyPeersChanged wakes goroutines waiting in peers. e.mu must be held.
func (e *Endpoint) notifyPeersChanged() {
	close(e.peersChanged)
	e.peersChanged = make(chan struct{})
}
