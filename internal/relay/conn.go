package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/deepsight/agency/internal/metrics"
	"github.com/deepsight/agency/internal/queue"
)

// conn is a single peer connection with its own outbound queue. Its send loop
// is the only consumer of that queue and its receive loop is the only reader
// of the socket.
type conn struct {
	net.Conn
	remote    string
	outbound  *queue.Queue[[]byte]
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.outbound.Close()
		_ = c.Conn.Close()
	})
}

// handle runs the send and receive loops for c and returns once both have
// exited and the connection is closed.
func (e *Endpoint) handle(nc net.Conn) {
	c := &conn{
		Conn:     nc,
		remote:   nc.RemoteAddr().String(),
		outbound: queue.New[[]byte](),
	}

	if !e.register(c) {
		e.logger.Warnf("rejecting connection from %v", c.remote)
		c.close()
		return
	}
	e.logger.Infof("peer connected: %v", c.remote)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sendLoop(c)
	}()

	e.receiveLoop(c)
	c.close()
	wg.Wait()

	e.unregister(c)
	e.logger.Infof("peer disconnected: %v", c.remote)
}

// sendLoop writes queued messages to the peer, one write per message, until
// the connection's queue is closed or a write fails.
func (e *Endpoint) sendLoop(c *conn) {
	defer c.close()

	for {
		msg, err := c.outbound.Get(context.Background())
		if err != nil {
			return
		}
		if len(msg) == 0 {
			c.outbound.Done()
			continue
		}

		if _, err := c.Write(msg); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.logger.Errorf("cannot write to %v: %v", c.remote, err)
			}
			c.outbound.Done()
			return
		}
		c.outbound.Done()
		metrics.RelayFramesTotal.WithLabelValues(e.config.Name, "out").Inc()
		e.logger.Tracef("sent to %v: %v", c.remote, string(msg[:len(msg)-1]))
	}
}

// receiveLoop reads newline-delimited JSON documents from the peer and puts
// each one on the inbound queue. Malformed documents and documents larger than
// the maximum frame size are logged and dropped. The loop ends when the peer
// closes the connection or a read fails.
func (e *Endpoint) receiveLoop(c *conn) {
	reader := bufio.NewReaderSize(c, e.config.MaxFrameSize+1)
	oversized := false

	for {
		line, err := reader.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !oversized {
				metrics.RelayFramesTotal.WithLabelValues(e.config.Name, "dropped").Inc()
				e.logger.Warnf("dropping frame larger than %v bytes from %v", e.config.MaxFrameSize, c.remote)
			}
			oversized = true
			continue
		case oversized:
			// tail of the dropped frame
			oversized = false
		default:
			if !e.receive(c, line) {
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				e.logger.Debugf("connection closed by %v", c.remote)
			} else if !errors.Is(err, net.ErrClosed) {
				e.logger.Errorf("cannot read from %v: %v", c.remote, err)
			}
			return
		}
	}
}

// receive queues a single frame read from c. It reports false once the
// inbound queue no longer accepts frames.
func (e *Endpoint) receive(c *conn, data []byte) bool {
	line := bytes.TrimSpace(data)
	if len(line) == 0 {
		return true
	}
	if !json.Valid(line) {
		metrics.RelayFramesTotal.WithLabelValues(e.config.Name, "dropped").Inc()
		e.logger.Warnf("dropping invalid JSON frame from %v: %v", c.remote, string(line))
		return true
	}

	frame := Frame{
		Endpoint: e.config.Name,
		Remote:   c.remote,
		Payload:  append(json.RawMessage(nil), line...),
	}
	if err := e.inbound.Put(frame); err != nil {
		e.logger.Errorf("cannot queue frame from %v: %v", c.remote, err)
		return false
	}
	metrics.RelayFramesTotal.WithLabelValues(e.config.Name, "in").Inc()
	e.logger.Tracef("received from %v: %v", c.remote, string(line))

	return true
}
