// Package transport carries protocol frames over a stream connection and
// correlates responses with the requests that caused them.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
)

// ErrTimeout is wrapped by every error caused by a response not arriving in time.
var ErrTimeout = errors.New("response timeout")

// ErrClosed is wrapped by errors returned after the connection is gone.
var ErrClosed = errors.New("connection closed")

// Exchanger performs one correlated request/response exchange.
type Exchanger interface {
	Roundtrip(ctx context.Context, req protocol.Frame, timeout time.Duration) (protocol.Frame, error)
}

type result struct {
	frame protocol.Frame
	err   error
}

// Conn multiplexes request/response frames over a net.Conn. A dedicated
// goroutine reads frames and hands each to the waiter registered for its
// request id; frames nobody waits for are logged and dropped. A frame that
// does not decode closes the connection.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan result
	closed  bool
	err     error

	done chan struct{}
}

// Dial connects to addr within timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, derrors.Wrap(derrors.TransportError, fmt.Sprintf("failed to connect to %s", addr), err)
	}
	return New(nc), nil
}

// New wraps an established connection and starts its reader.
func New(nc net.Conn) *Conn {
	c := &Conn{
		nc:      nc,
		pending: make(map[uint32]chan result),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and fails every outstanding request.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	c.mu.Unlock()

	_ = c.nc.Close()
	close(c.done)
	for _, ch := range pending {
		select {
		case ch <- result{err: c.wrapErr()}:
		default:
		}
	}
}

func (c *Conn) wrapErr() error {
	if derrors.KindOf(c.err) != derrors.Unknown {
		return c.err
	}
	return derrors.Wrap(derrors.TransportError, "connection lost", c.err)
}

// Err returns the error that ended the connection, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.wrapErr()
}

// register installs a waiter for id. An id that is already pending keeps
// its channel.
func (c *Conn) register(id uint32) (chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.wrapErr()
	}
	if ch, ok := c.pending[id]; ok {
		return ch, nil
	}
	ch := make(chan result, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) unregister(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Send writes one frame.
func (c *Conn) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(data); err != nil {
		c.fail(err)
		return derrors.Wrap(derrors.TransportError, "failed to write frame", err)
	}
	logging.Debug("frame sent",
		logging.Uint32("request_id", f.RequestID),
		logging.Stringer("tag", f.Message.Tag()),
		logging.Int("bytes", len(data)),
	)
	return nil
}

// Roundtrip sends req and waits up to timeout for the response carrying
// the same request id. A timeout yields a TransportError wrapping
// ErrTimeout; the caller may resend with the same id.
func (c *Conn) Roundtrip(ctx context.Context, req protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	ch, err := c.register(req.RequestID)
	if err != nil {
		return protocol.Frame{}, err
	}
	defer c.unregister(req.RequestID)

	if err := c.Send(req); err != nil {
		return protocol.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-timer.C:
		return protocol.Frame{}, derrors.Wrap(derrors.TransportError,
			fmt.Sprintf("no %s response within %s", req.Message.Tag(), timeout), ErrTimeout)
	case <-ctx.Done():
		return protocol.Frame{}, derrors.Wrap(derrors.TransportError, "request cancelled", ctx.Err())
	case <-c.done:
		return protocol.Frame{}, c.Err()
	}
}

func (c *Conn) readLoop() {
	for {
		data, err := protocol.ReadFrame(c.nc)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.fail(ErrClosed)
			} else {
				c.fail(err)
			}
			return
		}

		id := binary.BigEndian.Uint32(data[4:8])
		frame, err := protocol.Decode(data)
		if err == nil && !frame.Message.Tag().IsResponse() {
			err = derrors.Newf(derrors.ProtocolError, "unexpected %s frame from device", frame.Message.Tag())
		}
		if err != nil {
			// a peer that sends a malformed frame is not trusted further;
			// every waiter gets the protocol error
			logging.Warn("closing connection after malformed frame",
				logging.Uint32("request_id", id),
				logging.Err(err),
			)
			c.fail(err)
			return
		}
		c.deliver(id, result{frame: frame})
	}
}

func (c *Conn) deliver(id uint32, r result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		logging.Warn("dropping unsolicited frame", logging.Uint32("request_id", id))
		return
	}
	select {
	case ch <- r:
	default:
		// a duplicate response to a resent request
		logging.Debug("dropping duplicate frame", logging.Uint32("request_id", id))
	}
}
