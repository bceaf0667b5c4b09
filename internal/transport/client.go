package transport

import (
	"context"
	"errors"
	"time"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
	"github.com/espwasm/wasmctl/internal/retry"
)

// DefaultTimeout is the per-request response timeout.
const DefaultTimeout = 3 * time.Second

// Caller issues one request and returns the device's response.
type Caller interface {
	Call(ctx context.Context, req protocol.Message) (protocol.Message, error)
}

// Client turns an Exchanger into a Caller: it assigns request ids, resends
// timed-out requests with the same id, and converts device error
// responses into errors of the reported kind.
type Client struct {
	ex      Exchanger
	ids     *protocol.IDSource
	timeout time.Duration
	retry   retry.Config
}

// NewClient returns a Client over ex. A nil ids gets a fresh source.
func NewClient(ex Exchanger, ids *protocol.IDSource, timeout time.Duration, rc retry.Config) *Client {
	if ids == nil {
		ids = &protocol.IDSource{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{ex: ex, ids: ids, timeout: timeout, retry: rc}
}

// Call sends req and waits for its response.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	frame := protocol.Frame{RequestID: c.ids.Next(), Message: req}

	sent := 0
	resp, err := retry.DoWithResult(ctx, c.retry, func(attempt int) (protocol.Frame, error) {
		sent = attempt
		if attempt > 1 {
			logging.Debug("resending request",
				logging.Uint32("request_id", frame.RequestID),
				logging.Stringer("tag", req.Tag()),
				logging.Int("attempt", attempt),
			)
		}
		f, err := c.ex.Roundtrip(ctx, frame, c.timeout)
		if err != nil && errors.Is(err, ErrTimeout) {
			return f, retry.Retryable(err)
		}
		return f, err
	})
	if err != nil {
		return nil, err
	}

	if e, ok := resp.Message.(protocol.ErrorResponse); ok {
		if sent > 1 {
			return nil, &resentError{err: e.Err()}
		}
		return nil, e.Err()
	}
	return resp.Message, nil
}

// resentError is a device error answering a request that was sent more
// than once. An earlier copy may have been applied.
type resentError struct {
	err error
}

func (e *resentError) Error() string { return e.err.Error() }
func (e *resentError) Unwrap() error { return e.err }

// Resent reports whether err is a device error returned for a request that
// had to be resent, so the device may already have acted on it.
func Resent(err error) bool {
	var r *resentError
	return errors.As(err, &r)
}

// Expect asserts that resp is a T, reporting anything else as a ProtocolError.
func Expect[T protocol.Message](resp protocol.Message) (T, error) {
	m, ok := resp.(T)
	if !ok {
		var zero T
		return zero, derrors.Newf(derrors.ProtocolError, "expected %s response, got %s", zero.Tag(), resp.Tag())
	}
	return m, nil
}
