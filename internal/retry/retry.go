// Package retry provides bounded retry of operations whose failures are
// marked retryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts, at least 1
	Wait        time.Duration // Pause between attempts
}

// DefaultConfig returns the device defaults: three attempts, no pause.
// The request timeout already spaces attempts out.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The attempt number, starting at 1, is passed
// to fn. Exhaustion yields a TransportError wrapping the last failure.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn(attempt)
		if err == nil {
			return r, nil
		}

		var retryable RetryableError
		if !errors.As(err, &retryable) {
			return result, err
		}
		lastErr = retryable.Err

		if ctx.Err() != nil {
			return result, derrors.Wrap(derrors.TransportError, "cancelled", ctx.Err())
		}
		if attempt == attempts {
			break
		}

		logging.Debug("retrying", logging.Int("attempt", attempt+1), logging.Err(lastErr))

		if cfg.Wait > 0 {
			select {
			case <-ctx.Done():
				return result, derrors.Wrap(derrors.TransportError, "cancelled", ctx.Err())
			case <-time.After(cfg.Wait):
			}
		}
	}

	return result, derrors.Wrap(derrors.TransportError,
		fmt.Sprintf("giving up after %d attempts", attempts), lastErr)
}
